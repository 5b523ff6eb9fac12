// Package session creates and tears down isolated working copies of the
// repository under remediation. Isolation prefers a shared-history git
// worktree; repositories without git history fall back to a full copy
// into a temp directory. A session is exclusively owned by one run. It
// is destroyed at run end unless the run failed, in which case it is
// preserved for forensic inspection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/command"
)

// Strategy names the isolation mechanism backing a session.
type Strategy string

const (
	StrategyWorktree Strategy = "git_worktree"
	StrategyCopy     Strategy = "copy"
)

// Session is one isolated, disposable working copy.
type Session struct {
	ID                 string   `json:"session_id"`
	RootPath           string   `json:"root_path"`
	Strategy           Strategy `json:"strategy"`
	BranchName         string   `json:"branch_name"`
	PreservedOnFailure bool     `json:"preserved_on_failure"`
	CleanupPerformed   bool     `json:"cleanup_performed"`

	// copyParent is the temp directory holding a full-copy session; it is
	// what Cleanup removes for the copy strategy.
	copyParent string
}

// Manager creates sessions against one repository root.
type Manager struct {
	repoRoot string
	runner   *command.Runner
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRunner sets the command runner used for git worktree operations.
func WithRunner(runner *command.Runner) Option {
	return func(m *Manager) { m.runner = runner }
}

// NewManager constructs a session manager for the given repository root.
func NewManager(repoRoot string, opts ...Option) (*Manager, error) {
	if repoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	m := &Manager{repoRoot: abs, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.runner == nil {
		m.runner = command.NewRunner(command.WithLogger(m.logger))
	}
	return m, nil
}

// Create builds a session named by sessionID. When the repository has
// git history it adds a detached linked worktree under
// .forged/worktrees/<id>; otherwise, or when the worktree command fails,
// it falls back to a full copy in a fresh temp directory.
func (m *Manager) Create(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	branch := "forge/" + sessionID

	if IsGitRepo(m.repoRoot) {
		worktreeRoot := filepath.Join(m.repoRoot, ".forged", "worktrees")
		worktreePath := filepath.Join(worktreeRoot, sessionID)
		if err := os.MkdirAll(worktreeRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create worktree dir: %w", err)
		}
		result := m.runner.Run(ctx, command.Spec{
			Step: "session_worktree_add",
			Argv: []string{"git", "worktree", "add", "--detach", worktreePath},
			Dir:  m.repoRoot,
		})
		if result.ReturnCode == 0 {
			m.logger.Info("session created",
				zap.String("session_id", sessionID),
				zap.String("strategy", string(StrategyWorktree)),
				zap.String("root", worktreePath))
			return &Session{
				ID:         sessionID,
				RootPath:   worktreePath,
				Strategy:   StrategyWorktree,
				BranchName: branch,
			}, nil
		}
		m.logger.Warn("worktree add failed, falling back to full copy",
			zap.String("session_id", sessionID),
			zap.String("stderr", result.Stderr))
	}

	parent, err := os.MkdirTemp("", "forged-"+sessionID+"-")
	if err != nil {
		return nil, fmt.Errorf("create session temp dir: %w", err)
	}
	root := filepath.Join(parent, filepath.Base(m.repoRoot))
	if err := copyTree(m.repoRoot, root); err != nil {
		os.RemoveAll(parent)
		return nil, fmt.Errorf("copy repository: %w", err)
	}
	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("strategy", string(StrategyCopy)),
		zap.String("root", root))
	return &Session{
		ID:         sessionID,
		RootPath:   root,
		Strategy:   StrategyCopy,
		BranchName: branch,
		copyParent: parent,
	}, nil
}

// Cleanup removes the session's working copy. It never runs for sessions
// marked preserved on failure, and re-running it on an already cleaned
// session is a no-op.
func (m *Manager) Cleanup(ctx context.Context, sess *Session) error {
	if sess == nil || sess.CleanupPerformed {
		return nil
	}
	if sess.PreservedOnFailure {
		m.logger.Info("session preserved for inspection",
			zap.String("session_id", sess.ID),
			zap.String("root", sess.RootPath))
		return nil
	}
	switch sess.Strategy {
	case StrategyWorktree:
		if _, err := os.Stat(sess.RootPath); err == nil {
			m.runner.Run(ctx, command.Spec{
				Step: "session_worktree_remove",
				Argv: []string{"git", "worktree", "remove", "--force", sess.RootPath},
				Dir:  m.repoRoot,
			})
			// The worktree command can refuse; make sure the tree is gone.
			os.RemoveAll(sess.RootPath)
		}
	case StrategyCopy:
		target := sess.copyParent
		if target == "" {
			target = filepath.Dir(sess.RootPath)
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("remove session copy: %w", err)
		}
	}
	sess.CleanupPerformed = true
	m.logger.Info("session cleaned up", zap.String("session_id", sess.ID))
	return nil
}

// SafeID converts a timestamp into a filesystem-safe session identifier.
func SafeID(timestamp string) string {
	replacer := strings.NewReplacer(":", "-", ".", "-", "+", "-", " ", "_")
	return replacer.Replace(timestamp)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, lerr := os.Readlink(path)
			if lerr != nil {
				return lerr
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
