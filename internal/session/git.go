package session

import (
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
)

// DiffStats summarizes a working tree's uncommitted changes.
type DiffStats struct {
	FilesAdded    int `json:"files_added"`
	FilesModified int `json:"files_modified"`
	FilesRemoved  int `json:"files_removed"`
}

// IsGitRepo reports whether root has git history. Linked worktrees (a
// .git file pointing at the real git dir) count.
func IsGitRepo(root string) bool {
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return false
	}
	return true
}

// HeadSHA returns the commit hash the working tree at root points at, or
// "" when root is not a repository or has no commits yet.
func HeadSHA(root string) string {
	repo, err := openRepo(root)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

// ChangedPaths lists paths with uncommitted changes, in status order.
func ChangedPaths(root string) []string {
	status := worktreeStatus(root)
	if status == nil {
		return nil
	}
	var paths []string
	for path, file := range status {
		if file.Worktree == gogit.Unmodified && file.Staging == gogit.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// Diff classifies uncommitted changes into added/modified/removed
// counts for the run report.
func Diff(root string) DiffStats {
	status := worktreeStatus(root)
	stats := DiffStats{}
	for _, file := range status {
		code := file.Worktree
		if code == gogit.Unmodified {
			code = file.Staging
		}
		switch code {
		case gogit.Unmodified:
		case gogit.Untracked, gogit.Added:
			stats.FilesAdded++
		case gogit.Deleted:
			stats.FilesRemoved++
		default:
			stats.FilesModified++
		}
	}
	return stats
}

// openRepo opens root as a repository, including linked worktrees whose
// .git is a gitdir pointer file.
func openRepo(root string) (*gogit.Repository, error) {
	return gogit.PlainOpenWithOptions(root, &gogit.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
}

func worktreeStatus(root string) gogit.Status {
	repo, err := openRepo(root)
	if err != nil {
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil
	}
	status, err := wt.Status()
	if err != nil {
		return nil
	}
	return status
}
