package goal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// RegistryFile is the repo-relative path of the optional user-curated
// goal registry.
const RegistryFile = ".forged/goals.toml"

// Goal ids land in branch names, commit messages, and artifact paths.
var goalIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Registry resolves goals against the built-in canonical specs plus an
// optional TOML overlay of user-curated goals.
type Registry struct {
	custom map[string]Spec
}

type registryDocument struct {
	Goals []Spec `toml:"goals"`
}

// LoadRegistry reads the overlay file under repoRoot if present. A
// missing file yields an empty overlay; a malformed file is an error so
// curated goals are never silently dropped.
func LoadRegistry(repoRoot string) (*Registry, error) {
	reg := &Registry{custom: make(map[string]Spec)}
	path := filepath.Join(repoRoot, RegistryFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read goal registry: %w", err)
	}

	var doc registryDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse goal registry %s: %w", path, err)
	}
	for _, spec := range doc.Goals {
		id := strings.ToLower(strings.TrimSpace(spec.GoalID))
		if id == "" {
			return nil, fmt.Errorf("goal registry %s contains a goal without goal_id", path)
		}
		if !goalIDPattern.MatchString(id) {
			return nil, fmt.Errorf("goal registry %s: invalid goal_id %q (allowed: a-z, 0-9, underscore, hyphen)", path, id)
		}
		if spec.GateProfile == "" {
			spec.GateProfile = ProfileDefault
		}
		spec.GoalID = id
		reg.custom[id] = spec
	}
	return reg, nil
}

// Resolve prefers a curated goal over built-in resolution. Like Resolve,
// it never fails.
func (r *Registry) Resolve(goalText string) Spec {
	normalized := strings.ToLower(strings.TrimSpace(goalText))
	if r != nil {
		if spec, ok := r.custom[normalized]; ok {
			return spec
		}
	}
	return Resolve(goalText)
}

// Custom returns the number of curated goals loaded.
func (r *Registry) Custom() int {
	if r == nil {
		return 0
	}
	return len(r.custom)
}
