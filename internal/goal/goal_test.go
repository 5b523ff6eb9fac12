package goal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKnownGoal(t *testing.T) {
	spec := Resolve("baseline_reclamation")

	assert.Equal(t, GoalBaselineReclamation, spec.GoalID)
	assert.True(t, spec.Iterative)
	assert.Equal(t, ProfileDefault, spec.GateProfile)
	assert.NotEmpty(t, spec.Phases)
	assert.NotEmpty(t, spec.RiskNotes)
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, GoalRepoGreenStorm, Resolve("Repo_Green_Storm").GoalID)
}

func TestResolveSmokeConvention(t *testing.T) {
	for _, name := range []string{"forge_smoke_noop", "smoke:anything", "weekly_smoke"} {
		spec := Resolve(name)
		assert.Equal(t, GoalSmokeNoop, spec.GoalID, "goal %q", name)
		assert.Equal(t, ProfileSmokeNoop, spec.GateProfile)
		assert.False(t, spec.Iterative)
	}
}

func TestResolveUnknownGoalIsAdHoc(t *testing.T) {
	spec := Resolve("make everything better somehow")

	assert.Equal(t, GoalAdHoc, spec.GoalID)
	assert.Equal(t, "make everything better somehow", spec.Description)
	assert.False(t, spec.Iterative)
	assert.NotEmpty(t, spec.RiskNotes)
}

func TestResolveNeverReturnsEmptySpec(t *testing.T) {
	for _, text := range []string{"", "   ", "???", "baseline_reclamation"} {
		spec := Resolve(text)
		assert.NotEmpty(t, spec.GoalID, "goal %q", text)
		assert.NotEmpty(t, spec.GateProfile, "goal %q", text)
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	reg, err := LoadRegistry(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, 0, reg.Custom())
	assert.Equal(t, GoalBaselineReclamation, reg.Resolve("baseline_reclamation").GoalID)
}

func TestLoadRegistryCustomGoal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".forged"), 0o755))
	doc := `
[[goals]]
goal_id = "nightly_cleanup"
description = "curated cleanup goal"
gate_profile = "default"
iterative = true
risk_notes = ["curated"]

[[goals.phases]]
summary = "sweep"
commands = ["test runner"]
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ".forged", "goals.toml"), []byte(doc), 0o644))

	reg, err := LoadRegistry(root)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Custom())

	spec := reg.Resolve("nightly_cleanup")
	assert.Equal(t, "nightly_cleanup", spec.GoalID)
	assert.True(t, spec.Iterative)
	require.Len(t, spec.Phases, 1)
	assert.Equal(t, "sweep", spec.Phases[0].Summary)
}

func TestLoadRegistryMalformed(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".forged"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".forged", "goals.toml"), []byte("not [valid toml"), 0o644))

	_, err := LoadRegistry(root)

	assert.Error(t, err)
}

func TestLoadRegistryRejectsMissingID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".forged"), 0o755))
	doc := "[[goals]]\ndescription = \"anonymous\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".forged", "goals.toml"), []byte(doc), 0o644))

	_, err := LoadRegistry(root)

	assert.Error(t, err)
}

func TestLoadRegistryRejectsInvalidID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".forged"), 0o755))
	doc := "[[goals]]\ngoal_id = \"bad goal/id\"\ndescription = \"spaces and slash\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".forged", "goals.toml"), []byte(doc), 0o644))

	_, err := LoadRegistry(root)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid goal_id")
}
