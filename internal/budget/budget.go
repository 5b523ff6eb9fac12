// Package budget bounds iteration and file-churn counts for one forge run.
// The config is pure data; the orchestrator owns the counters and performs
// the checks.
package budget

import "fmt"

// Config is the hard ceiling for one run. Read once at run start, never
// mutated.
type Config struct {
	// MaxIterations caps remediation loop passes.
	MaxIterations int `koanf:"max_iterations" json:"max_iterations"`

	// MaxFixesPerIteration caps candidates applied in one pass.
	MaxFixesPerIteration int `koanf:"max_fixes_per_iteration" json:"max_fixes_per_iteration"`

	// MaxFilesChangedPerIteration caps file churn in one pass.
	MaxFilesChangedPerIteration int `koanf:"max_files_changed_per_iteration" json:"max_files_changed_per_iteration"`

	// MaxTotalFilesChanged caps file churn across the whole run.
	MaxTotalFilesChanged int `koanf:"max_total_files_changed" json:"max_total_files_changed"`
}

// Default returns the documented default ceilings.
func Default() Config {
	return Config{
		MaxIterations:               5,
		MaxFixesPerIteration:        3,
		MaxFilesChangedPerIteration: 6,
		MaxTotalFilesChanged:        20,
	}
}

// Validate rejects non-positive ceilings.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxFixesPerIteration <= 0 {
		return fmt.Errorf("max_fixes_per_iteration must be positive, got %d", c.MaxFixesPerIteration)
	}
	if c.MaxFilesChangedPerIteration <= 0 {
		return fmt.Errorf("max_files_changed_per_iteration must be positive, got %d", c.MaxFilesChangedPerIteration)
	}
	if c.MaxTotalFilesChanged <= 0 {
		return fmt.Errorf("max_total_files_changed must be positive, got %d", c.MaxTotalFilesChanged)
	}
	return nil
}

// Usage is the runtime counter set, tracked separately from the immutable
// ceilings.
type Usage struct {
	IterationsUsed    int `json:"iterations_used"`
	TotalFilesChanged int `json:"total_files_changed"`
}

// BreachReason names which ceiling a check tripped, empty when none.
type BreachReason string

const (
	BreachNone         BreachReason = ""
	BreachIterations   BreachReason = "iteration budget exhausted"
	BreachFilesPerIter BreachReason = "per-iteration file-change cap exceeded"
	BreachFilesTotal   BreachReason = "total file-change cap exceeded"
)

// CheckIteration reports whether starting iteration n (1-based) breaches
// the iteration ceiling.
func (c Config) CheckIteration(n int) BreachReason {
	if n > c.MaxIterations {
		return BreachIterations
	}
	return BreachNone
}

// CheckFiles reports whether the given churn breaches either file cap.
func (c Config) CheckFiles(changedThisIteration, changedTotal int) BreachReason {
	if changedThisIteration > c.MaxFilesChangedPerIteration {
		return BreachFilesPerIter
	}
	if changedTotal > c.MaxTotalFilesChanged {
		return BreachFilesTotal
	}
	return BreachNone
}
