// Package limits provides the per-user admission cap check.
// All functions are pure (no I/O).
package limits

import (
	"fmt"
)

// DefaultMaxActive is the number of deployments a user may have in an active
// status at once.
const DefaultMaxActive = 2

// =============================================================================
// Types
// =============================================================================

// ValidationResult represents the outcome of a limit validation check.
type ValidationResult struct {
	// Allowed indicates whether the operation is permitted
	Allowed bool

	// Reason explains why the operation was rejected (empty if Allowed is true)
	Reason string
}

// =============================================================================
// Validation Functions
// =============================================================================

// ValidateAdmission checks whether one more deployment may be admitted for a
// user that already has activeCount active deployments. A non-positive
// maxActive falls back to DefaultMaxActive.
func ValidateAdmission(maxActive, activeCount int) ValidationResult {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}

	if activeCount >= maxActive {
		return ValidationResult{
			Allowed: false,
			Reason:  fmt.Sprintf("deployment limit reached: %d/%d active", activeCount, maxActive),
		}
	}

	return ValidationResult{Allowed: true}
}

// =============================================================================
// Convenience Methods
// =============================================================================

// Ok returns true if the validation passed.
func (r ValidationResult) Ok() bool {
	return r.Allowed
}

// Error returns the reason as an error if validation failed, nil otherwise.
func (r ValidationResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("concurrency limit exceeded: %s", r.Reason)
}
