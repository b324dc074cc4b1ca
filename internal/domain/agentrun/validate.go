package agentrun

import (
	"fmt"

	"github.com/agentdock/agentdock/internal/domain"
)

// Validation bounds for launch requests.
const (
	MaxNameLength      = 100
	MaxDurationCeiling = 480 // minutes; 0 means unbounded
)

// Validate checks that a LaunchRequest has all required fields within bounds.
func (r *LaunchRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if len(r.Name) > MaxNameLength {
		return fmt.Errorf("name exceeds %d characters: %w", MaxNameLength, domain.ErrValidation)
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required: %w", domain.ErrValidation)
	}
	if r.MaxDurationMinutes < 0 || r.MaxDurationMinutes > MaxDurationCeiling {
		return fmt.Errorf("max_duration_minutes must be in [0, %d]: %w", MaxDurationCeiling, domain.ErrValidation)
	}
	return nil
}

// NewRun builds a Run from a validated LaunchRequest, applying automation
// flag defaults (auto_branch and auto_pr on, auto_merge and auto_review off).
func NewRun(req *LaunchRequest) *Run {
	r := &Run{
		Name:               req.Name,
		Prompt:             req.Prompt,
		ProfileID:          req.ProfileID,
		ProjectID:          req.ProjectID,
		BaseBranch:         req.BaseBranch,
		AutoBranch:         true,
		AutoPR:             true,
		MaxDurationMinutes: req.MaxDurationMinutes,
		Status:             StatusQueued,
		Progress:           0,
	}
	if req.AutoBranch != nil {
		r.AutoBranch = *req.AutoBranch
	}
	if req.AutoPR != nil {
		r.AutoPR = *req.AutoPR
	}
	if req.AutoMerge != nil {
		r.AutoMerge = *req.AutoMerge
	}
	if req.AutoReview != nil {
		r.AutoReview = *req.AutoReview
	}
	return r
}
