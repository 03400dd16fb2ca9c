package project

import "github.com/forgeworks/forge/pkg/models"

// Recompute derives the project status from the current task-status multiset.
// It is a pure function: calling it twice with the same inputs yields the
// same output, which is what makes outcome notifications idempotent and
// replay-safe. Terminal statuses are sticky, and completion is never derived
// here — review becomes completed only through an explicit approval.
func Recompute(current models.ProjectStatus, tasks []*models.Task) models.ProjectStatus {
	if current.Terminal() {
		return current
	}
	if len(tasks) == 0 {
		return models.ProjectStatusPending
	}

	allPending := true
	allSucceeded := true
	workSucceeded := true // every non-validation task succeeded
	for _, t := range tasks {
		if t.Status != models.TaskStatusPending {
			allPending = false
		}
		if t.Status != models.TaskStatusSucceeded {
			allSucceeded = false
			if !models.IsValidationRole(t.Role) {
				workSucceeded = false
			}
		}
	}

	switch {
	case allPending:
		return models.ProjectStatusPlanning
	case allSucceeded:
		return models.ProjectStatusReview
	case workSucceeded:
		return models.ProjectStatusTesting
	default:
		// Mixed progress, including tasks that exhausted their retries:
		// the project stays open with the failure surfaced.
		return models.ProjectStatusInProgress
	}
}
