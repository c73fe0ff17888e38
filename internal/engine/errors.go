package engine

import (
	"errors"
	"fmt"

	"reviewline/internal/domain"
)

// ErrNotAssignee is returned when a reviewer completes a submission assigned
// to someone else.
var ErrNotAssignee = errors.New("submission is assigned to another reviewer")

// InvalidStateError rejects a transition the submission's current state does
// not allow. The submission is left unchanged.
type InvalidStateError struct {
	SubmissionID string
	State        domain.SubmissionState
	Want         domain.SubmissionState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: submission %s is %s, must be %s", e.SubmissionID, e.State, e.Want)
}

// ConsistencyError means a freshly written assignment row does not bind the
// submission to a qualified assignee. It aborts the operation that hit it.
type ConsistencyError struct {
	SubmissionID string
	ReviewerID   string
	Profile      domain.Profile
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: reviewer %s is not qualified for %s submission %s", e.ReviewerID, e.Profile, e.SubmissionID)
}
