package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Profile string

const (
	ProfileBackend   Profile = "backend"
	ProfileFrontend  Profile = "frontend"
	ProfileFullstack Profile = "fullstack"
	ProfileMobile    Profile = "mobile"
	ProfileData      Profile = "data"
	ProfileDevOps    Profile = "devops"
)

// Profiles lists every profile a submission may carry, in display order.
var Profiles = []Profile{
	ProfileBackend,
	ProfileFrontend,
	ProfileFullstack,
	ProfileMobile,
	ProfileData,
	ProfileDevOps,
}

var ErrInvalidProfile = errors.New("invalid profile")

// ParseProfile normalizes s and checks it against the fixed profile set.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Profiles {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrInvalidProfile, s)
}

type SubmissionState string

const (
	StateUnassigned SubmissionState = "unassigned"
	StateAssigned   SubmissionState = "assigned"
	StateCompleted  SubmissionState = "completed"
)

type Submission struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Email       string            `json:"email,omitempty"`
	Profile     Profile           `json:"profile"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SubmittedAt string            `json:"submitted_at" format:"date-time"`
	State       SubmissionState   `json:"state" enum:"unassigned,assigned,completed"`
	AssigneeID  *string           `json:"assignee_id,omitempty"`
	AssignedAt  *string           `json:"assigned_at,omitempty" format:"date-time"`
	Feedback    []string          `json:"feedback,omitempty"`
	CompletedAt *string           `json:"completed_at,omitempty" format:"date-time"`
}

type Reviewer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Profiles  []Profile `json:"profiles"`
	Quota     int       `json:"quota"`
	Load      int       `json:"load"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

// Qualified reports whether the reviewer may handle submissions of profile p.
func (r Reviewer) Qualified(p Profile) bool {
	for _, own := range r.Profiles {
		if own == p {
			return true
		}
	}
	return false
}

type Assignment struct {
	SubmissionID string          `json:"submission_id"`
	Profile      Profile         `json:"profile"`
	State        SubmissionState `json:"state"`
	ReviewerID   string          `json:"reviewer_id"`
	ReviewerName string          `json:"reviewer_name"`
	AssignedAt   string          `json:"assigned_at" format:"date-time"`
	CompletedAt  *string         `json:"completed_at,omitempty" format:"date-time"`
	Feedback     []string        `json:"feedback,omitempty"`
}

type AllocationResult struct {
	Assigned int `json:"assigned"`
	Skipped  int `json:"skipped"`
}

type Notification struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}
