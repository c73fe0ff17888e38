package server

import (
	"reviewline/internal/domain"
)

// Request payloads

type SubmitRequest struct {
	ID       *string           `json:"id,omitempty"`
	Name     string            `json:"name"`
	Email    string            `json:"email,omitempty" format:"email"`
	Profile  string            `json:"profile" doc:"One of backend, frontend, fullstack, mobile, data, devops"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ReviewRequest struct {
	SubmissionID string   `json:"submission_id"`
	Comments     []string `json:"comments"`
}

type ReviewerRequest struct {
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Profiles []string `json:"profiles"`
	Quota    int      `json:"quota" minimum:"0"`
}

// Responses

type paginatedSubmissions struct {
	Items      []domain.Submission `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type reviewerList struct {
	Items []domain.Reviewer `json:"items"`
}

type assignmentList struct {
	Items []domain.Assignment `json:"items"`
}

type coverageResponse struct {
	Uncovered []domain.Profile               `json:"uncovered"`
	Counts    map[domain.SubmissionState]int `json:"counts"`
}

// Conversion helpers

func reviewerFromRequest(id string, req ReviewerRequest) (domain.Reviewer, error) {
	rv := domain.Reviewer{ID: id, Name: req.Name, Email: req.Email, Quota: req.Quota, Profiles: []domain.Profile{}}
	for _, raw := range req.Profiles {
		p, err := domain.ParseProfile(raw)
		if err != nil {
			return domain.Reviewer{}, err
		}
		rv.Profiles = append(rv.Profiles, p)
	}
	return rv, nil
}

func nonNilSubmissions(items []domain.Submission) []domain.Submission {
	if items == nil {
		return []domain.Submission{}
	}
	return items
}
