package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound       = errors.New("not found")
	ErrQuotaBelowLoad = errors.New("quota below current load")
	ErrProfileInUse   = errors.New("profile held by an open assignment")
)

// TimeLayout is fixed-width so stored timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Reviewers

// UpsertReviewer creates or updates a reviewer's identity, quota and profiles.
// The current load is never touched; lowering the quota below it is refused.
func (r Repo) UpsertReviewer(ctx context.Context, rv domain.Reviewer) (domain.Reviewer, error) {
	if strings.TrimSpace(rv.ID) == "" {
		return domain.Reviewer{}, errors.New("reviewer id required")
	}
	if rv.Quota < 0 {
		return domain.Reviewer{}, errors.New("quota must not be negative")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reviewer{}, err
	}
	defer tx.Rollback()

	existing, err := r.GetReviewerTx(ctx, tx, rv.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if rv.CreatedAt == "" {
			rv.CreatedAt = FormatTime(time.Now())
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO reviewers(id,name,email,quota,load,created_at) VALUES (?,?,?,?,0,?)`,
			rv.ID, rv.Name, nullable(rv.Email), rv.Quota, rv.CreatedAt); err != nil {
			return domain.Reviewer{}, fmt.Errorf("insert reviewer: %w", err)
		}
	case err != nil:
		return domain.Reviewer{}, err
	default:
		if rv.Quota < existing.Load {
			return domain.Reviewer{}, fmt.Errorf("%w: reviewer %s has load %d, quota %d requested", ErrQuotaBelowLoad, rv.ID, existing.Load, rv.Quota)
		}
		held, err := openAssignmentProfiles(ctx, tx, rv.ID)
		if err != nil {
			return domain.Reviewer{}, err
		}
		for _, p := range held {
			if !rv.Qualified(p) {
				return domain.Reviewer{}, fmt.Errorf("%w: reviewer %s still holds an assigned %s submission", ErrProfileInUse, rv.ID, p)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE reviewers SET name=?, email=?, quota=? WHERE id=? AND load<=?`,
			rv.Name, nullable(rv.Email), rv.Quota, rv.ID, rv.Quota); err != nil {
			return domain.Reviewer{}, fmt.Errorf("update reviewer: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reviewer_profiles WHERE reviewer_id=?`, rv.ID); err != nil {
		return domain.Reviewer{}, err
	}
	for _, p := range rv.Profiles {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO reviewer_profiles(reviewer_id, profile) VALUES (?,?)`, rv.ID, string(p)); err != nil {
			return domain.Reviewer{}, err
		}
	}
	saved, err := r.GetReviewerTx(ctx, tx, rv.ID)
	if err != nil {
		return domain.Reviewer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reviewer{}, err
	}
	return saved, nil
}

// openAssignmentProfiles lists the profiles of submissions currently
// assigned to reviewerID.
func openAssignmentProfiles(ctx context.Context, q querier, reviewerID string) ([]domain.Profile, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT profile FROM submissions WHERE assignee_id=? AND state='assigned'`, reviewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Profile
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, domain.Profile(p))
	}
	return res, rows.Err()
}

func (r Repo) GetReviewer(ctx context.Context, id string) (domain.Reviewer, error) {
	return getReviewer(ctx, r.DB, id)
}

func (r Repo) GetReviewerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reviewer, error) {
	return getReviewer(ctx, tx, id)
}

func getReviewer(ctx context.Context, q querier, id string) (domain.Reviewer, error) {
	row := q.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),quota,load,created_at FROM reviewers WHERE id=?`, id)
	rv, err := scanReviewer(row)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	rv.Profiles, err = reviewerProfiles(ctx, q, id)
	return rv, err
}

func scanReviewer(s scanner) (domain.Reviewer, error) {
	var rv domain.Reviewer
	err := s.Scan(&rv.ID, &rv.Name, &rv.Email, &rv.Quota, &rv.Load, &rv.CreatedAt)
	return rv, err
}

func reviewerProfiles(ctx context.Context, q querier, id string) ([]domain.Profile, error) {
	rows, err := q.QueryContext(ctx, `SELECT profile FROM reviewer_profiles WHERE reviewer_id=? ORDER BY profile`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	profiles := []domain.Profile{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		profiles = append(profiles, domain.Profile(p))
	}
	return profiles, rows.Err()
}

// ListReviewers returns the full roster ordered by id.
func (r Repo) ListReviewers(ctx context.Context) ([]domain.Reviewer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),quota,load,created_at FROM reviewers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	var res []domain.Reviewer
	index := map[string]int{}
	for rows.Next() {
		rv, err := scanReviewer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rv.Profiles = []domain.Profile{}
		index[rv.ID] = len(res)
		res = append(res, rv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	prows, err := r.DB.QueryContext(ctx, `SELECT reviewer_id, profile FROM reviewer_profiles ORDER BY reviewer_id, profile`)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var id, p string
		if err := prows.Scan(&id, &p); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			res[i].Profiles = append(res[i].Profiles, domain.Profile(p))
		}
	}
	return res, prows.Err()
}

// Submissions

const submissionColumns = `id,name,COALESCE(email,''),profile,metadata_json,submitted_at,state,assignee_id,assigned_at,feedback_json,completed_at`

func scanSubmission(s scanner) (domain.Submission, error) {
	var sub domain.Submission
	var metadata, assigneeID, assignedAt, feedback, completedAt sql.NullString
	var profile, state string
	if err := s.Scan(&sub.ID, &sub.Name, &sub.Email, &profile, &metadata, &sub.SubmittedAt, &state, &assigneeID, &assignedAt, &feedback, &completedAt); err != nil {
		return sub, err
	}
	sub.Profile = domain.Profile(profile)
	sub.State = domain.SubmissionState(state)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sub.Metadata); err != nil {
			return sub, fmt.Errorf("submission %s metadata: %w", sub.ID, err)
		}
	}
	if assigneeID.Valid {
		sub.AssigneeID = &assigneeID.String
	}
	if assignedAt.Valid {
		sub.AssignedAt = &assignedAt.String
	}
	if feedback.Valid {
		sub.Feedback = []string{}
		if err := json.Unmarshal([]byte(feedback.String), &sub.Feedback); err != nil {
			return sub, fmt.Errorf("submission %s feedback: %w", sub.ID, err)
		}
	}
	if completedAt.Valid {
		sub.CompletedAt = &completedAt.String
	}
	return sub, nil
}

func (r Repo) InsertSubmission(ctx context.Context, s domain.Submission) error {
	var metadata any
	if len(s.Metadata) > 0 {
		b, err := json.Marshal(s.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO submissions(id,name,email,profile,metadata_json,submitted_at,state) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Name, nullable(s.Email), string(s.Profile), metadata, s.SubmittedAt, string(domain.StateUnassigned))
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return getSubmission(ctx, r.DB, id)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	return getSubmission(ctx, tx, id)
}

func getSubmission(ctx context.Context, q querier, id string) (domain.Submission, error) {
	sub, err := scanSubmission(q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return sub, ErrNotFound
	}
	return sub, err
}

type SubmissionFilters struct {
	State             domain.SubmissionState
	Profile           domain.Profile
	AssigneeID        string
	Limit             int
	CursorSubmittedAt string
	CursorID          string
}

// ListSubmissions returns submissions oldest first; the cursor resumes after
// the (submitted_at, id) pair of the last item of the previous page.
func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.Profile != "" {
		clauses = append(clauses, "profile=?")
		args = append(args, string(f.Profile))
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorSubmittedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(submitted_at > ? OR (submitted_at = ? AND id > ?))")
		args = append(args, f.CursorSubmittedAt, f.CursorSubmittedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + submissionColumns + ` FROM submissions ` + where + ` ORDER BY submitted_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sub)
	}
	return res, rows.Err()
}

// PendingSubmissions returns every unassigned submission, oldest first.
func (r Repo) PendingSubmissions(ctx context.Context) ([]domain.Submission, error) {
	return r.ListSubmissions(ctx, SubmissionFilters{State: domain.StateUnassigned})
}

// OldestPendingFor returns the oldest unassigned submission whose profile the
// reviewer is qualified for.
func (r Repo) OldestPendingFor(ctx context.Context, reviewerID string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions
WHERE state='unassigned'
  AND profile IN (SELECT profile FROM reviewer_profiles WHERE reviewer_id=?)
ORDER BY submitted_at ASC, id ASC
LIMIT 1`, reviewerID)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return sub, ErrNotFound
	}
	return sub, err
}

// ClaimSubmission moves a submission from unassigned to assigned. It reports
// false when the submission is no longer unassigned.
func (r Repo) ClaimSubmission(ctx context.Context, tx *sql.Tx, id, reviewerID, assignedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET state='assigned', assignee_id=?, assigned_at=? WHERE id=? AND state='unassigned'`,
		reviewerID, assignedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteSubmission moves a submission from assigned to completed and stores
// its feedback. It reports false when the submission is not assigned.
func (r Repo) CompleteSubmission(ctx context.Context, tx *sql.Tx, id string, feedback []string, completedAt string) (bool, error) {
	if feedback == nil {
		feedback = []string{}
	}
	payload, err := json.Marshal(feedback)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET state='completed', feedback_json=?, completed_at=? WHERE id=? AND state='assigned'`,
		string(payload), completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountSubmissionsByState(ctx context.Context) (map[domain.SubmissionState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM submissions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.SubmissionState]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[domain.SubmissionState(state)] = count
	}
	return res, rows.Err()
}

// Assignments

// ListAssignments projects every assigned or completed submission with its
// reviewer, optionally restricted to one reviewer.
func (r Repo) ListAssignments(ctx context.Context, reviewerID string) ([]domain.Assignment, error) {
	query := `SELECT s.id, s.profile, s.state, s.assignee_id, rv.name, s.assigned_at, s.completed_at, s.feedback_json
FROM submissions s
JOIN reviewers rv ON rv.id = s.assignee_id
WHERE s.assignee_id IS NOT NULL`
	var args []any
	if reviewerID != "" {
		query += " AND s.assignee_id=?"
		args = append(args, reviewerID)
	}
	query += " ORDER BY s.assigned_at ASC, s.id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var profile, state string
		var assignedAt, completedAt, feedback sql.NullString
		if err := rows.Scan(&a.SubmissionID, &profile, &state, &a.ReviewerID, &a.ReviewerName, &assignedAt, &completedAt, &feedback); err != nil {
			return nil, err
		}
		a.Profile = domain.Profile(profile)
		a.State = domain.SubmissionState(state)
		a.AssignedAt = assignedAt.String
		if completedAt.Valid {
			a.CompletedAt = &completedAt.String
		}
		if feedback.Valid {
			if err := json.Unmarshal([]byte(feedback.String), &a.Feedback); err != nil {
				return nil, err
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
