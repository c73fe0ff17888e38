package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/eligibility"
	"reviewline/internal/ledger"
	"reviewline/internal/metrics"
	"reviewline/internal/notify"
	"reviewline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   ledger.Ledger
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Ledger:   ledger.New(db),
		Notifier: notify.Nop{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SubmitOptions are parameters for intake of a new submission.
type SubmitOptions struct {
	ID       string
	Name     string
	Email    string
	Profile  string
	Metadata map[string]string
}

// SubmitNew stores a new unassigned submission stamped with the current time.
func (e Engine) SubmitNew(ctx context.Context, opts SubmitOptions) (domain.Submission, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Submission{}, errors.New("name is required")
	}
	profile, err := domain.ParseProfile(opts.Profile)
	if err != nil {
		return domain.Submission{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	sub := domain.Submission{
		ID:          id,
		Name:        name,
		Email:       strings.TrimSpace(opts.Email),
		Profile:     profile,
		Metadata:    opts.Metadata,
		SubmittedAt: repo.FormatTime(e.now()),
		State:       domain.StateUnassigned,
	}
	if err := e.Repo.InsertSubmission(ctx, sub); err != nil {
		return domain.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	e.logger().Debug("submission received", slog.String("submission_id", sub.ID), slog.String("profile", string(sub.Profile)))
	return sub, nil
}

type outcome int

const (
	outcomeAssigned outcome = iota
	outcomeReviewerFull
	outcomeSubmissionTaken
	// The reviewer's profiles changed since the candidate was picked.
	outcomeReviewerIneligible
)

// assign binds sub to reviewerID as one transaction. Three guards run against
// committed rows: the submission must still be unassigned, the reviewer must
// still be qualified for its profile, and the reviewer must have quota left.
// If any guard fails nothing is written. The written row is checked again
// before commit; a mismatch there is a consistency violation.
func (e Engine) assign(ctx context.Context, subID, reviewerID string) (domain.Submission, outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, 0, err
	}
	defer tx.Rollback()

	rv, err := e.Repo.GetReviewerTx(ctx, tx, reviewerID)
	if err != nil {
		return domain.Submission{}, 0, err
	}
	current, err := e.Repo.GetSubmissionTx(ctx, tx, subID)
	if err != nil {
		return domain.Submission{}, 0, err
	}
	if current.State != domain.StateUnassigned {
		e.Metrics.Conflict("state")
		return domain.Submission{}, outcomeSubmissionTaken, nil
	}
	if !rv.Qualified(current.Profile) {
		e.Metrics.Conflict("eligibility")
		return domain.Submission{}, outcomeReviewerIneligible, nil
	}
	claimed, err := e.Repo.ClaimSubmission(ctx, tx, subID, reviewerID, repo.FormatTime(e.now()))
	if err != nil {
		return domain.Submission{}, 0, fmt.Errorf("claim submission %s: %w", subID, err)
	}
	if !claimed {
		e.Metrics.Conflict("state")
		return domain.Submission{}, outcomeSubmissionTaken, nil
	}
	reserved, err := e.Ledger.TryReserve(ctx, tx, reviewerID)
	if err != nil {
		return domain.Submission{}, 0, err
	}
	if !reserved {
		e.Metrics.Conflict("capacity")
		return domain.Submission{}, outcomeReviewerFull, nil
	}
	sub, err := e.Repo.GetSubmissionTx(ctx, tx, subID)
	if err != nil {
		return domain.Submission{}, 0, err
	}
	if err := checkAssigned(sub, rv); err != nil {
		e.logger().Error("assignment rejected", slog.Any("error", err))
		return domain.Submission{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, 0, err
	}
	return sub, outcomeAssigned, nil
}

// checkAssigned verifies a freshly written assignment row.
func checkAssigned(sub domain.Submission, rv domain.Reviewer) error {
	if sub.State != domain.StateAssigned || sub.AssigneeID == nil || *sub.AssigneeID != rv.ID || !rv.Qualified(sub.Profile) {
		return &ConsistencyError{SubmissionID: sub.ID, ReviewerID: rv.ID, Profile: sub.Profile}
	}
	return nil
}

// selectReviewer applies the selection rule to one submission: rank the
// qualified reviewers by freshly read load, then try them in order until a
// reservation succeeds. Ranking and the roster are only hints; the guards in
// assign decide, so a reviewer that filled up or lost the profile in the
// meantime is passed over.
func (e Engine) selectReviewer(ctx context.Context, sub domain.Submission, roster []domain.Reviewer) (domain.Submission, outcome, error) {
	candidates := eligibility.Eligible(roster, sub.Profile)
	if len(candidates) == 0 {
		return sub, outcomeReviewerFull, nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	caps, err := e.Ledger.Capacities(ctx, ids)
	if err != nil {
		return sub, 0, err
	}
	loads := make(map[string]int, len(caps))
	open := candidates[:0:0]
	for _, c := range candidates {
		capacity, ok := caps[c.ID]
		if !ok || !capacity.Available() {
			continue
		}
		loads[c.ID] = capacity.Load
		open = append(open, c)
	}
	for _, id := range eligibility.Rank(open, loads) {
		out, res, err := e.assign(ctx, sub.ID, id)
		if err != nil {
			return sub, 0, err
		}
		switch res {
		case outcomeAssigned:
			return out, outcomeAssigned, nil
		case outcomeSubmissionTaken:
			return sub, outcomeSubmissionTaken, nil
		}
	}
	return sub, outcomeReviewerFull, nil
}

// NextFor hands the requesting reviewer the oldest unassigned submission it
// is qualified for. ok is false when nothing is available, including when
// the reviewer's quota is used up.
func (e Engine) NextFor(ctx context.Context, reviewerID string) (sub domain.Submission, ok bool, err error) {
	if _, err := e.Repo.GetReviewer(ctx, reviewerID); err != nil {
		return domain.Submission{}, false, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return domain.Submission{}, false, err
		}
		remaining, err := e.Ledger.Remaining(ctx, reviewerID)
		if err != nil {
			return domain.Submission{}, false, err
		}
		if remaining <= 0 {
			return domain.Submission{}, false, nil
		}
		candidate, err := e.Repo.OldestPendingFor(ctx, reviewerID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Submission{}, false, nil
		}
		if err != nil {
			return domain.Submission{}, false, err
		}
		out, res, err := e.assign(ctx, candidate.ID, reviewerID)
		if err != nil {
			return domain.Submission{}, false, err
		}
		switch res {
		case outcomeAssigned:
			e.Metrics.Assigned(metrics.PathPull)
			e.logger().Info("submission pulled",
				slog.String("submission_id", out.ID),
				slog.String("reviewer_id", reviewerID),
				slog.String("profile", string(out.Profile)))
			return out, true, nil
		case outcomeReviewerFull:
			return domain.Submission{}, false, nil
		}
		// Another caller claimed the candidate first, or the reviewer's
		// profiles changed since it was picked; look again.
	}
}

// AllocateAll pushes every pending submission to a reviewer, oldest first.
// Submissions that cannot be placed are skipped and stay unassigned. Only a
// consistency violation aborts the pass.
func (e Engine) AllocateAll(ctx context.Context) (domain.AllocationResult, error) {
	start := time.Now()
	var res domain.AllocationResult
	pending, err := e.Repo.PendingSubmissions(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot pending submissions: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}
	roster, err := e.Repo.ListReviewers(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot roster: %w", err)
	}
	for i, sub := range pending {
		if err := ctx.Err(); err != nil {
			res.Skipped += len(pending) - i
			return res, err
		}
		_, oc, err := e.selectReviewer(ctx, sub, roster)
		if err != nil {
			var cerr *ConsistencyError
			if errors.As(err, &cerr) {
				return res, err
			}
			e.logger().Warn("allocation skipped submission", slog.String("submission_id", sub.ID), slog.Any("error", err))
			res.Skipped++
			continue
		}
		if oc == outcomeAssigned {
			res.Assigned++
			e.Metrics.Assigned(metrics.PathBatch)
			continue
		}
		res.Skipped++
	}
	e.Metrics.Skipped(res.Skipped)
	e.Metrics.ObserveAllocation(time.Since(start))
	e.logger().Info("allocation finished", slog.Int("assigned", res.Assigned), slog.Int("skipped", res.Skipped))
	return res, nil
}

// CompleteOptions are parameters for recording a review outcome.
type CompleteOptions struct {
	SubmissionID string
	// ReviewerID, when set, must be the submission's assignee.
	ReviewerID string
	Feedback   []string
}

// Complete marks an assigned submission completed and stores its feedback
// verbatim. Reviewer load is left as is. The applicant notification is
// best effort and cannot fail the call.
func (e Engine) Complete(ctx context.Context, opts CompleteOptions) (domain.Submission, error) {
	feedback := opts.Feedback
	if feedback == nil {
		feedback = []string{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	sub, err := e.Repo.GetSubmissionTx(ctx, tx, opts.SubmissionID)
	if err != nil {
		return domain.Submission{}, err
	}
	if sub.State != domain.StateAssigned {
		return sub, &InvalidStateError{SubmissionID: sub.ID, State: sub.State, Want: domain.StateAssigned}
	}
	if opts.ReviewerID != "" && (sub.AssigneeID == nil || *sub.AssigneeID != opts.ReviewerID) {
		return sub, fmt.Errorf("%w: submission %s", ErrNotAssignee, sub.ID)
	}
	completedAt := repo.FormatTime(e.now())
	ok, err := e.Repo.CompleteSubmission(ctx, tx, sub.ID, feedback, completedAt)
	if err != nil {
		return domain.Submission{}, err
	}
	if !ok {
		return sub, &InvalidStateError{SubmissionID: sub.ID, State: sub.State, Want: domain.StateAssigned}
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	sub.State = domain.StateCompleted
	sub.Feedback = append([]string{}, feedback...)
	sub.CompletedAt = &completedAt
	e.Metrics.Completed()
	e.logger().Info("submission completed", slog.String("submission_id", sub.ID), slog.Int("comments", len(feedback)))
	e.notifyCompleted(ctx, sub)
	return sub, nil
}

func (e Engine) notifyCompleted(ctx context.Context, sub domain.Submission) {
	if e.Notifier == nil || sub.Email == "" {
		return
	}
	if err := e.Notifier.Notify(ctx, notify.ReviewCompleted(sub, sub.Feedback)); err != nil {
		e.Metrics.NotificationFailed()
		e.logger().Warn("completion notification not sent", slog.String("submission_id", sub.ID), slog.Any("error", err))
	}
}

// RunAllocator runs AllocateAll every interval until ctx is done. It returns
// early only on a consistency violation.
func (e Engine) RunAllocator(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("allocator interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := e.AllocateAll(ctx); err != nil {
			var cerr *ConsistencyError
			if errors.As(err, &cerr) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			e.logger().Warn("background allocation failed", slog.Any("error", err))
		}
	}
}

// Reporting

func (e Engine) Submission(ctx context.Context, id string) (domain.Submission, error) {
	return e.Repo.GetSubmission(ctx, id)
}

func (e Engine) Submissions(ctx context.Context, f repo.SubmissionFilters) ([]domain.Submission, error) {
	return e.Repo.ListSubmissions(ctx, f)
}

func (e Engine) Reviewers(ctx context.Context) ([]domain.Reviewer, error) {
	return e.Repo.ListReviewers(ctx)
}

// SetReviewer adds or updates one roster entry. The load is preserved.
func (e Engine) SetReviewer(ctx context.Context, rv domain.Reviewer) (domain.Reviewer, error) {
	if rv.Name == "" {
		rv.Name = rv.ID
	}
	if rv.Profiles == nil {
		rv.Profiles = []domain.Profile{}
	}
	out, err := e.Repo.UpsertReviewer(ctx, rv)
	if err != nil {
		return domain.Reviewer{}, err
	}
	e.logger().Info("reviewer saved", slog.String("reviewer_id", out.ID), slog.Int("quota", out.Quota), slog.Int("load", out.Load))
	return out, nil
}

func (e Engine) Assignments(ctx context.Context, reviewerID string) ([]domain.Assignment, error) {
	return e.Repo.ListAssignments(ctx, reviewerID)
}

// Coverage lists profiles no reviewer in the roster is qualified for.
func (e Engine) Coverage(ctx context.Context) ([]domain.Profile, error) {
	roster, err := e.Repo.ListReviewers(ctx)
	if err != nil {
		return nil, err
	}
	return eligibility.Uncovered(roster, domain.Profiles), nil
}

// Stats counts submissions per state. Every state is present.
func (e Engine) Stats(ctx context.Context) (map[domain.SubmissionState]int, error) {
	counts, err := e.Repo.CountSubmissionsByState(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range []domain.SubmissionState{domain.StateUnassigned, domain.StateAssigned, domain.StateCompleted} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}
