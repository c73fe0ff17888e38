package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func insert(t *testing.T, r repo.Repo, id string, p domain.Profile, at time.Time) {
	t.Helper()
	require.NoError(t, r.InsertSubmission(context.Background(), domain.Submission{
		ID: id, Name: "n-" + id, Profile: p, SubmittedAt: repo.FormatTime(at),
	}))
}

func claim(t *testing.T, r repo.Repo, id, reviewerID string) bool {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	ok, err := r.ClaimSubmission(ctx, tx, id, reviewerID, repo.FormatTime(time.Now()))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return ok
}

func TestUpsertReviewer(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	rv, err := r.UpsertReviewer(ctx, domain.Reviewer{ID: "r1", Name: "Rita", Email: "rita@example.com", Quota: 2,
		Profiles: []domain.Profile{domain.ProfileFrontend, domain.ProfileBackend}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Profile{domain.ProfileBackend, domain.ProfileFrontend}, rv.Profiles)
	assert.Zero(t, rv.Load)
	assert.NotEmpty(t, rv.CreatedAt)

	_, err = r.DB.ExecContext(ctx, `UPDATE reviewers SET load=2 WHERE id='r1'`)
	require.NoError(t, err)

	_, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "r1", Name: "Rita", Quota: 1, Profiles: []domain.Profile{}})
	require.ErrorIs(t, err, repo.ErrQuotaBelowLoad)

	rv, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "r1", Name: "Rita B", Quota: 4, Profiles: []domain.Profile{domain.ProfileMobile}})
	require.NoError(t, err)
	assert.Equal(t, 2, rv.Load)
	assert.Equal(t, 4, rv.Quota)
	assert.Equal(t, "Rita B", rv.Name)
	assert.Equal(t, []domain.Profile{domain.ProfileMobile}, rv.Profiles)

	_, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "", Quota: 1})
	require.Error(t, err)
	_, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "r2", Quota: -1})
	require.Error(t, err)

	_, err = r.GetReviewer(ctx, "nobody")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListReviewersAttachesProfiles(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.UpsertReviewer(ctx, domain.Reviewer{ID: "b", Name: "b", Quota: 1, Profiles: []domain.Profile{domain.ProfileData}})
	require.NoError(t, err)
	_, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "a", Name: "a", Quota: 1, Profiles: []domain.Profile{}})
	require.NoError(t, err)

	items, err := r.ListReviewers(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Empty(t, items[0].Profiles)
	assert.NotNil(t, items[0].Profiles)
	assert.Equal(t, []domain.Profile{domain.ProfileData}, items[1].Profiles)
}

func TestSubmissionRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertSubmission(ctx, domain.Submission{
		ID: "s1", Name: "Ada", Email: "ada@example.com", Profile: domain.ProfileBackend,
		Metadata: map[string]string{"source": "careers"}, SubmittedAt: repo.FormatTime(time.Now()),
		State: domain.StateCompleted,
	}))
	sub, err := r.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnassigned, sub.State)
	assert.Equal(t, "careers", sub.Metadata["source"])
	assert.Nil(t, sub.AssigneeID)
	assert.Nil(t, sub.Feedback)

	_, err = r.GetSubmission(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListSubmissionsOrderAndCursor(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	insert(t, r, "c", domain.ProfileBackend, base)
	insert(t, r, "a", domain.ProfileBackend, base)
	insert(t, r, "b", domain.ProfileFrontend, base.Add(-time.Minute))

	items, err := r.ListSubmissions(ctx, repo.SubmissionFilters{})
	require.NoError(t, err)
	ids := []string{}
	for _, s := range items {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)

	page, err := r.ListSubmissions(ctx, repo.SubmissionFilters{CursorSubmittedAt: items[1].SubmittedAt, CursorID: items[1].ID})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)

	backend, err := r.ListSubmissions(ctx, repo.SubmissionFilters{Profile: domain.ProfileBackend, Limit: 1})
	require.NoError(t, err)
	require.Len(t, backend, 1)
	assert.Equal(t, "a", backend[0].ID)
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	early := repo.FormatTime(time.Date(2024, 1, 1, 0, 0, 9, 5, time.UTC))
	late := repo.FormatTime(time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC))
	assert.Less(t, early, late)
	assert.Len(t, early, len(late))
}

func TestOldestPendingForAndClaim(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.UpsertReviewer(ctx, domain.Reviewer{ID: "r1", Name: "r1", Quota: 5, Profiles: []domain.Profile{domain.ProfileFrontend}})
	require.NoError(t, err)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	insert(t, r, "be", domain.ProfileBackend, base)
	insert(t, r, "fe1", domain.ProfileFrontend, base.Add(time.Second))
	insert(t, r, "fe2", domain.ProfileFrontend, base.Add(2*time.Second))

	sub, err := r.OldestPendingFor(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "fe1", sub.ID)

	assert.True(t, claim(t, r, "fe1", "r1"))
	assert.False(t, claim(t, r, "fe1", "r1"))

	sub, err = r.OldestPendingFor(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "fe2", sub.ID)

	_, err = r.OldestPendingFor(ctx, "ghost")
	require.ErrorIs(t, err, repo.ErrNotFound)

	assignments, err := r.ListAssignments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "fe1", assignments[0].SubmissionID)
	assert.Equal(t, domain.StateAssigned, assignments[0].State)
}

func TestCompleteSubmissionGuardsState(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.UpsertReviewer(ctx, domain.Reviewer{ID: "r1", Name: "r1", Quota: 5, Profiles: []domain.Profile{domain.ProfileData}})
	require.NoError(t, err)
	insert(t, r, "s1", domain.ProfileData, time.Now())

	complete := func() bool {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		ok, err := r.CompleteSubmission(ctx, tx, "s1", nil, repo.FormatTime(time.Now()))
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return ok
	}
	assert.False(t, complete())
	require.True(t, claim(t, r, "s1", "r1"))
	assert.True(t, complete())
	assert.False(t, complete())

	sub, err := r.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, sub.State)
	assert.Equal(t, []string{}, sub.Feedback)

	counts, err := r.CountSubmissionsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.SubmissionState]int{domain.StateCompleted: 1}, counts)
}

func TestUpsertReviewerRefusesDroppingHeldProfile(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.UpsertReviewer(ctx, domain.Reviewer{ID: "w1", Name: "w1", Quota: 5, Profiles: []domain.Profile{domain.ProfileBackend, domain.ProfileData}})
	require.NoError(t, err)
	insert(t, r, "s1", domain.ProfileBackend, time.Now())
	require.True(t, claim(t, r, "s1", "w1"))

	_, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "w1", Name: "w1", Quota: 5, Profiles: []domain.Profile{domain.ProfileFrontend}})
	require.ErrorIs(t, err, repo.ErrProfileInUse)
	rv, err := r.GetReviewer(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Profile{domain.ProfileBackend, domain.ProfileData}, rv.Profiles)

	rv, err = r.UpsertReviewer(ctx, domain.Reviewer{ID: "w1", Name: "w1", Quota: 5, Profiles: []domain.Profile{domain.ProfileBackend}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Profile{domain.ProfileBackend}, rv.Profiles)
}

func TestSchemaRejectsAssignedWithoutAssignee(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insert(t, r, "s1", domain.ProfileData, time.Now())
	_, err := r.DB.ExecContext(ctx, `UPDATE submissions SET state='assigned' WHERE id='s1'`)
	require.Error(t, err, "check constraint must hold")
}
