package eligibility

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"reviewline/internal/domain"
)

func roster() []domain.Reviewer {
	return []domain.Reviewer{
		{ID: "carol", Profiles: []domain.Profile{domain.ProfileBackend, domain.ProfileData}, Quota: 5, Load: 2},
		{ID: "alice", Profiles: []domain.Profile{domain.ProfileBackend}, Quota: 5, Load: 1},
		{ID: "bob", Profiles: []domain.Profile{domain.ProfileFrontend}, Quota: 5},
	}
}

func TestEligible(t *testing.T) {
	got := Eligible(roster(), domain.ProfileBackend)
	ids := []string{}
	for _, rv := range got {
		ids = append(ids, rv.ID)
	}
	assert.Equal(t, []string{"carol", "alice"}, ids)
	assert.Empty(t, Eligible(roster(), domain.ProfileMobile))
}

func TestRank(t *testing.T) {
	cases := []struct {
		name  string
		loads map[string]int
		want  []string
	}{
		{name: "snapshot loads", loads: nil, want: []string{"bob", "alice", "carol"}},
		{name: "fresh loads override", loads: map[string]int{"bob": 4, "alice": 3, "carol": 0}, want: []string{"carol", "alice", "bob"}},
		{name: "ties break on id", loads: map[string]int{"bob": 1, "alice": 1, "carol": 1}, want: []string{"alice", "bob", "carol"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Rank(roster(), tc.loads))
		})
	}
	assert.Empty(t, Rank(nil, nil))
}

func TestUncovered(t *testing.T) {
	got := Uncovered(roster(), domain.Profiles)
	assert.Equal(t, []domain.Profile{domain.ProfileFullstack, domain.ProfileMobile, domain.ProfileDevOps}, got)
	assert.NotNil(t, Uncovered(roster(), nil))
}
