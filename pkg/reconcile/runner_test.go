package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/OtticaBianchi/gestionale-sub002/pkg/errors"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/merge"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
)

func activeClient(id string, mutate func(*models.Client)) *models.Client {
	c := &models.Client{
		ID:         id,
		GivenName:  "Maria",
		FamilyName: "Bonfà",
		Status:     models.ClientStatusActive,
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}

type fakeLister struct {
	clients []*models.Client
}

func (f *fakeLister) ListActive(_ context.Context, limit int) ([]*models.Client, error) {
	if len(f.clients) > limit {
		return f.clients[:limit], nil
	}
	return f.clients, nil
}

func (f *fakeLister) GetByIDs(_ context.Context, ids []string) ([]*models.Client, error) {
	var out []*models.Client
	for _, c := range f.clients {
		for _, id := range ids {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

type fakeMerger struct {
	calls   [][]string
	dryRuns []bool
	failIDs map[string]bool
}

func (f *fakeMerger) Execute(_ context.Context, _ *guardrail.Cache, ids []string, opts merge.ExecuteOptions) (*models.MergeResult, error) {
	f.calls = append(f.calls, ids)
	f.dryRuns = append(f.dryRuns, opts.DryRun)
	for _, id := range ids {
		if f.failIDs[id] {
			return nil, apperrors.NewConflict("blocked by external references")
		}
	}
	return &models.MergeResult{WinnerID: ids[0], MergedIDs: ids[1:], DryRun: opts.DryRun}, nil
}

type fakeMatchStore struct {
	open []*models.MatchRecord
}

func (f *fakeMatchStore) GetByID(_ context.Context, id string) (*models.MatchRecord, error) {
	for _, r := range f.open {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, apperrors.NewNotFound("match record %s not found", id)
}

func (f *fakeMatchStore) ListOpen(_ context.Context, _ int) ([]*models.MatchRecord, error) {
	return f.open, nil
}

func (f *fakeMatchStore) Update(_ context.Context, record *models.MatchRecord) (*models.MatchRecord, error) {
	return record, nil
}

func (f *fakeMatchStore) AppendNote(_ context.Context, _, _ string) error {
	return nil
}

type fakeResolver struct {
	outcomes map[string]models.MatchStatus
	strategy string
	failIDs  map[string]bool
	dryRuns  []bool
}

func (f *fakeResolver) Resolve(_ context.Context, _ *guardrail.Cache, record *models.MatchRecord, dryRun bool) (*models.MatchRecord, error) {
	f.dryRuns = append(f.dryRuns, dryRun)
	if f.failIDs[record.ID] {
		return nil, apperrors.NewConflict("merge blocked")
	}
	resolved := *record
	resolved.Status = f.outcomes[record.ID]
	resolved.Strategy = f.strategy
	return &resolved, nil
}

type fakeLocker struct {
	held     bool
	acquires int
	releases int
}

func (f *fakeLocker) Acquire(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.acquires++
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLocker) Release(_ context.Context, _ string) error {
	f.releases++
	f.held = false
	return nil
}

func newRunner(lister *fakeLister, merger *fakeMerger, store *fakeMatchStore, resolver *fakeResolver, locker *fakeLocker) *Runner {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewRunner(logger, lister, merger, store, resolver, locker)
}

func TestScanGroups(t *testing.T) {
	clients := []*models.Client{
		activeClient("a", func(c *models.Client) { c.Email = "maria@example.it" }),
		activeClient("b", func(c *models.Client) { c.Email = "MARIA@example.it " }),
		activeClient("c", func(c *models.Client) { c.GivenName = "Luca"; c.FamilyName = "Rossi"; c.Phone = "+39 333-111" }),
		activeClient("d", func(c *models.Client) { c.GivenName = "Luca"; c.FamilyName = "Rossi"; c.Phone = "39 333 111" }),
		activeClient("e", func(c *models.Client) { c.GivenName = "Giulia"; c.FamilyName = "Verdi" }),
	}

	groups := ScanGroups(clients)
	require.Len(t, groups, 2)

	// buckets with the same membership collapse, reasons unioned
	assert.Equal(t, []string{"a", "b"}, groups[0].ClientIDs)
	assert.Contains(t, groups[0].Reasons, models.ReasonContactMatch)
	assert.Contains(t, groups[0].Reasons, models.ReasonNameMatch)
	assert.Equal(t, []string{"c", "d"}, groups[1].ClientIDs)
	assert.Contains(t, groups[1].Reasons, models.ReasonContactMatch)
	assert.Contains(t, groups[1].Reasons, models.ReasonNameMatch)
}

func TestScanGroupsTagsEmptyShells(t *testing.T) {
	clients := []*models.Client{
		activeClient("a", func(c *models.Client) { c.Email = "maria@example.it" }),
		activeClient("b", nil), // bare shell, same name
	}

	groups := ScanGroups(clients)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0].ClientIDs)
	assert.Contains(t, groups[0].Reasons, models.ReasonEmptyRecord)
}

func TestRunMergesEquivalentGroups(t *testing.T) {
	lister := &fakeLister{clients: []*models.Client{
		activeClient("a", func(c *models.Client) { c.Email = "maria@example.it" }),
		activeClient("b", func(c *models.Client) { c.Email = "maria@example.it" }),
		// same name but conflicting emails: scanned, never merged
		activeClient("c", func(c *models.Client) { c.GivenName = "Luca"; c.FamilyName = "Rossi"; c.Email = "luca@example.it" }),
		activeClient("d", func(c *models.Client) { c.GivenName = "Luca"; c.FamilyName = "Rossi"; c.Email = "l.rossi@example.it" }),
	}}
	merger := &fakeMerger{}
	locker := &fakeLocker{}
	runner := newRunner(lister, merger, &fakeMatchStore{}, &fakeResolver{}, locker)

	summary, err := runner.Run(context.Background(), RunOptions{Apply: true, Actor: "batch"})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Scanned)
	assert.Equal(t, 1, summary.GroupsMerged)
	assert.Equal(t, 1, summary.GroupsSkipped)
	assert.Equal(t, 1, summary.ClientsMerged)
	assert.False(t, summary.DryRun)

	require.Len(t, merger.calls, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, merger.calls[0])
	assert.False(t, merger.dryRuns[0])

	assert.Equal(t, 1, locker.acquires)
	assert.Equal(t, 1, locker.releases)
}

func TestRunDryRunByDefault(t *testing.T) {
	lister := &fakeLister{clients: []*models.Client{
		activeClient("a", func(c *models.Client) { c.Email = "maria@example.it" }),
		activeClient("b", func(c *models.Client) { c.Email = "maria@example.it" }),
	}}
	merger := &fakeMerger{}
	store := &fakeMatchStore{open: []*models.MatchRecord{{ID: "m1", Status: models.MatchStatusNeedsReview}}}
	resolver := &fakeResolver{
		outcomes: map[string]models.MatchStatus{"m1": models.MatchStatusAutoResolved},
		strategy: models.StrategySingleActiveCandidate,
	}
	runner := newRunner(lister, merger, store, resolver, &fakeLocker{})

	summary, err := runner.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.GroupsMerged)
	require.Len(t, merger.dryRuns, 1)
	assert.True(t, merger.dryRuns[0])
	// open matches are decided and counted, with the writes suppressed
	assert.Equal(t, 1, summary.MatchesOpen)
	assert.Equal(t, 1, summary.ResolvedBy[models.StrategySingleActiveCandidate])
	require.Len(t, resolver.dryRuns, 1)
	assert.True(t, resolver.dryRuns[0])
}

func TestRunDryRunCountsOverlappingGroupsOnce(t *testing.T) {
	// a,b share an email and b,c share a phone, so b sits in two groups
	newLister := func() *fakeLister {
		return &fakeLister{clients: []*models.Client{
			activeClient("a", func(c *models.Client) { c.Email = "maria@example.it" }),
			activeClient("b", func(c *models.Client) { c.Email = "maria@example.it"; c.Phone = "+39 333 111" }),
			activeClient("c", func(c *models.Client) { c.Phone = "+39 333 111" }),
		}}
	}

	dry, err := newRunner(newLister(), &fakeMerger{}, &fakeMatchStore{}, &fakeResolver{}, &fakeLocker{}).
		Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	applied, err := newRunner(newLister(), &fakeMerger{}, &fakeMatchStore{}, &fakeResolver{}, &fakeLocker{}).
		Run(context.Background(), RunOptions{Apply: true})
	require.NoError(t, err)

	// a client absorbed by an earlier group is never counted again by a
	// later overlapping group, so the preview matches what apply would do
	assert.Equal(t, 2, dry.GroupsMerged)
	assert.Equal(t, 2, dry.ClientsMerged)
	assert.Equal(t, 1, dry.GroupsSkipped)
	assert.Equal(t, applied.GroupsMerged, dry.GroupsMerged)
	assert.Equal(t, applied.ClientsMerged, dry.ClientsMerged)
	assert.Equal(t, applied.GroupsSkipped, dry.GroupsSkipped)
}

func TestRunContinuesPastFailedGroups(t *testing.T) {
	lister := &fakeLister{clients: []*models.Client{
		activeClient("a", func(c *models.Client) { c.Email = "maria@example.it" }),
		activeClient("b", func(c *models.Client) { c.Email = "maria@example.it" }),
		activeClient("c", func(c *models.Client) { c.GivenName = "Luca"; c.FamilyName = "Rossi"; c.Email = "luca@example.it" }),
		activeClient("d", func(c *models.Client) { c.GivenName = "Luca"; c.FamilyName = "Rossi"; c.Email = "luca@example.it" }),
	}}
	merger := &fakeMerger{failIDs: map[string]bool{"a": true}}
	runner := newRunner(lister, merger, &fakeMatchStore{}, &fakeResolver{}, &fakeLocker{})

	summary, err := runner.Run(context.Background(), RunOptions{Apply: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.GroupsFailed)
	assert.Equal(t, 1, summary.GroupsMerged)
	assert.Len(t, merger.calls, 2)
}

func TestRunResolvesOpenMatches(t *testing.T) {
	store := &fakeMatchStore{open: []*models.MatchRecord{
		{ID: "m1", Status: models.MatchStatusNeedsReview},
		{ID: "m2", Status: models.MatchStatusNeedsReview},
		{ID: "m3", Status: models.MatchStatusNeedsReview},
		{ID: "m4", Status: models.MatchStatusNeedsReview},
	}}
	resolver := &fakeResolver{
		outcomes: map[string]models.MatchStatus{
			"m1": models.MatchStatusAutoResolved,
			"m2": models.MatchStatusRejected,
			"m3": models.MatchStatusNeedsReview,
		},
		strategy: models.StrategySingleActiveCandidate,
		failIDs:  map[string]bool{"m4": true},
	}
	runner := newRunner(&fakeLister{}, &fakeMerger{}, store, resolver, &fakeLocker{})

	summary, err := runner.Run(context.Background(), RunOptions{Apply: true})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.MatchesOpen)
	assert.Equal(t, 1, summary.ResolvedBy[models.StrategySingleActiveCandidate])
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.LeftForReview)
	assert.Equal(t, 1, summary.MatchesFailed)
}

func TestRunRefusedWhileAnotherRunHoldsTheLock(t *testing.T) {
	locker := &fakeLocker{held: true}
	runner := newRunner(&fakeLister{}, &fakeMerger{}, &fakeMatchStore{}, &fakeResolver{}, locker)

	_, err := runner.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Equal(t, 0, locker.releases)
}
