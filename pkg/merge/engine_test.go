package merge

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/OtticaBianchi/gestionale-sub002/pkg/errors"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
)

type fakeClientStore struct {
	clients map[string]*models.Client
	patches []models.ClientPatch
	merged  []string
	// ids MarkMerged should report as already retired
	raceIDs map[string]bool
}

func (f *fakeClientStore) GetByIDs(_ context.Context, ids []string) ([]*models.Client, error) {
	var out []*models.Client
	for _, id := range ids {
		if c, ok := f.clients[id]; ok {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeClientStore) ApplyPatch(_ context.Context, id string, patch models.ClientPatch) (*models.Client, error) {
	f.patches = append(f.patches, patch)
	c := f.clients[id]
	if patch.Email != nil {
		c.Email = *patch.Email
	}
	if patch.Phone != nil {
		c.Phone = *patch.Phone
	}
	if patch.BirthDate != nil {
		c.BirthDate = *patch.BirthDate
	}
	if patch.Notes != nil {
		c.Notes = *patch.Notes
	}
	if patch.FamilyName != nil {
		c.FamilyName = *patch.FamilyName
	}
	return c, nil
}

func (f *fakeClientStore) MarkMerged(_ context.Context, loserID, winnerID, _ string) (bool, error) {
	if f.raceIDs[loserID] {
		return false, nil
	}
	c := f.clients[loserID]
	if !c.IsActive() {
		return false, nil
	}
	now := time.Now()
	c.Status = models.ClientStatusMerged
	c.MergedInto = &winnerID
	c.DeletedAt = &now
	f.merged = append(f.merged, loserID)
	return true, nil
}

type fakeDependents struct {
	counts map[string]int
}

func (f *fakeDependents) CountActiveDependents(_ context.Context, id string) (int, error) {
	return f.counts[id], nil
}

type fakeRepointer struct {
	moves map[string]int
	calls []string
}

func (f *fakeRepointer) RepointAll(_ context.Context, fromID, _ string) (int, error) {
	f.calls = append(f.calls, fromID)
	return f.moves[fromID], nil
}

type fakeGuard struct {
	blocked  map[string]bool
	degraded bool
}

func (f *fakeGuard) Check(_ context.Context, _ *guardrail.Cache, loserID string) (*guardrail.Report, error) {
	report := &guardrail.Report{LoserID: loserID, Allowed: true, Degraded: f.degraded}
	if f.blocked[loserID] {
		report.Allowed = false
		report.Conflicts = []guardrail.Conflict{{Table: "legacy_repairs", Column: "client_id", Count: 1}}
	}
	return report, nil
}

type fakeAuditor struct {
	entries []*models.AuditEntry
}

func (f *fakeAuditor) Record(_ context.Context, entry *models.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeEvents struct {
	winnerID  string
	mergedIDs []string
}

func (f *fakeEvents) ClientMerged(_ context.Context, winnerID string, mergedIDs []string, _ string) {
	f.winnerID = winnerID
	f.mergedIDs = mergedIDs
}

type fixture struct {
	engine    *Engine
	store     *fakeClientStore
	repointer *fakeRepointer
	guard     *fakeGuard
	auditor   *fakeAuditor
	events    *fakeEvents
	deps      *fakeDependents
}

func newFixture(clients ...*models.Client) *fixture {
	store := &fakeClientStore{clients: map[string]*models.Client{}, raceIDs: map[string]bool{}}
	for _, c := range clients {
		store.clients[c.ID] = c
	}
	deps := &fakeDependents{counts: map[string]int{}}
	repointer := &fakeRepointer{moves: map[string]int{}}
	guard := &fakeGuard{blocked: map[string]bool{}}
	auditor := &fakeAuditor{}
	events := &fakeEvents{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return &fixture{
		engine:    NewEngine(logger, store, deps, repointer, guard, auditor, events),
		store:     store,
		repointer: repointer,
		guard:     guard,
		auditor:   auditor,
		events:    events,
		deps:      deps,
	}
}

func duplicate(id string, mutate func(*models.Client)) *models.Client {
	c := &models.Client{
		ID:         id,
		GivenName:  "Maria",
		FamilyName: "Bonfa'",
		Email:      "maria@example.it",
		Status:     models.ClientStatusActive,
		CreatedAt:  time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}

func TestProposePicksWinnerAndPatch(t *testing.T) {
	f := newFixture(
		duplicate("a", func(c *models.Client) { c.Phone = "+39 333 111" }),
		duplicate("b", nil),
	)
	f.deps.counts = map[string]int{"a": 0, "b": 2}

	plan, err := f.engine.Propose(context.Background(), guardrail.NewCache(), []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, "b", plan.WinnerID)
	assert.Equal(t, []string{"a"}, plan.LoserIDs)
	assert.False(t, plan.Blocked())
	// loser's phone backfills the empty winner field
	require.NotNil(t, plan.Patch.Phone)
	assert.Equal(t, "+39 333 111", *plan.Patch.Phone)
	// ASCII-typed surname is repaired
	require.NotNil(t, plan.Patch.FamilyName)
	assert.Equal(t, "Bonfà", *plan.Patch.FamilyName)
}

func TestProposeNeverOverwritesPopulatedWinnerFields(t *testing.T) {
	f := newFixture(
		duplicate("a", func(c *models.Client) { c.Phone = "+39 333 111"; c.Notes = "vecchia scheda" }),
		duplicate("b", func(c *models.Client) { c.Phone = "+39 333 111"; c.Notes = "vecchia scheda" }),
	)
	f.deps.counts = map[string]int{"b": 1}

	plan, err := f.engine.Propose(context.Background(), guardrail.NewCache(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", plan.WinnerID)
	assert.Nil(t, plan.Patch.Phone)
	assert.Nil(t, plan.Patch.Notes)
}

func TestProposeFlagsNonEquivalentGroup(t *testing.T) {
	f := newFixture(
		duplicate("a", func(c *models.Client) { c.Phone = "+39 333 111" }),
		duplicate("b", func(c *models.Client) { c.Phone = "+39 333 222" }),
	)

	plan, err := f.engine.Propose(context.Background(), guardrail.NewCache(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, ConflictNotEquivalent, plan.Conflicts[0].Code)
	assert.False(t, plan.Conflicts[0].Hard)
	assert.False(t, plan.HardBlocked())
}

func TestProposeUnknownIDFails(t *testing.T) {
	f := newFixture(duplicate("a", nil))
	_, err := f.engine.Propose(context.Background(), guardrail.NewCache(), []string{"a", "ghost"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestExecuteMergesInOrder(t *testing.T) {
	f := newFixture(
		duplicate("a", func(c *models.Client) { c.Phone = "+39 333 111" }),
		duplicate("b", nil),
		duplicate("c", nil),
	)
	f.deps.counts = map[string]int{"b": 2}
	f.repointer.moves = map[string]int{"a": 3, "c": 1}

	result, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b", "c"}, ExecuteOptions{Actor: "admin@otticabianchi.it"})
	require.NoError(t, err)

	assert.Equal(t, "b", result.WinnerID)
	assert.ElementsMatch(t, []string{"a", "c"}, result.MergedIDs)
	assert.Equal(t, 4, result.Repointed)
	assert.True(t, result.Patched)
	assert.False(t, result.DryRun)

	// patch applied once, re-point before soft delete
	require.Len(t, f.store.patches, 1)
	assert.Equal(t, f.repointer.calls, f.store.merged)

	// winner took the backfill, losers are retired and point at the winner
	assert.Equal(t, "+39 333 111", f.store.clients["b"].Phone)
	for _, id := range []string{"a", "c"} {
		c := f.store.clients[id]
		assert.Equal(t, models.ClientStatusMerged, c.Status)
		require.NotNil(t, c.MergedInto)
		assert.Equal(t, "b", *c.MergedInto)
	}

	// audit: one backfill entry plus one per loser
	assert.Len(t, f.auditor.entries, 3)
	assert.Equal(t, "backfill", f.auditor.entries[0].Action)

	assert.Equal(t, "b", f.events.winnerID)
	assert.ElementsMatch(t, []string{"a", "c"}, f.events.mergedIDs)
}

func TestExecuteDryRunWritesNothing(t *testing.T) {
	f := newFixture(
		duplicate("a", func(c *models.Client) { c.Phone = "+39 333 111" }),
		duplicate("b", nil),
	)
	f.deps.counts = map[string]int{"b": 1}

	result, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, []string{"a"}, result.MergedIDs)
	assert.True(t, result.Patched)

	assert.Empty(t, f.store.patches)
	assert.Empty(t, f.store.merged)
	assert.Empty(t, f.repointer.calls)
	assert.Empty(t, f.auditor.entries)
	assert.Equal(t, models.ClientStatusActive, f.store.clients["a"].Status)
}

func TestExecuteBlockedWithoutForce(t *testing.T) {
	f := newFixture(
		duplicate("a", func(c *models.Client) { c.Phone = "+39 333 111" }),
		duplicate("b", func(c *models.Client) { c.Phone = "+39 333 222" }),
	)
	f.deps.counts = map[string]int{"b": 1}

	_, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Empty(t, f.store.merged)

	// force overrides the soft equivalence conflict
	result, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.MergedIDs)
}

func TestExecuteNeverForcesGuardrailBlocks(t *testing.T) {
	f := newFixture(
		duplicate("a", nil),
		duplicate("b", nil),
	)
	f.deps.counts = map[string]int{"b": 1}
	f.guard.blocked = map[string]bool{"a": true}

	_, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{Force: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Empty(t, f.store.merged)
	assert.Empty(t, f.repointer.calls)
}

func TestExecuteSkipsLoserAlreadyMergedIntoWinner(t *testing.T) {
	winnerID := "b"
	f := newFixture(
		duplicate("a", func(c *models.Client) {
			now := time.Now()
			c.Status = models.ClientStatusMerged
			c.MergedInto = &winnerID
			c.DeletedAt = &now
		}),
		duplicate("b", nil),
		duplicate("c", nil),
	)
	f.deps.counts = map[string]int{"b": 1}

	result, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b", "c"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", result.WinnerID)
	assert.Equal(t, []string{"a"}, result.SkippedIDs)
	assert.Equal(t, []string{"c"}, result.MergedIDs)
}

func TestExecuteRerunAfterCompletedMergeIsNoOp(t *testing.T) {
	f := newFixture(
		duplicate("a", nil),
		duplicate("b", nil),
	)
	f.deps.counts = map[string]int{"b": 1}

	first, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, first.MergedIDs)

	// replaying the same candidate ids finds only the winner still active
	second, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", second.WinnerID)
	assert.Empty(t, second.MergedIDs)
	assert.Equal(t, []string{"a"}, second.SkippedIDs)

	// nothing is retired or re-pointed twice
	assert.Equal(t, []string{"a"}, f.store.merged)
	assert.Equal(t, []string{"a"}, f.repointer.calls)
}

func TestExecuteRejectsLoserMergedElsewhere(t *testing.T) {
	other := "z"
	f := newFixture(
		duplicate("a", func(c *models.Client) {
			now := time.Now()
			c.Status = models.ClientStatusMerged
			c.MergedInto = &other
			c.DeletedAt = &now
		}),
		duplicate("b", nil),
	)

	_, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{Force: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestExecuteDetectsConcurrentRetirement(t *testing.T) {
	f := newFixture(
		duplicate("a", nil),
		duplicate("b", nil),
	)
	f.deps.counts = map[string]int{"b": 1}
	f.store.raceIDs = map[string]bool{"a": true}

	_, err := f.engine.Execute(context.Background(), guardrail.NewCache(), []string{"a", "b"}, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}
