package guardrail

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalogue struct {
	refs  []TableRef
	err   error
	calls int
}

func (f *fakeCatalogue) ClientRefTables(_ context.Context) ([]TableRef, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.refs, nil
}

type fakeCounter struct {
	counts map[string]int
	errs   map[string]error
	calls  int
}

func (f *fakeCounter) CountRefs(_ context.Context, ref TableRef, _ string) (int, error) {
	f.calls++
	if err, ok := f.errs[ref.Table]; ok {
		return 0, err
	}
	return f.counts[ref.Table], nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestChecker(cat *fakeCatalogue, counter *fakeCounter) *Checker {
	fallback := NewStaticCatalogue([]TableRef{
		{Table: "orders", Column: "client_id"},
		{Table: "legacy_repairs", Column: "client_id"},
	})
	return NewChecker(testLogger(), cat, fallback, counter, []string{"orders", "error_reports", "voice_notes"})
}

func TestCheckAllowsWhenExternalsAreClean(t *testing.T) {
	cat := &fakeCatalogue{refs: []TableRef{
		{Table: "orders", Column: "client_id"},
		{Table: "legacy_repairs", Column: "client_id"},
	}}
	counter := &fakeCounter{counts: map[string]int{}}

	report, err := newTestChecker(cat, counter).Check(context.Background(), NewCache(), "loser-1")
	require.NoError(t, err)
	assert.True(t, report.Allowed)
	assert.False(t, report.Degraded)
	assert.Empty(t, report.Conflicts)
	// covered tables are never counted
	assert.Equal(t, 1, counter.calls)
}

func TestCheckBlocksOnAnyExternalReference(t *testing.T) {
	cat := &fakeCatalogue{refs: []TableRef{
		{Table: "legacy_repairs", Column: "client_id"},
		{Table: "warranty_claims", Column: "client_id"},
	}}
	counter := &fakeCounter{counts: map[string]int{"warranty_claims": 2}}

	report, err := newTestChecker(cat, counter).Check(context.Background(), NewCache(), "loser-1")
	require.NoError(t, err)
	assert.False(t, report.Allowed)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "warranty_claims", report.Conflicts[0].Table)
	assert.Equal(t, 2, report.Conflicts[0].Count)
}

func TestCheckTreatsMissingTableAsZero(t *testing.T) {
	cat := &fakeCatalogue{refs: []TableRef{{Table: "legacy_repairs", Column: "client_id"}}}
	counter := &fakeCounter{errs: map[string]error{"legacy_repairs": ErrTableMissing}}

	report, err := newTestChecker(cat, counter).Check(context.Background(), NewCache(), "loser-1")
	require.NoError(t, err)
	assert.True(t, report.Allowed)
	assert.Empty(t, report.Conflicts)
}

func TestCheckBlocksOnCountError(t *testing.T) {
	cat := &fakeCatalogue{refs: []TableRef{{Table: "legacy_repairs", Column: "client_id"}}}
	counter := &fakeCounter{errs: map[string]error{"legacy_repairs": errors.New("connection reset")}}

	report, err := newTestChecker(cat, counter).Check(context.Background(), NewCache(), "loser-1")
	require.NoError(t, err)
	assert.False(t, report.Allowed)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "connection reset", report.Conflicts[0].Error)
}

func TestCheckFallsBackWhenCatalogueUnavailable(t *testing.T) {
	cat := &fakeCatalogue{err: errors.New("catalogue query failed")}
	counter := &fakeCounter{counts: map[string]int{"legacy_repairs": 1}}

	report, err := newTestChecker(cat, counter).Check(context.Background(), NewCache(), "loser-1")
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	// the static list is still checked, never assumed clean
	assert.False(t, report.Allowed)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "legacy_repairs", report.Conflicts[0].Table)
}

func TestCheckCachesPerLoser(t *testing.T) {
	cat := &fakeCatalogue{refs: []TableRef{{Table: "legacy_repairs", Column: "client_id"}}}
	counter := &fakeCounter{counts: map[string]int{}}
	checker := newTestChecker(cat, counter)
	cache := NewCache()

	ctx := context.Background()
	first, err := checker.Check(ctx, cache, "loser-1")
	require.NoError(t, err)
	second, err := checker.Check(ctx, cache, "loser-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, counter.calls)

	// a fresh cache re-scans
	_, err = checker.Check(ctx, NewCache(), "loser-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counter.calls)
}
