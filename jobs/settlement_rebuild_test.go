package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/siteledger/siteledger/internal/jobs"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/settlement"
)

type fakeSettlement struct {
	mu         sync.Mutex
	scopes     []settlement.Scope
	results    map[string]settlement.RebuildResult
	errs       map[string]error
	violations map[string][]settlement.Violation
	rebuilt    []string
}

func (f *fakeSettlement) Rebuild(_ context.Context, scope settlement.Scope) (settlement.RebuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilt = append(f.rebuilt, scope.Key())
	if err := f.errs[scope.Key()]; err != nil {
		return settlement.RebuildResult{}, err
	}
	result := f.results[scope.Key()]
	result.Scope = scope
	return result, nil
}

func (f *fakeSettlement) Scopes(_ context.Context, groupID int64) ([]settlement.Scope, error) {
	var out []settlement.Scope
	for _, s := range f.scopes {
		if groupID == 0 || s.GroupID == groupID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSettlement) FindViolations(_ context.Context, scope settlement.Scope) ([]settlement.Violation, error) {
	return f.violations[scope.Key()], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rebuildTask(t *testing.T, payload SettlementRebuildPayload) *asynq.Task {
	t.Helper()
	task, err := NewSettlementRebuildTask(payload)
	require.NoError(t, err)
	return task
}

func TestSettlementRebuildSingleScope(t *testing.T) {
	svc := &fakeSettlement{}
	job := NewSettlementRebuildJob(svc, discardLogger(), nil, 2)

	site := int64(7)
	err := job.Handle(context.Background(), rebuildTask(t, SettlementRebuildPayload{GroupID: 1, SiteID: &site}))
	require.NoError(t, err)
	require.Equal(t, []string{"1:7"}, svc.rebuilt)
}

func TestSettlementRebuildConflictSkipsRetry(t *testing.T) {
	svc := &fakeSettlement{errs: map[string]error{"1:7": lock.ErrConcurrencyConflict}}
	job := NewSettlementRebuildJob(svc, discardLogger(), nil, 2)

	site := int64(7)
	err := job.Handle(context.Background(), rebuildTask(t, SettlementRebuildPayload{GroupID: 1, SiteID: &site}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSettlementRebuildBadPayload(t *testing.T) {
	job := NewSettlementRebuildJob(&fakeSettlement{}, discardLogger(), nil, 2)
	err := job.Handle(context.Background(), asynq.NewTask(TaskSettlementRebuild, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSettlementRebuildFanOut(t *testing.T) {
	svc := &fakeSettlement{
		scopes: []settlement.Scope{
			{GroupID: 1}, {GroupID: 1, SiteID: 10}, {GroupID: 1, SiteID: 11}, {GroupID: 2, SiteID: 20},
		},
		results: map[string]settlement.RebuildResult{
			"1:10": {Changed: 1},
			"1:11": {Violations: []settlement.Violation{{}}},
		},
		errs: map[string]error{"1:0": lock.ErrConcurrencyConflict},
	}
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := NewSettlementRebuildJob(svc, discardLogger(), metrics, 2)

	summary, err := job.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Scopes)
	require.Equal(t, 1, summary.Changed)
	require.Equal(t, 1, summary.Conflicts)
	require.Equal(t, 1, summary.Findings)
	require.Equal(t, 1, summary.Violations)
	require.ElementsMatch(t, []string{"1:0", "1:10", "1:11"}, svc.rebuilt)

	count, err := testutil.GatherAndCount(reg, "siteledger_reconciliation_findings_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSettlementRebuildGroupScopesRunLast(t *testing.T) {
	svc := &fakeSettlement{
		scopes: []settlement.Scope{
			{GroupID: 1}, {GroupID: 1, SiteID: 10}, {GroupID: 2}, {GroupID: 2, SiteID: 20}, {GroupID: 1, SiteID: 11},
		},
	}
	job := NewSettlementRebuildJob(svc, discardLogger(), nil, 3)

	summary, err := job.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 5, summary.Scopes)
	require.Len(t, svc.rebuilt, 5)
	require.ElementsMatch(t, []string{"1:10", "1:11", "2:20"}, svc.rebuilt[:3])
	require.ElementsMatch(t, []string{"1:0", "2:0"}, svc.rebuilt[3:])
}

func TestSettlementRebuildFanOutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	svc := &fakeSettlement{
		scopes: []settlement.Scope{{GroupID: 1, SiteID: 10}, {GroupID: 1, SiteID: 11}},
		errs:   map[string]error{"1:11": boom},
	}
	job := NewSettlementRebuildJob(svc, discardLogger(), nil, 1)

	summary, err := job.Run(context.Background(), 1)
	require.ErrorIs(t, err, boom)
	require.Len(t, svc.rebuilt, 2)
	require.Equal(t, 2, summary.Scopes)
}

func TestScheduleRebuildPayload(t *testing.T) {
	site := int64(3)
	task := rebuildTask(t, SettlementRebuildPayload{GroupID: 9, SiteID: &site})
	require.Equal(t, TaskSettlementRebuild, task.Type())

	var decoded SettlementRebuildPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.NotNil(t, decoded.SiteID)
	require.Equal(t, int64(3), *decoded.SiteID)
}
