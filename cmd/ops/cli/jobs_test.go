package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/siteledger/siteledger/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct {
	info *asynq.QueueInfo
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, nil
}

func (s stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func TestTriggerSingleScopeRebuild(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}

	info, err := c.Trigger(context.Background(), jobs.TaskSettlementRebuild, TriggerOptions{GroupID: 4, SiteID: 9})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskSettlementRebuild, info.Type)
	require.Len(t, enq.tasks, 1)

	var payload jobs.SettlementRebuildPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, int64(4), payload.GroupID)
	require.NotNil(t, payload.SiteID)
	require.Equal(t, int64(9), *payload.SiteID)
}

func TestTriggerAllScopes(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}

	_, err := c.Trigger(context.Background(), jobs.TaskSettlementRebuild, TriggerOptions{AllSites: true})
	require.NoError(t, err)

	var payload jobs.SettlementRebuildPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Nil(t, payload.SiteID)
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	c := &JobsCLI{client: &stubEnqueuer{}}
	_, err := c.Trigger(context.Background(), "report:render", TriggerOptions{})
	require.ErrorContains(t, err, "unsupported job")

	_, err = c.Trigger(context.Background(), jobs.TaskSettlementRebuild, TriggerOptions{})
	require.Error(t, err)
}

func TestInspectQueue(t *testing.T) {
	c := &JobsCLI{inspector: stubInspector{info: &asynq.QueueInfo{Pending: 3, Retry: 1}}}
	stats, err := c.InspectQueue(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 3, Retry: 1}, stats)
}
