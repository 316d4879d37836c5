package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMaintenance carries scheduled housekeeping.
	QueueMaintenance = "maintenance"

	// TaskSettlementRebuild rebuilds one scope, every scope of a group, or everything.
	TaskSettlementRebuild = "settlement:rebuild"
	// TaskSettlementFifoAudit scans scopes for FIFO violations.
	TaskSettlementFifoAudit = "settlement:fifo_audit"
	// TaskInventoryRecompute replays inventory accounts to repair balance drift.
	TaskInventoryRecompute = "inventory:recompute"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// SettlementRebuildPayload selects the scopes to rebuild. GroupID zero means
// every group; a nil SiteID means every scope of the group.
type SettlementRebuildPayload struct {
	GroupID int64  `json:"group_id"`
	SiteID  *int64 `json:"site_id,omitempty"`
}

// FifoAuditPayload selects the groups to audit. Repair rebuilds the scopes
// that report violations.
type FifoAuditPayload struct {
	GroupID int64 `json:"group_id"`
	Repair  bool  `json:"repair"`
}

// InventoryRecomputePayload selects the accounts to replay.
type InventoryRecomputePayload struct {
	GroupID   int64 `json:"group_id"`
	AccountID int64 `json:"account_id"`
}

// IdempotencyCleanupPayload configures the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewSettlementRebuildTask constructs an Asynq task for a rebuild.
func NewSettlementRebuildTask(payload SettlementRebuildPayload) (*asynq.Task, error) {
	return newTask(TaskSettlementRebuild, payload, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}

// NewFifoAuditTask constructs an Asynq task for the FIFO audit.
func NewFifoAuditTask(payload FifoAuditPayload) (*asynq.Task, error) {
	return newTask(TaskSettlementFifoAudit, payload, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// NewInventoryRecomputeTask constructs an Asynq task for inventory recompute.
func NewInventoryRecomputeTask(payload InventoryRecomputePayload) (*asynq.Task, error) {
	return newTask(TaskInventoryRecompute, payload, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{Retention: retention}, asynq.Queue(QueueMaintenance))
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, opts...), nil
}
