package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/pkg/taskname"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TypeResetUsage = taskname.UsageReset

type ResetPayload struct {
	TenantID  string            `json:"tenantId,omitempty"`
	ModuleKey string            `json:"moduleKey,omitempty"`
	UsageType license.UsageType `json:"usageType"`
}

func NewResetTask(p ResetPayload) (*asynq.Task, error) {
	if _, ok := license.ParseUsageType(string(p.UsageType)); !ok {
		return nil, fmt.Errorf("unknown usage type %q", p.UsageType)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeResetUsage, b, asynq.Queue("low"), asynq.MaxRetry(5)), nil
}

// EnqueueReset schedules a usage reset through the task queue.
func EnqueueReset(ctx context.Context, enq task.Enqueuer, p ResetPayload) (*asynq.TaskInfo, error) {
	t, err := NewResetTask(p)
	if err != nil {
		return nil, err
	}
	return enq.Enqueue(ctx, t)
}

type TaskHandler struct {
	service *Service
}

func NewTaskHandler(svc *Service) *TaskHandler {
	return &TaskHandler{service: svc}
}

func (h *TaskHandler) HandleReset(ctx context.Context, t *asynq.Task) error {
	var p ResetPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TypeResetUsage, err, asynq.SkipRetry)
	}
	if _, ok := license.ParseUsageType(string(p.UsageType)); !ok {
		return fmt.Errorf("unknown usage type %q: %w", p.UsageType, asynq.SkipRetry)
	}

	n, err := h.service.ResetUsage(ctx, license.ResetFilter{
		TenantID:  p.TenantID,
		ModuleKey: p.ModuleKey,
		UsageType: p.UsageType,
	}, audit.RequestInfo{Actor: "scheduler"})
	if err != nil {
		return err
	}

	zap.L().Info("usage reset task done", zap.String("usage_type", string(p.UsageType)), zap.Int64("counters", n))
	return nil
}

func registerTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	mux.HandleFunc(TypeResetUsage, h.HandleReset)
}

// registerAPICallReset schedules the periodic apiCalls reset on the configured cron.
func registerAPICallReset(scheduler *asynq.Scheduler, cron string) error {
	t, err := NewResetTask(ResetPayload{UsageType: license.UsageAPICalls})
	if err != nil {
		return err
	}
	id, err := scheduler.Register(cron, t)
	if err != nil {
		return fmt.Errorf("register api call reset %q: %w", cron, err)
	}
	zap.L().Info("api call reset scheduled", zap.String("cron", cron), zap.String("entry_id", id))
	return nil
}
