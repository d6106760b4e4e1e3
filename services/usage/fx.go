package usage

import (
	"context"
	"time"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/eventbus"
	"smallbiznis-licensing/pkg/metrics"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/registry"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const metricsBuffer = 256

var Module = fx.Module("usage.module",
	fx.Provide(
		eventbus.New[Event],
		provideService,
	),
	fx.Invoke(
		registerFlushLoop,
		registerMetricsSubscriber,
	),
)

// Worker wires the reset task into the asynq server and scheduler.
var Worker = fx.Module("usage.worker",
	fx.Provide(NewTaskHandler),
	fx.Invoke(
		registerTaskHandlers,
		func(s *asynq.Scheduler, cfg *config.Config) error {
			return registerAPICallReset(s, cfg.Licensing.APICallResetCron)
		},
	),
)

type serviceParams struct {
	fx.In
	Config   *config.Config
	Store    license.Store
	Registry *registry.Registry
	Audit    audit.Logger
	Bus      *eventbus.Bus[Event]
	Node     *snowflake.Node
	Metrics  *metrics.Emitter `optional:"true"`
	Logger   *zap.Logger      `optional:"true"`
}

func provideService(p serviceParams) *Service {
	var rec Recorder
	if p.Metrics != nil {
		rec = p.Metrics
	}
	lc := p.Config.Licensing
	return NewService(Params{
		Store:    p.Store,
		Registry: p.Registry,
		Audit:    p.Audit,
		Bus:      p.Bus,
		Recorder: rec,
		Node:     p.Node,
		Logger:   p.Logger,
		Config: Config{
			BatchInterval:     lc.BatchInterval,
			BatchMaxSize:      lc.BatchMaxSize,
			WarningThreshold:  lc.WarningThreshold,
			FlushRetries:      lc.FlushRetries,
			ReceiptRetention:  lc.ReceiptRetention,
			StoreTimeout:      lc.StoreTimeout,
			AuditWriteTimeout: lc.AuditWriteTimeout,
		},
	})
}

func registerFlushLoop(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return svc.Stop(ctx)
		},
	})
}

type subscriberParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Bus       *eventbus.Bus[Event]
	Metrics   *metrics.Emitter `optional:"true"`
}

// registerMetricsSubscriber feeds tracker events into the prometheus emitter.
func registerMetricsSubscriber(p subscriberParams) {
	if p.Metrics == nil {
		return
	}

	events, cancel := p.Bus.Subscribe(metricsBuffer)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go ConsumeMetrics(events, p.Metrics)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}

// EventRecorder is the subset of the metrics emitter fed by tracker events.
type EventRecorder interface {
	IncLimitExceeded(module, usageType string)
	IncLimitWarning(module, usageType string)
	ObserveBatch(processed, failed int, d time.Duration)
}

// ConsumeMetrics drains events until the channel is closed.
func ConsumeMetrics(events <-chan Event, rec EventRecorder) {
	for ev := range events {
		switch ev.Type {
		case EventLimitExceeded:
			rec.IncLimitExceeded(ev.ModuleKey, string(ev.UsageType))
		case EventLimitWarning:
			rec.IncLimitWarning(ev.ModuleKey, string(ev.UsageType))
		case EventBatchProcessed:
			rec.ObserveBatch(ev.Processed, ev.Failed, ev.Duration)
		}
	}
}
