package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/services/audit"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const retryBackoff = 50 * time.Millisecond

// FlushBatch drains the queue, coalesces it and applies every group with the
// same check-and-apply step as immediate tracking. Only one flush runs at a
// time; a concurrent call returns Skipped.
func (s *Service) FlushBatch(ctx context.Context) *BatchResult {
	if !s.flushMu.TryLock() {
		return &BatchResult{Skipped: true}
	}
	defer s.flushMu.Unlock()

	start := s.now()
	s.setFlushing(true)
	defer s.setFlushing(false)

	s.mu.Lock()
	items := s.queue
	s.queue = nil
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.SetQueueSize(0)
	}

	result := &BatchResult{FlushID: s.flushID(), Queued: len(items)}
	groups := coalesce(items)
	result.Groups = len(groups)

	ctx, span := tracer.Start(ctx, "usage.FlushBatch")
	span.SetAttributes(attribute.String("flush_id", result.FlushID), attribute.Int("groups", len(groups)))
	defer span.End()

	log := s.logger.With(logger.TraceFields(ctx)...).With(zap.String("flush_id", result.FlushID))

	for _, g := range groups {
		key := fmt.Sprintf("%s:%s:%s:%s", result.FlushID, g.TenantID, g.ModuleKey, g.UsageType)
		res, err := s.applyWithRetry(ctx, g, key)

		switch {
		case err != nil:
			result.Failed++
			log.Error("usage group failed",
				zap.String("tenant_id", g.TenantID),
				zap.String("module", g.ModuleKey),
				zap.String("usage_type", string(g.UsageType)),
				zap.Int64("amount", g.Amount),
				zap.Error(err),
			)
			s.auditGroupFailure(ctx, result.FlushID, g, errutil.CodeStoreUnavailable, err.Error())
		case !res.Success:
			result.Failed++
			if res.Blocked {
				// already audited as LIMIT_EXCEEDED by apply
				result.Blocked++
				continue
			}
			s.auditGroupFailure(ctx, result.FlushID, g, res.Error, res.Reason)
		default:
			result.Processed++
			if res.Duplicate {
				result.Duplicates++
			}
		}
	}

	result.Duration = s.now().Sub(start)
	s.recordFlush(result)

	s.bus.Publish(Event{
		Type:      EventBatchProcessed,
		At:        s.now(),
		FlushID:   result.FlushID,
		Processed: result.Processed,
		Failed:    result.Failed,
		Duration:  result.Duration,
	})

	if len(groups) > 0 {
		log.Info("usage batch flushed",
			zap.Int("queued", result.Queued),
			zap.Int("groups", result.Groups),
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Duration("duration", result.Duration),
		)
		s.pruneReceipts(ctx)
	}
	return result
}

// applyWithRetry retries store failures within the flush cycle. The group's
// idempotency key makes a retry after an ambiguous commit a no-op.
func (s *Service) applyWithRetry(ctx context.Context, g pending, key string) (*TrackResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.FlushRetries; attempt++ {
		res, err := s.apply(ctx, g, key, audit.RequestInfo{Actor: "batch-flush"})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == s.cfg.FlushRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return nil, lastErr
}

func (s *Service) auditGroupFailure(ctx context.Context, flushID string, g pending, code errutil.Code, reason string) {
	s.writeAudit(ctx, audit.NewEntry(g.TenantID, g.ModuleKey, audit.EventBatchGroupFailed, map[string]interface{}{
		"flushId":   flushID,
		"usageType": string(g.UsageType),
		"amount":    g.Amount,
		"error":     string(code),
		"reason":    reason,
	}))
}

func (s *Service) pruneReceipts(ctx context.Context) {
	if s.cfg.ReceiptRetention <= 0 {
		return
	}
	if _, err := s.store.PruneReceipts(ctx, s.now().Add(-s.cfg.ReceiptRetention)); err != nil {
		s.logger.Warn("failed to prune usage receipts", zap.Error(err))
	}
}

func (s *Service) flushID() string {
	if s.node != nil {
		return s.node.Generate().String()
	}
	return strconv.FormatInt(s.now().UnixNano(), 36)
}

func (s *Service) setFlushing(v bool) {
	s.statsMu.Lock()
	s.flushing = v
	s.statsMu.Unlock()
}

func (s *Service) recordFlush(r *BatchResult) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	at := s.now()
	s.stats.LastFlush = &at
	last := *r
	s.stats.LastResult = &last
	s.stats.Flushes++
	s.stats.TotalProcessed += int64(r.Processed)
	s.stats.TotalFailed += int64(r.Failed)
}

func (s *Service) GetBatchStats() BatchStats {
	s.mu.Lock()
	size := len(s.queue)
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	stats := s.stats
	stats.QueueSize = size
	stats.Flushing = s.flushing
	return stats
}

// Start runs the timer-triggered flush loop until Stop.
func (s *Service) Start() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.BatchInterval)
		defer ticker.Stop()

		s.logger.Info("usage flush loop started", zap.Duration("interval", s.cfg.BatchInterval))
		for {
			select {
			case <-ticker.C:
				// a tick flush runs to completion even if Stop is called meanwhile
				s.FlushBatch(context.Background())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the flush loop, waits for in-flight flushes and drains the queue.
// Usage tracked afterwards stays queued for an explicit FlushBatch.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.kicks.Wait()

	res := s.FlushBatch(ctx)
	s.logger.Info("usage flush loop stopped",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
	)
	return nil
}
