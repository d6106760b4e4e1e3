package usage

import (
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
)

type EventType string

const (
	EventLimitWarning   EventType = "limitWarning"
	EventLimitExceeded  EventType = "limitExceeded"
	EventBatchProcessed EventType = "batchProcessed"
)

// Event is published on the tracker's bus. Limit events fill the usage
// fields, batchProcessed fills the batch fields.
type Event struct {
	Type       EventType
	At         time.Time
	TenantID   string
	ModuleKey  string
	UsageType  license.UsageType
	Current    int64
	Attempted  int64
	Limit      *int64
	Percentage float64

	FlushID   string
	Processed int
	Failed    int
	Duration  time.Duration
}

type TrackOptions struct {
	Immediate bool
	Request   audit.RequestInfo
}

type TrackResult struct {
	Success   bool `json:"success"`
	Tracked   bool `json:"tracked"`
	Batched   bool `json:"batched,omitempty"`
	QueueSize int  `json:"queueSize,omitempty"`
	Blocked   bool `json:"blocked,omitempty"`

	Error  errutil.Code `json:"error,omitempty"`
	Reason string       `json:"reason,omitempty"`

	// value after the call; unchanged when blocked
	CurrentUsage    int64   `json:"currentUsage"`
	AttemptedAmount int64   `json:"attemptedAmount,omitempty"`
	Limit           *int64  `json:"limit"`
	Percentage      float64 `json:"percentage"`
	WarningEmitted  bool    `json:"warningEmitted,omitempty"`
	Duplicate       bool    `json:"-"`
}

type CheckResult struct {
	Allowed             bool         `json:"allowed"`
	CurrentUsage        int64        `json:"currentUsage"`
	Limit               *int64       `json:"limit"`
	ProjectedUsage      int64        `json:"projectedUsage"`
	ProjectedPercentage float64      `json:"projectedPercentage"`
	IsApproachingLimit  bool         `json:"isApproachingLimit"`
	Error               errutil.Code `json:"error,omitempty"`
	Reason              string       `json:"reason,omitempty"`
}

type UsageMetric struct {
	Current    int64   `json:"current"`
	Limit      *int64  `json:"limit"`
	Percentage float64 `json:"percentage"`
	Unlimited  bool    `json:"unlimited"`
}

type UsageReport struct {
	TenantID  string                            `json:"tenantId"`
	ModuleKey string                            `json:"moduleKey"`
	Metrics   map[license.UsageType]UsageMetric `json:"metrics"`
	Warnings  []license.UsageWarning            `json:"warnings"`
}

type BatchResult struct {
	FlushID    string        `json:"flushId,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Queued     int           `json:"queued"`
	Groups     int           `json:"groups"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Blocked    int           `json:"blocked"`
	Duplicates int           `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}

type BatchStats struct {
	QueueSize      int          `json:"queueSize"`
	Flushing       bool         `json:"flushing"`
	LastFlush      *time.Time   `json:"lastFlush,omitempty"`
	LastResult     *BatchResult `json:"lastResult,omitempty"`
	Flushes        int64        `json:"flushes"`
	TotalProcessed int64        `json:"totalProcessed"`
	TotalFailed    int64        `json:"totalFailed"`
}

type pending struct {
	TenantID  string
	ModuleKey string
	UsageType license.UsageType
	Amount    int64
}

type groupKey struct {
	TenantID  string
	ModuleKey string
	UsageType license.UsageType
}

// coalesce sums amounts per (tenant, module, type), keeping first-seen order.
func coalesce(items []pending) []pending {
	index := make(map[groupKey]int, len(items))
	out := make([]pending, 0, len(items))
	for _, it := range items {
		k := groupKey{it.TenantID, it.ModuleKey, it.UsageType}
		if i, ok := index[k]; ok {
			out[i].Amount += it.Amount
			continue
		}
		index[k] = len(out)
		out = append(out, it)
	}
	return out
}
