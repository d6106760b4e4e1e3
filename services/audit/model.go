package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Category string

const (
	CategoryLicense  Category = "license"
	CategorySecurity Category = "security"
)

type EventType string

// License events
const (
	EventLicenseNotFound      EventType = "LICENSE_NOT_FOUND"
	EventLicenseSuspended     EventType = "LICENSE_SUSPENDED"
	EventLicenseExpired       EventType = "LICENSE_EXPIRED"
	EventModuleNotEnabled     EventType = "MODULE_NOT_ENABLED"
	EventStoreUnavailable     EventType = "STORE_UNAVAILABLE"
	EventLimitExceeded        EventType = "LIMIT_EXCEEDED"
	EventLimitWarning         EventType = "LIMIT_WARNING"
	EventModuleEnabled        EventType = "MODULE_ENABLED"
	EventModuleDisabled       EventType = "MODULE_DISABLED"
	EventUsageReset           EventType = "USAGE_RESET"
	EventBatchGroupFailed     EventType = "BATCH_GROUP_FAILED"
	EventLicenseStatusChanged EventType = "LICENSE_STATUS_CHANGED"
)

// Security events
const (
	EventAccessDenied       EventType = "ACCESS_DENIED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventChainBroken        EventType = "AUDIT_CHAIN_BROKEN"
)

const GenesisHash = "GENESIS"

var ErrImmutable = errors.New("audit entries are append-only")

// Entry is one link of a tenant's audit chain. Sequence is dense per tenant
// and Hash covers every persisted field plus PreviousHash.
type Entry struct {
	ID           int64             `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	TenantID     string            `gorm:"column:tenant_id;uniqueIndex:idx_audit_tenant_seq;index" json:"tenantId"`
	Sequence     int64             `gorm:"column:sequence;uniqueIndex:idx_audit_tenant_seq" json:"sequence"`
	ModuleKey    *string           `gorm:"column:module_key" json:"moduleKey,omitempty"`
	Category     Category          `gorm:"column:category" json:"category"`
	EventType    EventType         `gorm:"column:event_type;index" json:"eventType"`
	Details      datatypes.JSONMap `gorm:"column:details" json:"details,omitempty"`
	CreatedAt    time.Time         `gorm:"column:created_at;autoCreateTime:false" json:"timestamp"`
	PreviousHash string            `gorm:"column:previous_hash" json:"previousHash"`
	Hash         string            `gorm:"column:hash" json:"hash"`
}

func (Entry) TableName() string {
	return "audit_logs"
}

func (e *Entry) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutable
}

func (e *Entry) BeforeDelete(tx *gorm.DB) error {
	return ErrImmutable
}

func (e *Entry) HashFields() map[string]string {
	module := ""
	if e.ModuleKey != nil {
		module = *e.ModuleKey
	}

	details := "{}"
	if len(e.Details) > 0 {
		if b, err := json.Marshal(map[string]interface{}(e.Details)); err == nil {
			details = string(b)
		}
	}

	return map[string]string{
		"id":            fmt.Sprintf("%d", e.ID),
		"tenant_id":     e.TenantID,
		"sequence":      fmt.Sprintf("%d", e.Sequence),
		"module_key":    module,
		"category":      string(e.Category),
		"event_type":    string(e.EventType),
		"details":       details,
		"created_at":    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": e.PreviousHash,
	}
}

func (e *Entry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// NewEntry builds a license-category entry. An empty moduleKey marks a
// tenant-level event.
func NewEntry(tenantID, moduleKey string, eventType EventType, details map[string]interface{}) *Entry {
	e := &Entry{
		TenantID:  tenantID,
		Category:  CategoryLicense,
		EventType: eventType,
		Details:   datatypes.JSONMap(details),
	}
	if moduleKey != "" {
		e.ModuleKey = &moduleKey
	}
	return e
}

// RequestInfo is the requestor context attached to decision entries.
type RequestInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// Apply copies the non-empty request fields into details.
func (r RequestInfo) Apply(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		details = map[string]interface{}{}
	}
	if r.IP != "" {
		details["ip"] = r.IP
	}
	if r.UserAgent != "" {
		details["userAgent"] = r.UserAgent
	}
	if r.Actor != "" {
		details["actor"] = r.Actor
	}
	return details
}

type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checked  int64  `json:"checked"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
