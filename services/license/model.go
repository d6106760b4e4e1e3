package license

import (
	"math"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusSuspended, StatusCanceled:
		return true
	}
	return false
}

type Tier string

const (
	TierStarter    Tier = "starter"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

type UsageType string

const (
	UsageEmployees UsageType = "employees"
	UsageStorage   UsageType = "storage"
	UsageAPICalls  UsageType = "apiCalls"
)

// UsageTypes lists every metered quota in reporting order.
var UsageTypes = []UsageType{UsageEmployees, UsageStorage, UsageAPICalls}

func ParseUsageType(s string) (UsageType, bool) {
	for _, t := range UsageTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Limits maps a quota to its ceiling. A missing or nil value is unlimited.
type Limits map[UsageType]*int64

func (l Limits) For(t UsageType) *int64 {
	if l == nil {
		return nil
	}
	return l[t]
}

func Limit(n int64) *int64 {
	return &n
}

// Percentage is usage/limit*100 rounded to two decimals; zero when unlimited.
func Percentage(current int64, limit *int64) float64 {
	if limit == nil {
		return 0
	}
	if *limit <= 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return math.Round(float64(current)/float64(*limit)*10000) / 100
}

type License struct {
	ID             int64         `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	TenantID       string        `gorm:"column:tenant_id;uniqueIndex" json:"tenantId"`
	SubscriptionID string        `gorm:"column:subscription_id" json:"subscriptionId"`
	Status         Status        `gorm:"column:status" json:"status"`
	ExpiresAt      *time.Time    `gorm:"column:expires_at" json:"expiresAt,omitempty"`
	CreatedAt      time.Time     `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt      time.Time     `gorm:"column:updated_at" json:"updatedAt"`
	Modules        []ModuleGrant `gorm:"foreignKey:LicenseID" json:"modules"`
}

func (License) TableName() string {
	return "licenses"
}

func (l *License) Grant(moduleKey string) (*ModuleGrant, bool) {
	for i := range l.Modules {
		if l.Modules[i].ModuleKey == moduleKey {
			return &l.Modules[i], true
		}
	}
	return nil, false
}

// EnabledModules returns the keys of enabled grants.
func (l *License) EnabledModules() map[string]struct{} {
	set := make(map[string]struct{}, len(l.Modules))
	for _, g := range l.Modules {
		if g.Enabled {
			set[g.ModuleKey] = struct{}{}
		}
	}
	return set
}

type ModuleGrant struct {
	ID          int64                      `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	LicenseID   int64                      `gorm:"column:license_id;index" json:"licenseId"`
	TenantID    string                     `gorm:"column:tenant_id;uniqueIndex:idx_grant_tenant_module" json:"tenantId"`
	ModuleKey   string                     `gorm:"column:module_key;uniqueIndex:idx_grant_tenant_module" json:"key"`
	Enabled     bool                       `gorm:"column:enabled" json:"enabled"`
	Tier        Tier                       `gorm:"column:tier" json:"tier"`
	Limits      datatypes.JSONType[Limits] `gorm:"column:limits" json:"limits"`
	ActivatedAt time.Time                  `gorm:"column:activated_at" json:"activatedAt"`
	ExpiresAt   *time.Time                 `gorm:"column:expires_at" json:"expiresAt,omitempty"`
	CreatedAt   time.Time                  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time                  `gorm:"column:updated_at" json:"updatedAt"`
}

func (ModuleGrant) TableName() string {
	return "license_modules"
}

func (g *ModuleGrant) LimitFor(t UsageType) *int64 {
	return g.Limits.Data().For(t)
}

func (g *ModuleGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// UsageCounter is the unit of atomic update: one row per tenant, module and quota.
type UsageCounter struct {
	TenantID  string    `gorm:"column:tenant_id;primaryKey"`
	ModuleKey string    `gorm:"column:module_key;primaryKey"`
	UsageType UsageType `gorm:"column:usage_type;primaryKey"`
	Value     int64     `gorm:"column:value;not null;default:0"`
	Warned    bool      `gorm:"column:warned;not null;default:false"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (UsageCounter) TableName() string {
	return "usage_counters"
}

// UsageWarning records one threshold crossing.
type UsageWarning struct {
	ID         uint      `gorm:"column:id;primaryKey" json:"-"`
	TenantID   string    `gorm:"column:tenant_id;index:idx_usage_warning_scope" json:"-"`
	ModuleKey  string    `gorm:"column:module_key;index:idx_usage_warning_scope" json:"-"`
	LimitType  UsageType `gorm:"column:limit_type" json:"limitType"`
	Percentage float64   `gorm:"column:percentage" json:"percentage"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"timestamp"`
}

func (UsageWarning) TableName() string {
	return "usage_warnings"
}

// UsageReceipt marks an increment as applied so a retried flush group is not
// counted twice.
type UsageReceipt struct {
	Key       string    `gorm:"column:receipt_key;primaryKey"`
	TenantID  string    `gorm:"column:tenant_id"`
	ModuleKey string    `gorm:"column:module_key"`
	UsageType UsageType `gorm:"column:usage_type"`
	Amount    int64     `gorm:"column:amount"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (UsageReceipt) TableName() string {
	return "usage_flush_receipts"
}

// UsageTracking is the per (tenant, module) view assembled from counters.
type UsageTracking struct {
	TenantID  string
	ModuleKey string
	Usage     map[UsageType]int64
	Warned    map[UsageType]bool
	Warnings  []UsageWarning
}

// Models lists every table owned by this package, in migration order.
func Models() []interface{} {
	return []interface{}{
		&License{},
		&ModuleGrant{},
		&UsageCounter{},
		&UsageWarning{},
		&UsageReceipt{},
	}
}
