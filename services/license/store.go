package license

import (
	"context"
	"errors"
	"time"

	"smallbiznis-licensing/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrLicenseNotFound = errutil.NewCoded(errutil.CodeLicenseNotFound, "license not found")
	ErrGrantNotFound   = errutil.NewCoded(errutil.CodeModuleNotEnabled, "module grant not found")

	errLimitExceeded = errors.New("limit exceeded")
)

// Store persists licenses and usage counters.
type Store interface {
	FindLicenseByTenant(ctx context.Context, tenantID string) (*License, error)
	CreateLicense(ctx context.Context, lic *License) error
	UpdateLicenseStatus(ctx context.Context, tenantID string, status Status, expiresAt *time.Time) error
	UpdateModuleGrant(ctx context.Context, tenantID string, grant *ModuleGrant) error
	DeleteModuleGrant(ctx context.Context, tenantID, moduleKey string) error
	FindOrCreateUsageTracking(ctx context.Context, tenantID, moduleKey string) (*UsageTracking, error)
	AtomicIncrementUsage(ctx context.Context, p IncrementParams) (*IncrementResult, error)
	RecordUsageWarning(ctx context.Context, w UsageWarning) (bool, error)
	RearmUsageWarning(ctx context.Context, tenantID, moduleKey string, usageType UsageType) error
	ResetUsage(ctx context.Context, f ResetFilter) (int64, error)
	PruneReceipts(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}

type IncrementParams struct {
	TenantID  string
	ModuleKey string
	UsageType UsageType
	Amount    int64
	// nil applies the increment unconditionally
	Limit *int64
	// when set, a second increment with the same key is reported as Duplicate
	IdempotencyKey string
}

type IncrementResult struct {
	Applied       bool
	Duplicate     bool
	LimitExceeded bool
	// counter value after the call; the unchanged value when not applied
	Value int64
	// warning state of the counter after the call
	Warned bool
}

type ResetFilter struct {
	TenantID  string
	ModuleKey string
	UsageType UsageType
}

type gormStore struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time
}

func NewStore(db *gorm.DB, node *snowflake.Node) Store {
	return &gormStore{db: db, node: node, now: time.Now}
}

func (s *gormStore) FindLicenseByTenant(ctx context.Context, tenantID string) (*License, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var lic License
	err := s.db.WithContext(ctx).
		Preload("Modules", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("tenant_id = ?", tenantID).
		Take(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

func (s *gormStore) CreateLicense(ctx context.Context, lic *License) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	if lic.ID == 0 {
		lic.ID = s.node.Generate().Int64()
	}
	if lic.Status == "" {
		lic.Status = StatusActive
	}
	now := s.now()
	for i := range lic.Modules {
		g := &lic.Modules[i]
		if g.ID == 0 {
			g.ID = s.node.Generate().Int64()
		}
		g.LicenseID = lic.ID
		g.TenantID = lic.TenantID
		if g.ActivatedAt.IsZero() {
			g.ActivatedAt = now
		}
	}
	return s.db.WithContext(ctx).Create(lic).Error
}

func (s *gormStore) UpdateLicenseStatus(ctx context.Context, tenantID string, status Status, expiresAt *time.Time) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	res := s.db.WithContext(ctx).Model(&License{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{
			"status":     status,
			"expires_at": expiresAt,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

// UpdateModuleGrant inserts or replaces the tenant's grant for grant.ModuleKey.
func (s *gormStore) UpdateModuleGrant(ctx context.Context, tenantID string, grant *ModuleGrant) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic License
		if err := tx.Select("id").Where("tenant_id = ?", tenantID).Take(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLicenseNotFound
			}
			return err
		}

		if grant.ID == 0 {
			grant.ID = s.node.Generate().Int64()
		}
		grant.LicenseID = lic.ID
		grant.TenantID = tenantID
		if grant.ActivatedAt.IsZero() {
			grant.ActivatedAt = s.now()
		}
		if grant.Limits.Data() == nil {
			grant.Limits = datatypes.NewJSONType(Limits{})
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "module_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled", "tier", "limits", "activated_at", "expires_at", "updated_at",
			}),
		}).Create(grant).Error
	})
}

func (s *gormStore) DeleteModuleGrant(ctx context.Context, tenantID, moduleKey string) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	res := s.db.WithContext(ctx).
		Where("tenant_id = ? AND module_key = ?", tenantID, moduleKey).
		Delete(&ModuleGrant{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (s *gormStore) ensureCounters(tx *gorm.DB, tenantID, moduleKey string, types ...UsageType) error {
	rows := make([]UsageCounter, 0, len(types))
	for _, t := range types {
		rows = append(rows, UsageCounter{TenantID: tenantID, ModuleKey: moduleKey, UsageType: t, UpdatedAt: s.now()})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (s *gormStore) FindOrCreateUsageTracking(ctx context.Context, tenantID, moduleKey string) (*UsageTracking, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	tracking := &UsageTracking{
		TenantID:  tenantID,
		ModuleKey: moduleKey,
		Usage:     make(map[UsageType]int64, len(UsageTypes)),
		Warned:    make(map[UsageType]bool, len(UsageTypes)),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureCounters(tx, tenantID, moduleKey, UsageTypes...); err != nil {
			return err
		}

		var counters []UsageCounter
		if err := tx.Where("tenant_id = ? AND module_key = ?", tenantID, moduleKey).Find(&counters).Error; err != nil {
			return err
		}
		for _, c := range counters {
			tracking.Usage[c.UsageType] = c.Value
			tracking.Warned[c.UsageType] = c.Warned
		}

		return tx.Where("tenant_id = ? AND module_key = ?", tenantID, moduleKey).
			Order("id ASC").
			Find(&tracking.Warnings).Error
	})
	if err != nil {
		return nil, err
	}
	return tracking, nil
}

// AtomicIncrementUsage adds p.Amount in a single conditional UPDATE so
// concurrent callers can never jointly pass the limit.
func (s *gormStore) AtomicIncrementUsage(ctx context.Context, p IncrementParams) (*IncrementResult, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	result := &IncrementResult{}
	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&UsageCounter{}).
			Where("tenant_id = ? AND module_key = ? AND usage_type = ?", p.TenantID, p.ModuleKey, p.UsageType)
	}
	readBack := func(tx *gorm.DB) error {
		var c UsageCounter
		if err := scope(tx).Take(&c).Error; err != nil {
			return err
		}
		result.Value = c.Value
		result.Warned = c.Warned
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureCounters(tx, p.TenantID, p.ModuleKey, p.UsageType); err != nil {
			return err
		}

		if p.IdempotencyKey != "" {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&UsageReceipt{
				Key:       p.IdempotencyKey,
				TenantID:  p.TenantID,
				ModuleKey: p.ModuleKey,
				UsageType: p.UsageType,
				Amount:    p.Amount,
				CreatedAt: s.now(),
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				result.Duplicate = true
				return readBack(tx)
			}
		}

		q := scope(tx)
		if p.Limit != nil {
			q = q.Where("value + ? <= ?", p.Amount, *p.Limit)
		}
		res := q.Updates(map[string]interface{}{
			"value":      gorm.Expr("value + ?", p.Amount),
			"updated_at": s.now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := readBack(tx); err != nil {
				return err
			}
			// roll back the receipt so a later retry can still apply
			return errLimitExceeded
		}

		result.Applied = true
		return readBack(tx)
	})

	switch {
	case errors.Is(err, errLimitExceeded):
		result.LimitExceeded = true
		return result, nil
	case err != nil:
		return nil, err
	}
	return result, nil
}

// RecordUsageWarning arms the counter's warning flag and appends w. It returns
// false, without writing, when the flag was already armed.
func (s *gormStore) RecordUsageWarning(ctx context.Context, w UsageWarning) (bool, error) {
	if s == nil || s.db == nil {
		return false, gorm.ErrInvalidDB
	}

	recorded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UsageCounter{}).
			Where("tenant_id = ? AND module_key = ? AND usage_type = ? AND warned = ?", w.TenantID, w.ModuleKey, w.LimitType, false).
			Update("warned", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if w.CreatedAt.IsZero() {
			w.CreatedAt = s.now()
		}
		if err := tx.Create(&w).Error; err != nil {
			return err
		}
		recorded = true
		return nil
	})
	return recorded, err
}

// RearmUsageWarning clears the warning flag once usage is back under the threshold.
func (s *gormStore) RearmUsageWarning(ctx context.Context, tenantID, moduleKey string, usageType UsageType) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	return s.db.WithContext(ctx).Model(&UsageCounter{}).
		Where("tenant_id = ? AND module_key = ? AND usage_type = ? AND warned = ?", tenantID, moduleKey, usageType, true).
		Update("warned", false).Error
}

// ResetUsage zeroes matching counters and re-arms their warnings. At least one
// filter field is required.
func (s *gormStore) ResetUsage(ctx context.Context, f ResetFilter) (int64, error) {
	if s == nil || s.db == nil {
		return 0, gorm.ErrInvalidDB
	}

	q := s.db.WithContext(ctx).Model(&UsageCounter{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.ModuleKey != "" {
		q = q.Where("module_key = ?", f.ModuleKey)
	}
	if f.UsageType != "" {
		q = q.Where("usage_type = ?", f.UsageType)
	}
	if f == (ResetFilter{}) {
		return 0, gorm.ErrMissingWhereClause
	}

	res := q.Updates(map[string]interface{}{
		"value":      0,
		"warned":     false,
		"updated_at": s.now(),
	})
	return res.RowsAffected, res.Error
}

func (s *gormStore) PruneReceipts(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, gorm.ErrInvalidDB
	}
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&UsageReceipt{})
	return res.RowsAffected, res.Error
}

func (s *gormStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
