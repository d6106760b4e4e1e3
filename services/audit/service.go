package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smallbiznis-licensing/pkg/db/pagination"
	"smallbiznis-licensing/pkg/logger"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Logger is the append primitive consumed by the validator, tracker and
// module administration.
type Logger interface {
	LogEvent(ctx context.Context, entry *Entry) (*Entry, error)
}

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	appendAttempts  = 3
	verifyBatchSize = 500
)

var tracer = otel.Tracer("licensing/audit")

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	logger *zap.Logger

	// tenant ID -> *sync.Mutex; serialises appends to one chain within this process
	locks sync.Map
	now   func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Logger *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:     p.DB,
		node:   p.Node,
		logger: log.Named("audit"),
		now:    time.Now,
	}
}

// LogEvent appends entry to its tenant's chain and returns the persisted copy.
func (s *Service) LogEvent(ctx context.Context, entry *Entry) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if entry == nil || entry.TenantID == "" || entry.EventType == "" {
		return nil, fmt.Errorf("audit entry requires tenant and event type")
	}
	if entry.Category == "" {
		entry.Category = CategoryLicense
	}

	ctx, span := tracer.Start(ctx, "audit.LogEvent")
	defer span.End()

	mu := s.tenantLock(entry.TenantID)
	mu.Lock()
	defer mu.Unlock()

	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.appendTx(tx, entry)
		})
		if err == nil {
			return entry, nil
		}
		// another replica appended the same sequence; relink and retry
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}

	s.logger.With(logger.TraceFields(ctx)...).Error("failed to append audit entry",
		zap.String("tenant_id", entry.TenantID),
		zap.String("event_type", string(entry.EventType)),
		zap.Error(err),
	)
	return nil, err
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	if mu, ok := s.locks.Load(tenantID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.locks.LoadOrStore(tenantID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) appendTx(tx *gorm.DB, entry *Entry) error {
	var last Entry
	prevHash := GenesisHash
	var prevSeq int64

	err := tx.Where("tenant_id = ?", entry.TenantID).Order("sequence DESC").Limit(1).Take(&last).Error
	switch {
	case err == nil:
		prevHash = last.Hash
		prevSeq = last.Sequence
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return err
	}

	entry.ID = s.node.Generate().Int64()
	entry.Sequence = prevSeq + 1
	entry.PreviousHash = prevHash
	// millisecond precision survives every supported dialect unchanged
	entry.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	entry.Hash = entry.GenerateHash()

	return tx.Create(entry).Error
}

// LogSecurityEvent appends a security-category entry to the same chain.
func (s *Service) LogSecurityEvent(ctx context.Context, tenantID string, eventType EventType, details map[string]interface{}) (*Entry, error) {
	e := NewEntry(tenantID, "", eventType, details)
	e.Category = CategorySecurity
	return s.LogEvent(ctx, e)
}

// GetAuditLog returns the newest entries first.
func (s *Service) GetAuditLog(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sequence DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListAuditLog pages through a tenant's entries, newest first.
func (s *Service) ListAuditLog(ctx context.Context, tenantID string, p pagination.Pagination) ([]Entry, *pagination.PageInfo, error) {
	if s == nil || s.db == nil {
		return nil, nil, gorm.ErrInvalidDB
	}
	p = p.Normalize()
	cursor, err := pagination.DecodeCursor(p.Cursor)
	if err != nil {
		return nil, nil, err
	}

	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if cursor != nil {
		q = q.Where("sequence < ?", cursor.Sequence)
	}

	var entries []Entry
	if err := q.Order("sequence DESC").Limit(p.Limit + 1).Find(&entries).Error; err != nil {
		return nil, nil, err
	}
	return pagination.BuildPage(entries, p.Limit, func(e Entry) pagination.Cursor {
		return pagination.Cursor{Sequence: e.Sequence}
	})
}

// GetAuditStatistics counts a tenant's entries per event type.
func (s *Service) GetAuditStatistics(ctx context.Context, tenantID string) (map[EventType]int64, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rows []struct {
		EventType EventType
		Total     int64
	}
	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("event_type, COUNT(*) AS total").
		Where("tenant_id = ?", tenantID).
		Group("event_type").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := make(map[EventType]int64, len(rows))
	for _, r := range rows {
		stats[r.EventType] = r.Total
	}
	return stats, nil
}

// VerifyChain walks a tenant's chain in order and reports the first entry
// whose hash or link no longer matches.
func (s *Service) VerifyChain(ctx context.Context, tenantID string) (*VerifyResult, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	result := &VerifyResult{Valid: true}
	prevHash := GenesisHash
	var prevSeq int64

	var batch []Entry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sequence ASC").
		FindInBatches(&batch, verifyBatchSize, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				e := &batch[i]
				result.Checked++

				switch {
				case e.Sequence != prevSeq+1:
					result.fail(e.Sequence, fmt.Sprintf("sequence gap after %d", prevSeq))
				case e.PreviousHash != prevHash:
					result.fail(e.Sequence, "previous hash does not match")
				case e.GenerateHash() != e.Hash:
					result.fail(e.Sequence, "entry hash does not match its content")
				}
				if !result.Valid {
					return errStopVerify
				}

				prevHash = e.Hash
				prevSeq = e.Sequence
			}
			return nil
		}).Error
	if err != nil && !errors.Is(err, errStopVerify) {
		return nil, err
	}

	if !result.Valid {
		s.logger.With(logger.TraceFields(ctx)...).Warn("audit chain verification failed",
			zap.String("tenant_id", tenantID),
			zap.Int64("sequence", result.BrokenAt),
			zap.String("reason", result.Reason),
		)
	}
	return result, nil
}

var errStopVerify = errors.New("stop verify")

func (r *VerifyResult) fail(seq int64, reason string) {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
}
