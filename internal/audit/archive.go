package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const writeTimeout = 5 * time.Second

// Archive persists session outcomes and coordinator events. It implements
// collaboration.Observer; wrap it with collaboration.NewAsyncObserver so
// writes stay off the tick goroutine.
type Archive struct {
	pool    *database.PoolManager
	queries QueryRecorder
	logger  *zap.Logger
	now     func() time.Time
}

// QueryRecorder receives write/read latencies; *metrics.Collector implements it.
type QueryRecorder interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

var _ collaboration.Observer = (*Archive)(nil)

// NewArchive 创建审计归档，queries 可为 nil
func NewArchive(pool *database.PoolManager, queries QueryRecorder, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		pool:    pool,
		queries: queries,
		logger:  logger.With(zap.String("component", "audit")),
		now:     time.Now,
	}
}

func (a *Archive) observe(operation string, start time.Time) {
	if a.queries != nil {
		a.queries.RecordDBQuery(a.pool.Name(), operation, time.Since(start))
	}
}

// Migrate creates or updates the archive tables.
func (a *Archive) Migrate(ctx context.Context) error {
	if err := a.pool.DB().WithContext(ctx).AutoMigrate(&SessionRecord{}, &EventRecord{}); err != nil {
		return fmt.Errorf("migrate audit tables: %w", err)
	}
	return nil
}

// SessionCompleted upserts the session row and appends a session_completed
// event in one transaction.
func (a *Archive) SessionCompleted(s *collaboration.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rec := sessionRecord(s)
	event := EventRecord{
		Kind:       EventSessionCompleted,
		SessionID:  s.ID,
		Message:    rec.Summary,
		OccurredAt: a.eventTime(rec.CompletedAt),
	}

	defer a.observe("upsert", time.Now())
	err := a.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return err
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		a.logger.Error("failed to archive session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (a *Archive) AgentOffline(ag *agent.Agent) {
	a.appendEvent(EventRecord{
		Kind:       EventAgentOffline,
		AgentID:    ag.ID,
		Message:    fmt.Sprintf("last heartbeat %s", ag.LastHeartbeat.UTC().Format(time.RFC3339)),
		OccurredAt: a.now(),
	})
}

func (a *Archive) Error(ec collaboration.ErrorContext) {
	a.appendEvent(EventRecord{
		Kind:       EventError,
		Code:       string(ec.Code),
		AgentID:    ec.AgentID,
		SessionID:  ec.SessionID,
		MessageID:  ec.MessageID,
		Message:    ec.Message,
		OccurredAt: a.eventTime(&ec.Time),
	})
}

func (a *Archive) appendEvent(rec EventRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	defer a.observe("insert", time.Now())

	if err := a.pool.DB().WithContext(ctx).Create(&rec).Error; err != nil {
		a.logger.Error("failed to archive event", zap.String("kind", string(rec.Kind)), zap.Error(err))
	}
}

func (a *Archive) eventTime(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return a.now()
	}
	return *t
}

// Session returns the archived record for id.
func (a *Archive) Session(ctx context.Context, id string) (*SessionRecord, error) {
	defer a.observe("select", time.Now())
	var rec SessionRecord
	if err := a.pool.DB().WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recent returns the newest events first, at most limit of them.
func (a *Archive) Recent(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	defer a.observe("select", time.Now())
	var events []EventRecord
	err := a.pool.DB().WithContext(ctx).
		Order("occurred_at DESC").Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func sessionRecord(s *collaboration.Session) SessionRecord {
	rec := SessionRecord{
		ID:            s.ID,
		Objective:     s.Objective,
		Type:          string(s.Type),
		Status:        string(s.Status),
		Coordinator:   s.Coordinator,
		Participants:  strings.Join(s.Participants, ","),
		FailureReason: s.FailureReason,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
	}
	if s.Results != nil {
		rec.TasksCompleted = s.Results.TasksCompleted
		rec.TasksFailed = s.Results.TasksFailed
		rec.Summary = s.Results.Summary
	}
	return rec
}
