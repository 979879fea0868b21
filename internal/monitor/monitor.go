// Package monitor keeps a history of token refreshes and probes.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/oauth2-credentials/internal/db/models"
	"github.com/pysugar/oauth2-credentials/internal/util"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	// MaxErrorSize limits stored error text
	MaxErrorSize = 2048
	// MaxMemoryEvents limits the in-memory event cache
	MaxMemoryEvents = 100

	OutcomeOK = "ok"

	OperationRefresh = "refresh"
	OperationProbe   = "probe"
)

// TokenMonitor records token events and aggregates their statistics
type TokenMonitor struct {
	db *gorm.DB

	recent   []models.TokenEvent
	recentMu sync.RWMutex

	totalEvents  atomic.Int64
	successCount atomic.Int64
	errorCount   atomic.Int64
}

// NewTokenMonitor creates a monitor backed by db
func NewTokenMonitor(db *gorm.DB) *TokenMonitor {
	m := &TokenMonitor{
		db:     db,
		recent: make([]models.TokenEvent, 0, MaxMemoryEvents),
	}

	if err := db.AutoMigrate(&models.TokenEvent{}); err != nil {
		log.Warn().Err(err).Msg("[Monitor] Failed to migrate TokenEvent table")
	}
	m.loadStatsFromDB()
	return m
}

// Record stores one event. Failures to persist are logged, never returned.
func (m *TokenMonitor) Record(ctx context.Context, event models.TokenEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Error = util.Truncate(event.Error, MaxErrorSize)

	m.totalEvents.Add(1)
	if event.Outcome == OutcomeOK {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}

	m.recentMu.Lock()
	m.recent = append([]models.TokenEvent{event}, m.recent...)
	if len(m.recent) > MaxMemoryEvents {
		m.recent = m.recent[:MaxMemoryEvents]
	}
	m.recentMu.Unlock()

	if err := m.db.WithContext(ctx).Create(&event).Error; err != nil {
		log.Warn().Err(err).Str("operation", event.Operation).Int("account_id", event.AccountID).
			Msg("[Monitor] Failed to save event")
	}
}

// Events returns the newest events, optionally filtered to one account
// (accountID 0 means all).
func (m *TokenMonitor) Events(ctx context.Context, accountID, limit int) []models.TokenEvent {
	if limit <= 0 {
		limit = 100
	}

	var events []models.TokenEvent
	query := m.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
	if accountID != 0 {
		query = query.Where("account_id = ?", accountID)
	}
	if err := query.Find(&events).Error; err != nil {
		log.Warn().Err(err).Msg("[Monitor] Failed to load events, serving memory cache")
		return m.recentFor(accountID, limit)
	}
	return events
}

func (m *TokenMonitor) recentFor(accountID, limit int) []models.TokenEvent {
	m.recentMu.RLock()
	defer m.recentMu.RUnlock()

	out := make([]models.TokenEvent, 0, limit)
	for _, e := range m.recent {
		if accountID != 0 && e.AccountID != accountID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Stats returns aggregated event counts
func (m *TokenMonitor) Stats() models.TokenEventStats {
	return models.TokenEventStats{
		TotalEvents:  m.totalEvents.Load(),
		SuccessCount: m.successCount.Load(),
		ErrorCount:   m.errorCount.Load(),
	}
}

// Forget drops every event of a deleted account
func (m *TokenMonitor) Forget(ctx context.Context, accountID int) error {
	m.recentMu.Lock()
	kept := m.recent[:0]
	for _, e := range m.recent {
		if e.AccountID != accountID {
			kept = append(kept, e)
		}
	}
	m.recent = kept
	m.recentMu.Unlock()

	if err := m.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&models.TokenEvent{}).Error; err != nil {
		return err
	}
	m.loadStatsFromDB()
	return nil
}

// Clear removes every event from memory and the database
func (m *TokenMonitor) Clear(ctx context.Context) error {
	m.recentMu.Lock()
	m.recent = m.recent[:0]
	m.recentMu.Unlock()

	m.totalEvents.Store(0)
	m.successCount.Store(0)
	m.errorCount.Store(0)

	if err := m.db.WithContext(ctx).Where("1 = 1").Delete(&models.TokenEvent{}).Error; err != nil {
		log.Warn().Err(err).Msg("[Monitor] Failed to clear events")
		return err
	}
	log.Info().Msg("[Monitor] All events cleared")
	return nil
}

func (m *TokenMonitor) loadStatsFromDB() {
	var total, success int64
	m.db.Model(&models.TokenEvent{}).Count(&total)
	m.db.Model(&models.TokenEvent{}).Where("outcome = ?", OutcomeOK).Count(&success)

	m.totalEvents.Store(total)
	m.successCount.Store(success)
	m.errorCount.Store(total - success)

	log.Debug().Int64("total", total).Int64("success", success).Msg("[Monitor] Loaded stats")
}
