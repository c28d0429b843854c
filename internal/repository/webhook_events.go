package repository

import (
	"context"
	"time"

	"github.com/Cyvadra/tv-compliance/internal/models"
)

// EventFilter narrows a webhook event listing
type EventFilter struct {
	Status models.WebhookStatus
	Page   int
	Limit  int
}

// SymbolCount is one row of the top symbols aggregate
type SymbolCount struct {
	Symbol string `json:"symbol"`
	Count  int64  `json:"count"`
}

// ErrorCount is one row of the top errors aggregate
type ErrorCount struct {
	Error string `json:"error"`
	Count int64  `json:"count"`
}

// StatusCount is one row of the per-status aggregate
type StatusCount struct {
	Status models.WebhookStatus `json:"status"`
	Count  int64                `json:"count"`
}

// CreateWebhookEvent inserts an event at status processing
func (r *Repository) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.Status == "" {
		event.Status = models.StatusProcessing
	}
	return r.db.WithContext(ctx).Create(event).Error
}

// GetWebhookEvent finds an event by id
func (r *Repository) GetWebhookEvent(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

// CompleteWebhookEvent moves a processing event to its terminal status.
// It reports false when the event had already left processing.
func (r *Repository) CompleteWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", event.ID, models.StatusProcessing).
		Updates(map[string]any{
			"status":                  event.Status,
			"is_compliance_violation": event.IsComplianceViolation,
			"processing_error":        event.ProcessingError,
			"trade_id":                event.TradeID,
			"processed_at":            event.ProcessedAt,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkWebhookEventFailed moves a processing event to failed, leaving terminal events untouched
func (r *Repository) MarkWebhookEventFailed(ctx context.Context, id uint, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]any{
			"status":           models.StatusFailed,
			"processing_error": reason,
			"processed_at":     at.UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// WebhookEventsSince returns the user's events created at or after since, oldest first
func (r *Repository) WebhookEventsSince(ctx context.Context, userID uint, since time.Time) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

// ListWebhookEvents pages through the user's events, newest first
func (r *Repository) ListWebhookEvents(ctx context.Context, userID uint, filter EventFilter) ([]models.WebhookEvent, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	query := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("user_id = ?", userID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.WebhookEvent
	err := query.
		Order("created_at DESC, id DESC").
		Offset((filter.Page - 1) * filter.Limit).
		Limit(filter.Limit).
		Find(&events).Error
	return events, total, err
}

// CountWebhookEventsByStatus groups the user's events since a time by status
func (r *Repository) CountWebhookEventsByStatus(ctx context.Context, userID uint, since time.Time) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Select("status, COUNT(*) AS count").
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Group("status").
		Order("status ASC").
		Scan(&rows).Error
	return rows, err
}

// TopSymbols returns the most frequent symbols since a time
func (r *Repository) TopSymbols(ctx context.Context, userID uint, since time.Time, limit int) ([]SymbolCount, error) {
	var rows []SymbolCount
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Select("symbol, COUNT(*) AS count").
		Where("user_id = ? AND created_at >= ? AND symbol <> ''", userID, since.UTC()).
		Group("symbol").
		Order("count DESC, symbol ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

// TopErrors returns the most frequent processing errors since a time
func (r *Repository) TopErrors(ctx context.Context, userID uint, since time.Time, limit int) ([]ErrorCount, error) {
	var rows []ErrorCount
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Select("processing_error AS error, COUNT(*) AS count").
		Where("user_id = ? AND created_at >= ? AND processing_error <> ''", userID, since.UTC()).
		Group("processing_error").
		Order("count DESC, error ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

// CountTimeoutFailures counts failed events whose error mentions a timeout
func (r *Repository) CountTimeoutFailures(ctx context.Context, userID uint, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("user_id = ? AND created_at >= ? AND status = ? AND LOWER(processing_error) LIKE ?",
			userID, since.UTC(), models.StatusFailed, "%timeout%").
		Count(&count).Error
	return count, err
}

// PruneWebhookEvents deletes the user's events created before cutoff together with
// their compliance checks, always keeping the keepRecent newest events. Trades
// and alerts of pruned events are kept with their event reference cleared.
func (r *Repository) PruneWebhookEvents(ctx context.Context, userID uint, cutoff time.Time, keepRecent int) (int64, error) {
	var deleted int64
	err := r.Transaction(ctx, func(tx *Repository) error {
		var keep []uint
		if keepRecent > 0 {
			if err := tx.db.WithContext(ctx).
				Model(&models.WebhookEvent{}).
				Where("user_id = ?", userID).
				Order("created_at DESC, id DESC").
				Limit(keepRecent).
				Pluck("id", &keep).Error; err != nil {
				return err
			}
		}

		query := tx.db.WithContext(ctx).
			Model(&models.WebhookEvent{}).
			Where("user_id = ? AND created_at < ?", userID, cutoff.UTC())
		if len(keep) > 0 {
			query = query.Where("id NOT IN ?", keep)
		}

		var ids []uint
		if err := query.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.db.WithContext(ctx).
			Where("webhook_event_id IN ?", ids).
			Delete(&models.ComplianceCheck{}).Error; err != nil {
			return err
		}
		// Trades and alerts outlive their events
		for _, model := range []any{&models.Trade{}, &models.Alert{}} {
			if err := tx.db.WithContext(ctx).
				Model(model).
				Where("webhook_event_id IN ?", ids).
				Update("webhook_event_id", nil).Error; err != nil {
				return err
			}
		}
		res := tx.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.WebhookEvent{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
