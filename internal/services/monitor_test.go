package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Cyvadra/tv-compliance/internal/config"
	"github.com/Cyvadra/tv-compliance/internal/models"
	"github.com/Cyvadra/tv-compliance/internal/repository"
)

func TestMonitorRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	idle, _ := f.createOwner(t, "idle@example.com")
	busy, _ := f.createOwner(t, "busy@example.com")
	for i := 0; i < 5; i++ {
		f.createEvent(t, busy, models.StatusProcessed, time.Duration(100+i)*24*time.Hour, time.Second)
	}
	f.createEvent(t, busy, models.StatusProcessed, time.Hour, time.Second)

	// Inactive users are not monitored
	dormant := &models.User{Name: "dormant", Email: "dormant@example.com", WebhookToken: "dormant"}
	require.NoError(t, f.repo.SaveUser(ctx, dormant))
	require.NoError(t, f.repo.DB().Model(dormant).Update("is_active", false).Error)

	f.dispatcher.On("SendNotification", mock.Anything, mock.MatchedBy(func(req NotificationRequest) bool {
		return req.UserID == idle.ID && req.Type == NotificationHealth
	})).Return(nil).Once()

	monitor := NewMonitor(f.repo, f.health, config.MonitorConfig{Interval: time.Hour, RetentionDays: 90, KeepRecent: 2}, zerolog.Nop())
	monitor.now = clock

	run := monitor.RunOnce(ctx)
	assert.Equal(t, MonitorRun{Users: 2, Unhealthy: 1, Pruned: 4}, run)
	f.dispatcher.AssertExpectations(t)

	_, total, err := f.repo.ListWebhookEvents(ctx, busy.ID, repository.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestMonitorStartStop(t *testing.T) {
	f := newFixture(t)
	user, _ := f.createOwner(t, "loop@example.com")

	done := make(chan struct{})
	f.dispatcher.On("SendNotification", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(done) }).
		Return(nil).Once()

	monitor := NewMonitor(f.repo, f.health, config.MonitorConfig{Interval: time.Hour}, zerolog.Nop())
	monitor.now = clock
	monitor.Start(context.Background())

	// The first pass runs immediately
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not run")
	}
	monitor.Stop()

	var alerts []models.Alert
	require.NoError(t, f.repo.DB().Where("user_id = ?", user.ID).Find(&alerts).Error)
	assert.Len(t, alerts, 1)
}
