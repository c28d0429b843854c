package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cyvadra/tv-compliance/internal/models"
)

func TestGetCompliance(t *testing.T) {
	s := newTestServer(t, nil)
	s.createOwner(t, "kim",
		models.ComplianceRule{Name: "daily-loss", Type: models.RuleDailyLoss, Threshold: 500},
		models.ComplianceRule{Name: "size", Type: models.RulePositionSize, Threshold: 10},
	)

	w := s.do(http.MethodGet, "/api/v1/users/kim/compliance", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)

	rules, ok := body["rules"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, rules, 2)
	assert.Contains(t, rules, "daily_loss")
	assert.Len(t, body["accounts"], 1)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/users/nobody/compliance", "").Code)
}

func TestGetNotifications(t *testing.T) {
	s := newTestServer(t, nil)
	user := s.createOwner(t, "lee")
	for _, title := range []string{"first", "second"} {
		require.NoError(t, s.repo.CreateNotification(context.Background(), &models.Notification{
			UserID:   user.ID,
			Type:     "trade_executed",
			Title:    title,
			Severity: models.SeverityLow,
		}))
	}

	w := s.do(http.MethodGet, "/api/v1/users/lee/notifications?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	notifications, ok := decodeBody(t, w)["notifications"].([]any)
	require.True(t, ok)
	require.Len(t, notifications, 1)
	assert.Equal(t, "second", notifications[0].(map[string]any)["title"])
}
