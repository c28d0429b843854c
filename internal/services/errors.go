package services

import (
	"errors"
	"fmt"
)

// Webhook owner resolution errors
var (
	ErrUserNotFound         = errors.New("webhook owner not found")
	ErrSubscriptionRequired = errors.New("active subscription required")
	ErrNoTradingAccount     = errors.New("no active trading account")
)

// ErrInvalidStatus rejects an unknown webhook status filter
var ErrInvalidStatus = errors.New("unknown webhook status")

// Stage names the step of the webhook pipeline an error came from
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageParse    Stage = "parse"
	StageRecord   Stage = "record"
	StageEvaluate Stage = "evaluate"
	StagePersist  Stage = "persist"
	StageInternal Stage = "internal"
)

// PipelineError represents a failure of one webhook pipeline stage
type PipelineError struct {
	Stage          Stage `json:"stage"`
	WebhookEventID uint  `json:"webhook_event_id,omitempty"`
	Err            error `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.WebhookEventID != 0 {
		return fmt.Sprintf("webhook %s stage failed for event %d: %v", e.Stage, e.WebhookEventID, e.Err)
	}
	return fmt.Sprintf("webhook %s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, eventID uint, err error) *PipelineError {
	return &PipelineError{Stage: stage, WebhookEventID: eventID, Err: err}
}

// ErrorStage returns the stage of a pipeline error, or "" for other errors
func ErrorStage(err error) Stage {
	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Stage
	}
	return ""
}

// IsAudited reports whether the failure happened after the webhook event was recorded
func IsAudited(err error) bool {
	var pipelineErr *PipelineError
	return errors.As(err, &pipelineErr) && pipelineErr.WebhookEventID != 0
}
