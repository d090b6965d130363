package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/metrics"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskVerifyProjection rebuilds one schedule and compares it with its
	// stored projection.
	TaskVerifyProjection = "allocation:verify"
)

// VerifyPayload names the schedule to verify.
type VerifyPayload struct {
	ScheduleID allocation.ScheduleID `json:"schedule_id"`
}

// NewVerifyTask constructs an Asynq task.
func NewVerifyTask(payload VerifyPayload) (*asynq.Task, error) {
	if payload.ScheduleID == "" {
		return nil, errors.New("jobs: schedule id required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVerifyProjection, data), nil
}

// Verifier is the part of allocation.Service the verify job needs.
type Verifier interface {
	Verify(ctx context.Context, id allocation.ScheduleID) (allocation.VerifyResult, error)
}

// VerifyHandler processes TaskVerifyProjection tasks.
type VerifyHandler struct {
	verifier Verifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewVerifyHandler builds the handler. m may be nil.
func NewVerifyHandler(v Verifier, logger *slog.Logger, m *metrics.Metrics) *VerifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerifyHandler{verifier: v, logger: logger, metrics: m}
}

// ProcessTask implements asynq.Handler.
func (h *VerifyHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload VerifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ScheduleID == "" {
		h.logger.Warn("verify task with bad payload", slog.String("payload", string(t.Payload())))
		return fmt.Errorf("decode verify payload: %w", asynq.SkipRetry)
	}

	tracker := h.metrics.Track("verify_projection")
	res, err := h.verifier.Verify(ctx, payload.ScheduleID)
	if err != nil {
		tracker.End(err)
		if allocation.IsNotFound(err) {
			h.logger.Warn("verify task for unknown schedule", slog.String("schedule_id", string(payload.ScheduleID)))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		h.logger.Error("verify projection failed",
			slog.String("schedule_id", string(payload.ScheduleID)),
			slog.Any("error", err))
		return err
	}
	tracker.End(nil)

	h.logger.Info("projection verified",
		slog.String("job", TaskVerifyProjection),
		slog.String("schedule_id", string(res.ScheduleID)),
		slog.Int64("through", int64(res.Through)),
		slog.Bool("match", res.Match),
		slog.Bool("repaired", res.Repaired))
	return nil
}
