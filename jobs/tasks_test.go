package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/allocation/store"
	"github.com/warp/allocation-engine/jobs"
	"github.com/warp/allocation-engine/metrics"
)

func newTestService(t *testing.T) (*allocation.Service, *store.TxMemory, allocation.ScheduleID) {
	mem := store.NewTxMemory()
	svc := allocation.NewService(mem)
	end := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	id, _, err := svc.Create(context.Background(), "sch-1", allocation.ScheduleTerms{
		TotalAmountReporting: decimal.NewFromInt(12000),
		TotalAmountLocal:     decimal.NewFromInt(11000),
		ReportingCurrency:    "USD",
		LocalCurrency:        "EUR",
		StartDate:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:              &end,
		Recognition:          allocation.Recognition{Method: allocation.MethodStraightLine},
	}, "test")
	require.NoError(t, err)
	return svc, mem, id
}

func TestNewVerifyTask(t *testing.T) {
	task, err := jobs.NewVerifyTask(jobs.VerifyPayload{ScheduleID: "sch-1"})
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskVerifyProjection, task.Type())
	assert.JSONEq(t, `{"schedule_id":"sch-1"}`, string(task.Payload()))

	_, err = jobs.NewVerifyTask(jobs.VerifyPayload{})
	assert.Error(t, err)
}

func TestVerifyHandler_RepairsDivergedProjection(t *testing.T) {
	// GIVEN: A schedule whose stored projection was tampered with
	svc, mem, id := newTestService(t)
	ctx := context.Background()
	stored, err := mem.LoadProjection(ctx, id)
	require.NoError(t, err)
	stored.Lines[3].AmountReporting = decimal.NewFromInt(1)
	require.NoError(t, mem.SaveProjection(ctx, stored))

	reg := prometheus.NewRegistry()
	handler := jobs.NewVerifyHandler(svc, nil, metrics.NewMetrics(reg))
	task, err := jobs.NewVerifyTask(jobs.VerifyPayload{ScheduleID: id})
	require.NoError(t, err)

	// WHEN: The verify task runs
	require.NoError(t, handler.ProcessTask(ctx, task))

	// THEN: The stored projection equals the rebuild again
	repaired, err := mem.LoadProjection(ctx, id)
	require.NoError(t, err)
	rebuilt, err := svc.Projection(ctx, id)
	require.NoError(t, err)
	assert.True(t, allocation.EqualProjections(rebuilt, repaired.Lines))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "allocation_jobs_total"))
}

func TestVerifyHandler_BadPayload_SkipsRetry(t *testing.T) {
	svc, _, _ := newTestService(t)
	handler := jobs.NewVerifyHandler(svc, nil, nil)

	err := handler.ProcessTask(context.Background(), asynq.NewTask(jobs.TaskVerifyProjection, []byte("not json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestVerifyHandler_UnknownSchedule_SkipsRetry(t *testing.T) {
	svc, _, _ := newTestService(t)
	handler := jobs.NewVerifyHandler(svc, nil, nil)
	task, err := jobs.NewVerifyTask(jobs.VerifyPayload{ScheduleID: "missing"})
	require.NoError(t, err)

	err = handler.ProcessTask(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestNewWorker_RequiresVerifyHandler(t *testing.T) {
	_, err := jobs.NewWorker(jobs.WorkerConfig{})
	assert.Error(t, err)
}
