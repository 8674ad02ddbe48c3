package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
)

func TestNewDispatcherService(t *testing.T) {
	t.Run("missing job service", func(t *testing.T) {
		_, err := NewDispatcherService(DispatcherServiceOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobService is required")
	})

	t.Run("success", func(t *testing.T) {
		jobs, _ := newTestJobService(t, &fakeJobRepo{})
		svc, err := NewDispatcherService(DispatcherServiceOptions{Jobs: jobs})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}

func TestDispatcherSubmit(t *testing.T) {
	t.Run("durable submission returns the job", func(t *testing.T) {
		repo := &fakeJobRepo{
			enqueueFn: func(_ context.Context, req *model.EnqueueRequest) (*model.Job, error) {
				return &model.Job{
					ID:       "job-1",
					Queue:    req.Queue,
					State:    model.JobStateWaiting,
					Priority: req.Priority,
					Payload:  req.Payload,
				}, nil
			},
		}
		jobs, _ := newTestJobService(t, repo)
		svc, err := NewDispatcherService(DispatcherServiceOptions{Jobs: jobs})
		require.NoError(t, err)

		job, err := svc.Submit(context.Background(), &model.EnqueueRequest{
			Queue:    model.QueueDirectMessage,
			Payload:  dmPayload(t),
			Priority: model.PriorityHigh,
		})
		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)
		assert.Equal(t, model.JobStateWaiting, job.State)
	})

	t.Run("validation failure does not reach the queue", func(t *testing.T) {
		enqueued := false
		repo := &fakeJobRepo{
			enqueueFn: func(_ context.Context, _ *model.EnqueueRequest) (*model.Job, error) {
				enqueued = true
				return nil, nil
			},
		}
		jobs, _ := newTestJobService(t, repo)
		svc, err := NewDispatcherService(DispatcherServiceOptions{Jobs: jobs})
		require.NoError(t, err)

		_, err = svc.Submit(context.Background(), &model.EnqueueRequest{
			Queue:   "push",
			Payload: dmPayload(t),
		})
		require.Error(t, err)
		assert.False(t, enqueued)
	})

	t.Run("connection failure surfaces as queue unavailable", func(t *testing.T) {
		repo := &fakeJobRepo{
			enqueueFn: func(_ context.Context, _ *model.EnqueueRequest) (*model.Job, error) {
				return nil, &pgconn.PgError{Code: "57P03"}
			},
		}
		jobs, _ := newTestJobService(t, repo)
		svc, err := NewDispatcherService(DispatcherServiceOptions{Jobs: jobs})
		require.NoError(t, err)

		_, err = svc.Submit(context.Background(), &model.EnqueueRequest{
			Queue:   model.QueueDirectMessage,
			Payload: dmPayload(t),
		})
		assert.ErrorIs(t, err, data.ErrQueueUnavailable)
	})
}

// Dispatcher accepts every delivery channel without channel-specific wiring.
func TestDispatcherSubmitAllQueues(t *testing.T) {
	repo := &fakeJobRepo{
		enqueueFn: func(_ context.Context, req *model.EnqueueRequest) (*model.Job, error) {
			return &model.Job{ID: "job", Queue: req.Queue, State: model.JobStateWaiting}, nil
		},
	}
	jobs, _ := newTestJobService(t, repo)
	svc, err := NewDispatcherService(DispatcherServiceOptions{Jobs: jobs})
	require.NoError(t, err)

	payloads := map[model.Queue]any{
		model.QueueDirectMessage: model.DirectMessagePayload{
			Provider: "linkedin", LeadID: "l1", Body: "hi",
		},
		model.QueueTransactionalEmail: model.EmailPayload{
			Provider: "sendgrid", To: "a@example.com", Subject: "Welcome", Body: "hi",
		},
		model.QueueBulkCampaign: model.CampaignPayload{
			CampaignID: "c1", Provider: "sendgrid", Recipients: []string{"a@example.com"}, Body: "launch",
		},
	}

	for queue, payload := range payloads {
		t.Run(string(queue), func(t *testing.T) {
			raw, err := json.Marshal(payload)
			require.NoError(t, err)

			job, err := svc.Submit(context.Background(), &model.EnqueueRequest{
				Queue:   queue,
				Payload: raw,
			})
			require.NoError(t, err)
			assert.Equal(t, queue, job.Queue)
		})
	}
}
