package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data"
	domainjob "github.com/prospectly/courier/internal/domain/job"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/domain/retry"
)

type fakeJobRepo struct {
	enqueueFn   func(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error)
	getByIDFn   func(ctx context.Context, id string) (*model.Job, error)
	reserveFn   func(ctx context.Context, params core.ReserveParams) (*model.Job, error)
	heartbeatFn func(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	completeFn  func(ctx context.Context, id string) (bool, error)
	failFn      func(ctx context.Context, params core.FailParams) (model.JobState, error)
	statsFn     func(ctx context.Context, queue model.Queue) (*model.QueueStats, error)
	waitFn      func(ctx context.Context, queue model.Queue) error
}

func (f *fakeJobRepo) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	return f.enqueueFn(ctx, req)
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return f.getByIDFn(ctx, id)
}

func (f *fakeJobRepo) ReserveNext(ctx context.Context, params core.ReserveParams) (*model.Job, error) {
	return f.reserveFn(ctx, params)
}

func (f *fakeJobRepo) WaitForNotification(ctx context.Context, queue model.Queue) error {
	if f.waitFn == nil {
		return nil
	}
	return f.waitFn(ctx, queue)
}

func (f *fakeJobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	return f.heartbeatFn(ctx, jobID, leaseSeconds)
}

func (f *fakeJobRepo) Complete(ctx context.Context, id string) (bool, error) {
	return f.completeFn(ctx, id)
}

func (f *fakeJobRepo) Fail(ctx context.Context, params core.FailParams) (model.JobState, error) {
	return f.failFn(ctx, params)
}

func (f *fakeJobRepo) Stats(ctx context.Context, queue model.Queue) (*model.QueueStats, error) {
	return f.statsFn(ctx, queue)
}

var _ core.JobRepository = (*fakeJobRepo)(nil)

type stubNotifier struct {
	subscribeCalls []model.Queue
	stopCalled     bool
}

func (s *stubNotifier) Subscribe(queue model.Queue) (func(), <-chan struct{}) {
	s.subscribeCalls = append(s.subscribeCalls, queue)
	ch := make(chan struct{})
	return func() { close(ch) }, ch
}

func (s *stubNotifier) StopAll() { s.stopCalled = true }

var _ domainjob.Notifier = (*stubNotifier)(nil)

func newTestJobService(t *testing.T, repo core.JobRepository) (*JobService, *stubNotifier) {
	t.Helper()
	notifier := &stubNotifier{}
	svc := MustNewJobService(JobServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Notifier:     notifier,
	})
	return svc, notifier
}

func dmPayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(model.DirectMessagePayload{
		Provider: "twilio",
		LeadID:   "5c9d3c3e-8cf5-4f43-8c0f-7f5be1a6d001",
		Body:     "hi",
	})
	require.NoError(t, err)
	return raw
}

func TestNewJobService(t *testing.T) {
	t.Run("missing repo", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{DefaultLease: 30 * time.Second})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("invalid default lease", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{
			Repo:     &fakeJobRepo{},
			Notifier: &stubNotifier{},
		})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "DefaultLease must be positive")
	})

	t.Run("success", func(t *testing.T) {
		repo := &fakeJobRepo{}
		svc, err := NewJobService(JobServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Notifier:     &stubNotifier{},
		})
		require.NoError(t, err)
		require.NotNil(t, svc)
		assert.Equal(t, 30*time.Second, svc.leasePolicy.Default())
	})
}

func TestJobServiceEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("valid direct message", func(t *testing.T) {
		var got *model.EnqueueRequest
		repo := &fakeJobRepo{
			enqueueFn: func(_ context.Context, req *model.EnqueueRequest) (*model.Job, error) {
				got = req
				return &model.Job{ID: "job-1", Queue: req.Queue, State: model.JobStateWaiting}, nil
			},
		}
		svc, _ := newTestJobService(t, repo)

		job, err := svc.Enqueue(ctx, &model.EnqueueRequest{
			Queue:   model.QueueDirectMessage,
			Payload: dmPayload(t),
		})
		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)
		require.NotNil(t, got)
		assert.Equal(t, model.QueueDirectMessage, got.Queue)
	})

	t.Run("nil request", func(t *testing.T) {
		svc, _ := newTestJobService(t, &fakeJobRepo{})
		job, err := svc.Enqueue(ctx, nil)
		require.Error(t, err)
		assert.Nil(t, job)
	})

	t.Run("unknown queue", func(t *testing.T) {
		svc, _ := newTestJobService(t, &fakeJobRepo{})
		_, err := svc.Enqueue(ctx, &model.EnqueueRequest{
			Queue:   model.Queue("push"),
			Payload: dmPayload(t),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid queue")
	})

	t.Run("payload missing required field", func(t *testing.T) {
		svc, _ := newTestJobService(t, &fakeJobRepo{})
		_, err := svc.Enqueue(ctx, &model.EnqueueRequest{
			Queue:   model.QueueTransactionalEmail,
			Payload: json.RawMessage(`{"provider":"sendgrid","to":"a@b.co"}`),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subject is required")
	})

	t.Run("campaign needs recipients", func(t *testing.T) {
		svc, _ := newTestJobService(t, &fakeJobRepo{})
		_, err := svc.Enqueue(ctx, &model.EnqueueRequest{
			Queue:   model.QueueBulkCampaign,
			Payload: json.RawMessage(`{"campaign_id":"c1","provider":"sendgrid","recipients":[],"body":"hi"}`),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "recipients is required")
	})

	t.Run("connection failure maps to queue unavailable", func(t *testing.T) {
		repo := &fakeJobRepo{
			enqueueFn: func(context.Context, *model.EnqueueRequest) (*model.Job, error) {
				return nil, &pgconn.PgError{Code: "57P03"} // cannot_connect_now
			},
		}
		svc, _ := newTestJobService(t, repo)

		_, err := svc.Enqueue(ctx, &model.EnqueueRequest{
			Queue:   model.QueueDirectMessage,
			Payload: dmPayload(t),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, data.ErrQueueUnavailable)
	})
}

func TestJobServiceReserveNext(t *testing.T) {
	ctx := context.Background()

	t.Run("passes lease seconds and max active", func(t *testing.T) {
		var got core.ReserveParams
		repo := &fakeJobRepo{
			reserveFn: func(_ context.Context, params core.ReserveParams) (*model.Job, error) {
				got = params
				return &model.Job{ID: "job-1"}, nil
			},
		}
		svc, _ := newTestJobService(t, repo)

		job, err := svc.ReserveNext(ctx, core.ReserveParams{
			Queue:     model.QueueDirectMessage,
			MaxActive: 4,
		}, 45*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)
		assert.Equal(t, 45, got.LeaseSeconds)
		assert.Equal(t, 4, got.MaxActive)
	})

	t.Run("clamps sub-second lease", func(t *testing.T) {
		var got core.ReserveParams
		repo := &fakeJobRepo{
			reserveFn: func(_ context.Context, params core.ReserveParams) (*model.Job, error) {
				got = params
				return &model.Job{ID: "job-1"}, nil
			},
		}
		svc, _ := newTestJobService(t, repo)

		_, err := svc.ReserveNext(ctx, core.ReserveParams{Queue: model.QueueDirectMessage}, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, got.LeaseSeconds)
	})

	t.Run("no jobs available passes through", func(t *testing.T) {
		repo := &fakeJobRepo{
			reserveFn: func(context.Context, core.ReserveParams) (*model.Job, error) {
				return nil, model.ErrNoJobsAvailable
			},
		}
		svc, _ := newTestJobService(t, repo)

		_, err := svc.ReserveNext(ctx, core.ReserveParams{Queue: model.QueueDirectMessage}, time.Minute)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobServiceFail(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure schedules retry with backoff", func(t *testing.T) {
		var got core.FailParams
		repo := &fakeJobRepo{
			failFn: func(_ context.Context, params core.FailParams) (model.JobState, error) {
				got = params
				return model.JobStateRetrying, nil
			},
		}
		svc, _ := newTestJobService(t, repo)

		job := &model.Job{ID: "job-1", Queue: model.QueueDirectMessage, Attempts: 2, MaxAttempts: 5}
		state, err := svc.Fail(ctx, job, errors.New("provider timeout"))
		require.NoError(t, err)
		assert.Equal(t, model.JobStateRetrying, state)
		assert.False(t, got.Permanent)
		assert.Positive(t, got.RetryDelay)
	})

	t.Run("permanent failure dead-letters", func(t *testing.T) {
		var got core.FailParams
		repo := &fakeJobRepo{
			failFn: func(_ context.Context, params core.FailParams) (model.JobState, error) {
				got = params
				return model.JobStateDead, nil
			},
		}
		svc, _ := newTestJobService(t, repo)

		job := &model.Job{ID: "job-1", Queue: model.QueueDirectMessage}
		state, err := svc.Fail(ctx, job, retry.Permanent(errors.New("unknown recipient")))
		require.NoError(t, err)
		assert.Equal(t, model.JobStateDead, state)
		assert.True(t, got.Permanent)
	})

	t.Run("uses per-queue backoff policy", func(t *testing.T) {
		var got core.FailParams
		repo := &fakeJobRepo{
			failFn: func(_ context.Context, params core.FailParams) (model.JobState, error) {
				got = params
				return model.JobStateRetrying, nil
			},
		}
		notifier := &stubNotifier{}
		svc := MustNewJobService(JobServiceOptions{
			Repo:         repo,
			DefaultLease: 30 * time.Second,
			Notifier:     notifier,
			RetryPolicies: map[model.Queue]retry.Policy{
				model.QueueBulkCampaign: {
					MaxAttempts:  3,
					InitialDelay: 10 * time.Second,
					MaxDelay:     time.Minute,
					Jitter:       false,
				},
			},
		})

		// A claimed job always carries at least one attempt.
		job := &model.Job{ID: "job-1", Queue: model.QueueBulkCampaign, Attempts: 1}
		_, err := svc.Fail(ctx, job, errors.New("throttled"))
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, got.RetryDelay)
	})

	t.Run("nil job", func(t *testing.T) {
		svc, _ := newTestJobService(t, &fakeJobRepo{})
		_, err := svc.Fail(ctx, nil, errors.New("boom"))
		require.Error(t, err)
	})

	t.Run("nil error", func(t *testing.T) {
		svc, _ := newTestJobService(t, &fakeJobRepo{})
		_, err := svc.Fail(ctx, &model.Job{ID: "job-1"}, nil)
		require.Error(t, err)
	})
}

func TestJobServiceHeartbeat(t *testing.T) {
	ctx := context.Background()

	var gotSeconds int
	repo := &fakeJobRepo{
		heartbeatFn: func(_ context.Context, _ string, leaseSeconds int) (bool, error) {
			gotSeconds = leaseSeconds
			return true, nil
		},
	}
	svc, _ := newTestJobService(t, repo)

	extended, err := svc.Heartbeat(ctx, "job-1", 20*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, 20, gotSeconds)
}

func TestJobServiceComplete(t *testing.T) {
	ctx := context.Background()

	repo := &fakeJobRepo{
		completeFn: func(_ context.Context, id string) (bool, error) {
			return id == "job-1", nil
		},
	}
	svc, _ := newTestJobService(t, repo)

	completed, err := svc.Complete(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, completed)

	completed, err = svc.Complete(ctx, "job-2")
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestJobServiceGetStatus(t *testing.T) {
	ctx := context.Background()

	lastErr := "provider returned status 500"
	repo := &fakeJobRepo{
		getByIDFn: func(_ context.Context, id string) (*model.Job, error) {
			return &model.Job{
				ID:          id,
				Queue:       model.QueueTransactionalEmail,
				State:       model.JobStateRetrying,
				Attempts:    2,
				MaxAttempts: 5,
				LastError:   &lastErr,
			}, nil
		},
	}
	svc, _ := newTestJobService(t, repo)

	status, err := svc.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.QueueTransactionalEmail, status.Queue)
	assert.Equal(t, model.JobStateRetrying, status.State)
	assert.Equal(t, 2, status.Attempts)
	require.NotNil(t, status.LastError)
	assert.Equal(t, lastErr, *status.LastError)
}

func TestJobServiceStopAllListeners(t *testing.T) {
	svc, notifier := newTestJobService(t, &fakeJobRepo{})
	svc.StopAllListeners()
	assert.True(t, notifier.stopCalled)
}
