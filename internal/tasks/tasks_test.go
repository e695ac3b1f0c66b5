package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deal_notifier/internal/ingest"
	"deal_notifier/internal/trigger"
)

type fakeIngester struct {
	calls int
	err   error
}

func (f *fakeIngester) RunOnce(context.Context) (ingest.Stats, error) {
	f.calls++
	return ingest.Stats{Entries: 1}, f.err
}

type fakePasser struct {
	claims []int
	calls  int
	err    error
}

func (f *fakePasser) RunPass(context.Context) (trigger.PassResult, error) {
	if f.err != nil {
		return trigger.PassResult{}, f.err
	}
	res := trigger.PassResult{}
	if f.calls < len(f.claims) {
		res.Claimed = f.claims[f.calls]
	}
	f.calls++
	return res, nil
}

type fakePurger struct {
	calls int
}

func (f *fakePurger) RunOnce(context.Context) (int64, error) {
	f.calls++
	return 0, nil
}

func newTestHandler() (*Handler, *fakeIngester, *fakePasser, *fakePurger) {
	ing, pass, purge := &fakeIngester{}, &fakePasser{}, &fakePurger{}
	return NewHandler(ing, pass, purge, slog.New(slog.NewTextHandler(io.Discard, nil))), ing, pass, purge
}

func TestNewTriggerPassTask(t *testing.T) {
	task, err := NewTriggerPassTask(3)
	require.NoError(t, err)
	assert.Equal(t, TypeTriggerPass, task.Type())

	var p TriggerPassPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, 3, p.MaxPasses)
}

func TestRegisterRoutesAllTypes(t *testing.T) {
	h, ing, pass, purge := newTestHandler()
	mux := asynq.NewServeMux()
	h.Register(mux)
	ctx := context.Background()

	trig, err := NewTriggerPassTask(1)
	require.NoError(t, err)

	for _, task := range []*asynq.Task{NewIngestFeedTask(), trig, NewPurgeItemsTask()} {
		require.NoError(t, mux.ProcessTask(ctx, task), task.Type())
	}
	assert.Equal(t, 1, ing.calls)
	assert.Equal(t, 1, pass.calls)
	assert.Equal(t, 1, purge.calls)
}

func TestHandleTriggerPassDrainsBacklog(t *testing.T) {
	tests := []struct {
		name      string
		claims    []int
		maxPasses int
		wantCalls int
	}{
		{name: "stops at empty pass", claims: []int{10, 10, 3, 0}, maxPasses: 10, wantCalls: 4},
		{name: "stops at cap", claims: []int{10, 10, 10, 10}, maxPasses: 2, wantCalls: 2},
		{name: "zero cap runs once", claims: []int{10}, maxPasses: 0, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, pass, _ := newTestHandler()
			pass.claims = tt.claims

			task, err := NewTriggerPassTask(tt.maxPasses)
			require.NoError(t, err)
			require.NoError(t, h.HandleTriggerPass(context.Background(), task))
			assert.Equal(t, tt.wantCalls, pass.calls)
		})
	}
}

func TestHandleTriggerPassDefaultPayload(t *testing.T) {
	h, _, pass, _ := newTestHandler()
	pass.claims = []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}

	require.NoError(t, h.HandleTriggerPass(context.Background(), asynq.NewTask(TypeTriggerPass, nil)))
	assert.Equal(t, DefaultMaxPasses, pass.calls)
}

func TestHandleTriggerPassBadPayload(t *testing.T) {
	h, _, pass, _ := newTestHandler()

	err := h.HandleTriggerPass(context.Background(), asynq.NewTask(TypeTriggerPass, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, pass.calls)
}

func TestHandlerErrorsAreRetried(t *testing.T) {
	h, ing, pass, _ := newTestHandler()
	ing.err = errors.New("feed unavailable")
	pass.err = errors.New("database is locked")
	ctx := context.Background()

	err := h.HandleIngestFeed(ctx, NewIngestFeedTask())
	assert.ErrorIs(t, err, ing.err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	trig, err := NewTriggerPassTask(1)
	require.NoError(t, err)
	assert.ErrorIs(t, h.HandleTriggerPass(ctx, trig), pass.err)
}
