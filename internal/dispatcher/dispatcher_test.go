package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ras0q/traq-scheduled-send/internal/filter"
	"github.com/ras0q/traq-scheduled-send/internal/platform"
	"github.com/ras0q/traq-scheduled-send/internal/repository"
	"github.com/ras0q/traq-scheduled-send/internal/retry"
	"github.com/ras0q/traq-scheduled-send/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendCall struct {
	Channel, Text, Token string
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []sendCall
	errFor map[string]error // by channel
	onSend func(call sendCall)
}

func (f *fakeSender) Send(_ context.Context, channel, text, token string) (platform.SendResult, error) {
	call := sendCall{channel, text, token}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	onSend := f.onSend
	err := f.errFor[channel]
	f.mu.Unlock()

	if onSend != nil {
		onSend(call)
	}
	if err != nil {
		return platform.SendResult{}, err
	}
	return platform.SendResult{Channel: channel, Timestamp: "1"}, nil
}

func (f *fakeSender) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type fakeResolver struct {
	mu     sync.Mutex
	tokens map[string]string
	errFor map[string]error // by user id
	calls  int
}

func (f *fakeResolver) Resolve(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errFor[userID]; err != nil {
		return "", err
	}
	tok, ok := f.tokens[userID]
	if !ok {
		return "", token.ErrUnauthenticated
	}
	return tok, nil
}

func newQueue(t *testing.T) *repository.Queue {
	t.Helper()
	store, err := repository.Open(context.Background(), &repository.FileBackend{Path: filepath.Join(t.TempDir(), "db.json")}, nil)
	require.NoError(t, err)
	return store.Queue()
}

func TestTick_DueMessageIsSentOnceAndRemoved(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)
	sender := &fakeSender{}

	d := &Dispatcher{
		Queue:  queue,
		Tokens: &fakeResolver{tokens: map[string]string{"U1": "TOKEN-U1"}},
		Sender: sender,
		Now:    func() time.Time { return now },
	}

	msg, err := queue.Schedule(ctx, "C1", "hi", now.Add(-1000*time.Millisecond), "U1")
	require.NoError(t, err)

	report := d.Tick(ctx)
	assert.Equal(t, Report{Due: 1, Sent: 1}, report)
	assert.Equal(t, []sendCall{{"C1", "hi", "TOKEN-U1"}}, sender.Calls())

	_, ok := queue.Get(msg.ID)
	assert.False(t, ok)

	report = d.Tick(ctx)
	assert.Equal(t, Report{}, report)
	assert.Len(t, sender.Calls(), 1)
}

func TestTick_RemovesEveryDueEntryRegardlessOfOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)
	sender := &fakeSender{errFor: map[string]error{
		"C-fail": &platform.SendError{Category: platform.ChannelNotFound, Code: "channel_not_found", Err: errors.New("404")},
	}}

	d := &Dispatcher{
		Queue:  queue,
		Tokens: &fakeResolver{tokens: map[string]string{"U1": "T1", "U3": "T3"}},
		Sender: sender,
		Now:    func() time.Time { return now },
	}

	_, err := queue.Schedule(ctx, "C-fail", "a", now.Add(-time.Hour), "U1")
	require.NoError(t, err)
	_, err = queue.Schedule(ctx, "C2", "b", now.Add(-time.Minute), "U2") // no credential
	require.NoError(t, err)
	_, err = queue.Schedule(ctx, "C3", "c", now, "U3")
	require.NoError(t, err)
	future, err := queue.Schedule(ctx, "C4", "d", now.Add(time.Minute), "U3")
	require.NoError(t, err)

	report := d.Tick(ctx)
	assert.Equal(t, Report{Due: 3, Sent: 1, Skipped: 1, Failed: 1}, report)
	assert.Equal(t, []sendCall{{"C-fail", "a", "T1"}, {"C3", "c", "T3"}}, sender.Calls())

	assert.Equal(t, []repository.ScheduledMessage{future}, queue.Due(now.Add(time.Hour)))
}

func TestTick_SendRetryPolicy(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)
	sender := &fakeSender{errFor: map[string]error{
		"C1": &platform.SendError{Category: platform.Other, Code: "ratelimited", Err: errors.New("429")},
		"C2": &platform.SendError{Category: platform.InvalidAuth, Code: "invalid_auth", Err: errors.New("401")},
	}}

	d := &Dispatcher{
		Queue:  queue,
		Tokens: &fakeResolver{tokens: map[string]string{"U1": "T1"}},
		Sender: sender,
		RetryPolicy: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Retryable:       platform.Retryable,
		},
		Now: func() time.Time { return now },
	}

	_, err := queue.Schedule(ctx, "C1", "a", now, "U1")
	require.NoError(t, err)
	_, err = queue.Schedule(ctx, "C2", "b", now, "U1")
	require.NoError(t, err)

	report := d.Tick(ctx)
	assert.Equal(t, Report{Due: 2, Failed: 2}, report)

	calls := map[string]int{}
	for _, c := range sender.Calls() {
		calls[c.Channel]++
	}
	assert.Equal(t, map[string]int{"C1": 3, "C2": 1}, calls)
}

// cancelAfterSnapshot cancels one entry after Due has taken its snapshot,
// the way a concurrent cancel request lands in the middle of a tick.
type cancelAfterSnapshot struct {
	*repository.Queue
	cancelID string
}

func (q *cancelAfterSnapshot) Due(now time.Time) []repository.ScheduledMessage {
	due := q.Queue.Due(now)
	if err := q.Queue.Cancel(context.Background(), q.cancelID); err != nil {
		panic(err)
	}
	return due
}

func TestTick_CancelCommittedBeforeClaimWins(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)
	sender := &fakeSender{}

	canceled, err := queue.Schedule(ctx, "C1", "canceled", now, "U1")
	require.NoError(t, err)
	_, err = queue.Schedule(ctx, "C2", "kept", now, "U1")
	require.NoError(t, err)

	d := &Dispatcher{
		Queue:  &cancelAfterSnapshot{Queue: queue, cancelID: canceled.ID},
		Tokens: &fakeResolver{tokens: map[string]string{"U1": "T1"}},
		Sender: sender,
		Now:    func() time.Time { return now },
	}

	report := d.Tick(ctx)
	assert.Equal(t, Report{Due: 2, Sent: 1, Canceled: 1}, report)
	assert.Equal(t, []sendCall{{"C2", "kept", "T1"}}, sender.Calls())
	assert.Equal(t, 0, queue.Len())
}

func TestTick_ClaimCommittedBeforeCancelWins(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)

	msg, err := queue.Schedule(ctx, "C1", "hi", now, "U1")
	require.NoError(t, err)

	sender := &fakeSender{}
	sender.onSend = func(sendCall) {
		// the cancel arrives while the send is in flight
		assert.NoError(t, queue.Cancel(ctx, msg.ID))
	}

	d := &Dispatcher{
		Queue:  queue,
		Tokens: &fakeResolver{tokens: map[string]string{"U1": "T1"}},
		Sender: sender,
		Now:    func() time.Time { return now },
	}

	report := d.Tick(ctx)
	assert.Equal(t, Report{Due: 1, Sent: 1}, report)
	assert.Len(t, sender.Calls(), 1)
	assert.Equal(t, 0, queue.Len())
}

func TestTick_Filter(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)
	sender := &fakeSender{}
	resolver := &fakeResolver{tokens: map[string]string{"U1": "T1"}}

	f, err := filter.Compile(`input.Message.Channel != "blocked"`)
	require.NoError(t, err)

	d := &Dispatcher{
		Queue:  queue,
		Tokens: resolver,
		Sender: sender,
		Filter: f,
		Now:    func() time.Time { return now },
	}

	_, err = queue.Schedule(ctx, "blocked", "x", now, "U1")
	require.NoError(t, err)
	_, err = queue.Schedule(ctx, "open", "y", now, "U1")
	require.NoError(t, err)

	report := d.Tick(ctx)
	assert.Equal(t, Report{Due: 2, Sent: 1, Skipped: 1}, report)
	assert.Equal(t, []sendCall{{"open", "y", "T1"}}, sender.Calls())
	assert.Equal(t, 1, resolver.calls, "filtered messages do not resolve a token")
	assert.Equal(t, 0, queue.Len())
}

func TestTick_ErrorsAreCountedApartFromSendFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)
	sender := &fakeSender{errFor: map[string]error{
		"C-down": &platform.SendError{Category: platform.Other, Code: "http_503", Err: errors.New("503")},
	}}
	resolver := &fakeResolver{
		tokens: map[string]string{"U1": "T1"},
		errFor: map[string]error{"U-store": errors.New("save document: disk full")},
	}

	// int() of a non-numeric text fails at evaluation time only
	f, err := filter.Compile(`int(input.Message.Text) > 0`)
	require.NoError(t, err)

	d := &Dispatcher{
		Queue:  queue,
		Tokens: resolver,
		Sender: sender,
		Filter: f,
		Now:    func() time.Time { return now },
	}

	_, err = queue.Schedule(ctx, "C-broken", "abc", now, "U1")
	require.NoError(t, err)
	_, err = queue.Schedule(ctx, "C-store", "1", now, "U-store")
	require.NoError(t, err)
	_, err = queue.Schedule(ctx, "C-down", "2", now, "U1")
	require.NoError(t, err)

	report := d.Tick(ctx)
	assert.Equal(t, Report{Due: 3, Failed: 1, Errors: 2}, report)
	assert.Equal(t, []sendCall{{"C-down", "2", "T1"}}, sender.Calls())
	assert.Equal(t, 0, queue.Len())
}

func TestTick_NothingDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	queue := newQueue(t)
	sender := &fakeSender{}
	resolver := &fakeResolver{}

	_, err := queue.Schedule(ctx, "C1", "later", now.Add(time.Second), "U1")
	require.NoError(t, err)

	d := &Dispatcher{Queue: queue, Tokens: resolver, Sender: sender, Now: func() time.Time { return now }}

	assert.Equal(t, Report{}, d.Tick(ctx))
	assert.Empty(t, sender.Calls())
	assert.Zero(t, resolver.calls)
	assert.Equal(t, 1, queue.Len())
}

func TestStartStop(t *testing.T) {
	d := &Dispatcher{Queue: newQueue(t), Tokens: &fakeResolver{}, Sender: &fakeSender{}}

	require.NoError(t, d.Stop(context.Background()), "stopping a dispatcher that never started")

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	bad := &Dispatcher{Schedule: "not a cron spec"}
	assert.Error(t, bad.Start())
}

func TestStop_WaitsForInFlightTick(t *testing.T) {
	ctx := context.Background()
	queue := newQueue(t)
	_, err := queue.Schedule(ctx, "C1", "hi", time.Now().Add(-time.Minute), "U1")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	sender := &fakeSender{onSend: func(sendCall) {
		close(started)
		<-release
	}}

	d := &Dispatcher{
		Queue:    queue,
		Tokens:   &fakeResolver{tokens: map[string]string{"U1": "T1"}},
		Sender:   sender,
		Schedule: "@every 1s",
	}
	require.NoError(t, d.Start())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not start")
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- d.Stop(context.Background())
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}
	assert.Len(t, sender.Calls(), 1)
}

func TestStop_DeadlineExceeded(t *testing.T) {
	ctx := context.Background()
	queue := newQueue(t)
	_, err := queue.Schedule(ctx, "C1", "hi", time.Now().Add(-time.Minute), "U1")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	sender := &fakeSender{onSend: func(sendCall) {
		close(started)
		<-release
	}}

	d := &Dispatcher{
		Queue:    queue,
		Tokens:   &fakeResolver{tokens: map[string]string{"U1": "T1"}},
		Sender:   sender,
		Schedule: "@every 1s",
	}
	require.NoError(t, d.Start())
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(stopCtx), context.DeadlineExceeded)
}
