package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowLog delays reads so that earlier positions finish last.
type slowLog struct {
	eventlog.Log
	failAt int
	gets   atomic.Int32
}

func (l *slowLog) Get(ctx context.Context, index int) ([]byte, error) {
	l.gets.Add(1)
	if index > 0 && index == l.failAt {
		return nil, errors.New("backend unavailable")
	}
	n, _ := l.Log.Len(ctx)
	select {
	case <-time.After(time.Duration(n-index) * 5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.Log.Get(ctx, index)
}

func newLog(t *testing.T, events ...event.ChangeEvent) *eventlog.MemLog {
	t.Helper()
	ctx := context.Background()
	l := eventlog.NewMemLog(eventlog.NewKey())

	genesis, err := event.EncodeGenesis("mem://replay")
	require.NoError(t, err)
	_, err = l.Append(ctx, genesis)
	require.NoError(t, err)

	for _, evt := range events {
		appendEvent(t, l, evt)
	}
	return l
}

func appendEvent(t *testing.T, l eventlog.Log, evt event.ChangeEvent) {
	t.Helper()
	data, err := event.Encode(&evt)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), data)
	require.NoError(t, err)
}

// order-sensitive history: applying it out of order gives a different tree
var history = []event.ChangeEvent{
	{Path: "x", Kind: event.EventAdd},
	{Path: "x", Kind: event.EventDelete},
	{Path: "x", Kind: event.EventAdd, IsDir: true},
	{Path: "x/y", Kind: event.EventAdd},
	{Path: "z", Kind: event.EventAdd},
	{Path: "z", Kind: event.EventDelete},
}

func TestSubscribeRemoteReplaysInOrder(t *testing.T) {
	r := startRegistry(t, WithConcurrency(4))
	l := &slowLog{Log: newLog(t, history...)}

	var ready atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.SubscribeRemote(ctx, l, func() { ready.Add(1) }))

	assert.Equal(t, int32(1), ready.Load())
	assert.Equal(t, []TreeEntry{
		{Indent: 0, Name: "x", Path: "x", IsDir: true},
		{Indent: 2, Name: "y", Path: "x/y"},
	}, r.Tree())
	// genesis is read by the session, not by the replay
	assert.Equal(t, int32(len(history)), l.gets.Load())
}

func TestSubscribeRemoteDeterministic(t *testing.T) {
	var trees [][]TreeEntry
	for i := 0; i < 3; i++ {
		r := startRegistry(t, WithConcurrency(8))
		l := &slowLog{Log: newLog(t, history...)}
		require.NoError(t, r.SubscribeRemote(context.Background(), l, nil))
		trees = append(trees, r.Tree())
	}
	assert.Equal(t, trees[0], trees[1])
	assert.Equal(t, trees[0], trees[2])
}

func TestSubscribeRemoteFailsClosed(t *testing.T) {
	errs := NewErrorLog(0)
	r := startRegistry(t, WithErrorSink(errs.Add))
	l := &slowLog{Log: newLog(t, history...), failAt: 3}

	var ready atomic.Int32
	err := r.SubscribeRemote(context.Background(), l, func() { ready.Add(1) })
	require.Error(t, err)

	assert.Equal(t, int32(0), ready.Load())
	assert.Equal(t, 0, r.Size(), "nothing is applied when the history is incomplete")
	require.Len(t, errs.Errors(), 1)
	got := errs.Errors()[0]
	assert.Equal(t, SourceReplay, got.Source)
	assert.True(t, strings.HasPrefix(got.Message, "[subscribe]"))
}

func TestSubscribeRemoteRejectsMalformedHistory(t *testing.T) {
	errs := NewErrorLog(0)
	r := startRegistry(t, WithErrorSink(errs.Add))
	l := newLog(t, history[0])
	_, err := l.Append(context.Background(), []byte(`{"path":"a","status":"rename"}`))
	require.NoError(t, err)

	ready := false
	err = r.SubscribeRemote(context.Background(), l, func() { ready = true })
	require.ErrorIs(t, err, event.ErrInvalidEvent)
	assert.False(t, ready)
	assert.Equal(t, 0, r.Size())
}

func TestSubscribeRemoteEmptyLog(t *testing.T) {
	r := startRegistry(t)
	ready := false
	require.NoError(t, r.SubscribeRemote(context.Background(), newLog(t), func() { ready = true }))
	assert.True(t, ready)
	assert.Equal(t, 0, r.Size())
}

func TestSubscribeRemoteFollowsAppends(t *testing.T) {
	r := startRegistry(t)
	l := newLog(t, event.ChangeEvent{Path: "first", Kind: event.EventAdd})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.SubscribeRemote(ctx, l, nil))
	require.Equal(t, 1, r.Size())

	// a burst of appends coalesces into fewer notifications; none may be skipped
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		appendEvent(t, l, event.ChangeEvent{Path: p, Kind: event.EventAdd})
	}
	assert.Eventually(t, func() bool { return r.Size() == 6 }, 2*time.Second, 10*time.Millisecond)

	appendEvent(t, l, event.ChangeEvent{Path: "a", Kind: event.EventDelete})
	assert.Eventually(t, func() bool {
		_, ok := r.Find(seg("a"))
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeRemoteSkipsMalformedLiveEntry(t *testing.T) {
	errs := NewErrorLog(0)
	r := startRegistry(t, WithErrorSink(errs.Add))
	l := newLog(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.SubscribeRemote(ctx, l, nil))

	_, err := l.Append(ctx, []byte("not json"))
	require.NoError(t, err)
	appendEvent(t, l, event.ChangeEvent{Path: "after", Kind: event.EventAdd})

	assert.Eventually(t, func() bool { return r.Size() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, errs.Total())
}

// stuckLog serves the history but blocks live reads until ctx is done.
type stuckLog struct {
	eventlog.Log
	historyLen int
	blocked    chan struct{}
	once       sync.Once
}

func (l *stuckLog) Get(ctx context.Context, index int) ([]byte, error) {
	if index < l.historyLen {
		return l.Log.Get(ctx, index)
	}
	l.once.Do(func() { close(l.blocked) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStopInterruptsLiveFetch(t *testing.T) {
	errs := NewErrorLog(0)
	r := New(WithErrorSink(errs.Add))
	require.NoError(t, r.Start(context.Background()))

	l := &stuckLog{
		Log:        newLog(t, event.ChangeEvent{Path: "a", Kind: event.EventAdd}),
		historyLen: 2,
		blocked:    make(chan struct{}),
	}
	require.NoError(t, r.SubscribeRemote(context.Background(), l, nil))
	appendEvent(t, l, event.ChangeEvent{Path: "b", Kind: event.EventAdd})

	select {
	case <-l.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("live fetch never started")
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight log read")
	}
	assert.Empty(t, errs.Errors())
}

func TestSubscribeRemoteAfterStop(t *testing.T) {
	r := New()
	require.NoError(t, r.Start(context.Background()))
	r.Stop()

	err := r.SubscribeRemote(context.Background(), newLog(t), nil)
	require.NoError(t, err)
	// no follower was started, so a second Stop returns at once
	r.Stop()
}
