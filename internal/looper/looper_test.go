package looper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/logger"
)

type recorder struct {
	mu   sync.Mutex
	seen []Message
}

func (r *recorder) HandleMessage(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg)
}

func (r *recorder) whats() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.seen))
	for i, m := range r.seen {
		out[i] = m.What
	}
	return out
}

func newTestLooper(t *testing.T, h Handler, clock Clock) *Looper {
	t.Helper()
	l := New("test", h, WithClock(clock), WithLogger(logger.NewDiscard()))
	l.Start()
	t.Cleanup(func() {
		l.Quit()
		<-l.Done()
	})
	return l
}

func TestSendIsFIFO(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	l := newTestLooper(t, rec, NewManualClock())

	for i := range 100 {
		require.True(t, l.Send(Message{What: i}))
	}
	require.NoError(t, l.Sync(t.Context()))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, rec.whats())
}

func TestSessionAssigned(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	l := newTestLooper(t, rec, NewManualClock())

	l.Send(Message{What: 1})
	l.Send(Message{What: 2, Session: "fixed"})
	require.NoError(t, l.Sync(t.Context()))

	require.Len(t, rec.seen, 2)
	assert.NotEmpty(t, rec.seen[0].Session)
	assert.Equal(t, "fixed", rec.seen[1].Session)
}

func TestDelayedMessageFiresOnAdvance(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	clock := NewManualClock()
	l := newTestLooper(t, rec, clock)

	l.SendDelayed(Message{What: 7}, 100*time.Millisecond)
	l.Send(Message{What: 1})
	require.NoError(t, l.Sync(t.Context()))
	assert.Equal(t, []int{1}, rec.whats())
	assert.True(t, l.HasMessages(7))

	clock.Advance(99 * time.Millisecond)
	require.NoError(t, l.Sync(t.Context()))
	assert.Equal(t, []int{1}, rec.whats())

	clock.Advance(time.Millisecond)
	require.NoError(t, l.Sync(t.Context()))
	assert.Equal(t, []int{1, 7}, rec.whats())
	assert.False(t, l.HasMessages(7))
}

func TestRemoveMessagesCancelsDelayedAndQueued(t *testing.T) {
	t.Parallel()

	clock := NewManualClock()
	block := make(chan struct{})
	rec := &recorder{}
	h := HandlerFunc(func(msg Message) {
		if msg.What == 0 {
			<-block
		}
		rec.HandleMessage(msg)
	})
	l := newTestLooper(t, h, clock)

	l.Send(Message{What: 0})
	l.Send(Message{What: 5})
	l.Send(Message{What: 6})
	l.SendDelayed(Message{What: 5}, time.Second)

	l.RemoveMessages(5)
	close(block)
	clock.Advance(2 * time.Second)
	require.NoError(t, l.Sync(t.Context()))

	assert.Equal(t, []int{0, 6}, rec.whats())
	assert.Zero(t, clock.Pending())
}

func TestQuitRejectsAndCancels(t *testing.T) {
	t.Parallel()

	clock := NewManualClock()
	rec := &recorder{}
	l := New("quit", rec, WithClock(clock), WithLogger(logger.NewDiscard()))
	l.Start()

	l.SendDelayed(Message{What: 3}, time.Second)
	l.Quit()
	<-l.Done()

	assert.False(t, l.Send(Message{What: 1}))
	assert.False(t, l.SendDelayed(Message{What: 2}, time.Second))
	clock.Advance(time.Minute)
	assert.Empty(t, rec.whats())
	assert.ErrorIs(t, l.Sync(context.Background()), ErrQuit)
}

func TestQuitBeforeStart(t *testing.T) {
	t.Parallel()

	l := New("never", &recorder{}, WithLogger(logger.NewDiscard()))
	l.Quit()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestHandlerPanicDoesNotStopLooper(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	h := HandlerFunc(func(msg Message) {
		if msg.What == 1 {
			panic("boom")
		}
		rec.HandleMessage(msg)
	})
	l := newTestLooper(t, h, NewManualClock())

	l.Send(Message{What: 1})
	l.Send(Message{What: 2})
	require.NoError(t, l.Sync(t.Context()))
	assert.Equal(t, []int{2}, rec.whats())
}

func TestConcurrentSendersKeepPerSenderOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	l := newTestLooper(t, rec, NewManualClock())

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	for s := range senders {
		wg.Go(func() {
			for i := range perSender {
				l.Send(Message{What: s*1000 + i})
			}
		})
	}
	wg.Wait()
	require.NoError(t, l.Sync(t.Context()))

	got := rec.whats()
	require.Len(t, got, senders*perSender)
	last := make(map[int]int)
	for _, w := range got {
		s, i := w/1000, w%1000
		if prev, ok := last[s]; ok {
			assert.Greater(t, i, prev)
		}
		last[s] = i
	}
}

type countingObserver struct {
	mu      sync.Mutex
	handled int
	dropped int
}

func (o *countingObserver) MessageHandled(string, int, time.Duration, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handled++
}

func (o *countingObserver) QueueDepth(string, int) {}

func (o *countingObserver) MessageDropped(string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func TestObserverCounts(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	l := New("obs", &recorder{}, WithObserver(obs), WithClock(NewManualClock()), WithLogger(logger.NewDiscard()))
	l.Start()

	l.Send(Message{What: 1})
	l.Send(Message{What: 2})
	require.NoError(t, l.Sync(t.Context()))
	l.Quit()
	<-l.Done()
	l.Send(Message{What: 3})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.handled)
	assert.Equal(t, 1, obs.dropped)
}
