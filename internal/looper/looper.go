// Package looper runs a message handler on a single goroutine fed by an
// unbounded FIFO queue. Delayed messages are held by a Clock until due and
// can be cancelled by kind before they are handled.
package looper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/callaudio/internal/logger"
)

// ErrQuit is returned by Sync once the looper has quit.
var ErrQuit = errors.New("looper has quit")

// Message is a unit of work for a looper handler. What identifies the kind
// and is the key used for cancellation.
type Message struct {
	What    int
	Arg1    int
	Obj     any
	Session string

	enqueued time.Time
	barrier  chan struct{}
}

// Handler processes one message at a time on the looper goroutine.
type Handler interface {
	HandleMessage(msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg Message)

func (f HandlerFunc) HandleMessage(msg Message) { f(msg) }

// Observer receives queue statistics. Implementations must be cheap and
// must not block.
type Observer interface {
	MessageHandled(looper string, what int, wait, took time.Duration)
	QueueDepth(looper string, depth int)
	MessageDropped(looper string, what int)
}

// Option configures a Looper.
type Option func(*Looper)

// WithClock replaces the clock used for delayed messages.
func WithClock(c Clock) Option {
	return func(l *Looper) { l.clock = c }
}

// WithObserver installs a statistics observer.
func WithObserver(o Observer) Option {
	return func(l *Looper) { l.observer = o }
}

// WithLogger sets the logger used for dropped and panicking messages.
func WithLogger(log logger.Logger) Option {
	return func(l *Looper) { l.log = log }
}

// WithNames provides readable names for message kinds in logs.
func WithNames(names func(what int) string) Option {
	return func(l *Looper) { l.names = names }
}

// Looper is a single-threaded message loop.
type Looper struct {
	name     string
	handler  Handler
	clock    Clock
	observer Observer
	log      logger.Logger
	names    func(int) string

	mu      sync.Mutex
	queue   []Message
	pending map[*delayed]struct{}
	quit    bool
	started bool
	wake    chan struct{}
	done    chan struct{}
}

type delayed struct {
	msg   Message
	timer Timer
}

// New creates a looper; call Start to begin processing.
func New(name string, handler Handler, opts ...Option) *Looper {
	l := &Looper{
		name:    name,
		handler: handler,
		clock:   RealClock{},
		pending: make(map[*delayed]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		names:   func(what int) string { return fmt.Sprintf("%d", what) },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Global().Module("looper").With(logger.String("looper", name))
	}
	return l
}

// Start launches the processing goroutine. It is safe to call once.
func (l *Looper) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.quit {
		return
	}
	l.started = true
	go l.run()
}

// Name returns the looper name.
func (l *Looper) Name() string {
	return l.name
}

// NewSession returns a fresh id for correlating log records of one message.
func NewSession() string {
	return uuid.NewString()
}

// Send enqueues msg. It never blocks and reports false after Quit.
func (l *Looper) Send(msg Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enqueueLocked(msg)
}

// SendDelayed enqueues msg after d. The message can be cancelled with
// RemoveMessages until it is handled.
func (l *Looper) SendDelayed(msg Message, d time.Duration) bool {
	if d <= 0 {
		return l.Send(msg)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quit {
		l.dropLocked(msg)
		return false
	}
	entry := &delayed{msg: msg}
	l.pending[entry] = struct{}{}
	entry.timer = l.clock.AfterFunc(d, func() { l.fire(entry) })
	return true
}

func (l *Looper) fire(entry *delayed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[entry]; !ok {
		return
	}
	delete(l.pending, entry)
	l.enqueueLocked(entry.msg)
}

func (l *Looper) enqueueLocked(msg Message) bool {
	if l.quit {
		l.dropLocked(msg)
		return false
	}
	if msg.Session == "" {
		msg.Session = NewSession()
	}
	msg.enqueued = time.Now()
	l.queue = append(l.queue, msg)
	if l.observer != nil {
		l.observer.QueueDepth(l.name, len(l.queue))
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Looper) dropLocked(msg Message) {
	if l.observer != nil {
		l.observer.MessageDropped(l.name, msg.What)
	}
	l.log.Debug("message dropped after quit", logger.String("what", l.names(msg.What)))
}

// RemoveMessages cancels pending delayed messages of the given kind and
// purges queued ones that have not been handled yet.
func (l *Looper) RemoveMessages(what int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for entry := range l.pending {
		if entry.msg.What == what {
			entry.timer.Stop()
			delete(l.pending, entry)
		}
	}
	l.queue = slices.DeleteFunc(l.queue, func(m Message) bool {
		return m.barrier == nil && m.What == what
	})
}

// HasMessages reports whether a message of the given kind is queued or
// pending delivery.
func (l *Looper) HasMessages(what int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for entry := range l.pending {
		if entry.msg.What == what {
			return true
		}
	}
	return slices.ContainsFunc(l.queue, func(m Message) bool {
		return m.barrier == nil && m.What == what
	})
}

// Sync waits until every message enqueued before the call has been handled.
// Delayed messages that are not yet due are not waited for.
func (l *Looper) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return ErrQuit
	}
	l.queue = append(l.queue, Message{barrier: barrier})
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-l.done:
		return ErrQuit
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Quit stops the looper. Pending delayed messages are cancelled, queued
// messages are discarded and later sends are rejected. Quit does not wait
// for the message being handled; use Done for that.
func (l *Looper) Quit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quit {
		return
	}
	l.quit = true
	for entry := range l.pending {
		entry.timer.Stop()
		delete(l.pending, entry)
	}
	l.queue = nil
	if !l.started {
		close(l.done)
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the processing goroutine has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

func (l *Looper) run() {
	defer close(l.done)
	for {
		msg, ok := l.next()
		if !ok {
			return
		}
		if msg.barrier != nil {
			close(msg.barrier)
			continue
		}
		l.dispatch(msg)
	}
}

func (l *Looper) next() (Message, bool) {
	for {
		l.mu.Lock()
		if l.quit {
			l.mu.Unlock()
			return Message{}, false
		}
		if len(l.queue) > 0 {
			msg := l.queue[0]
			l.queue[0] = Message{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return msg, true
		}
		l.mu.Unlock()
		<-l.wake
	}
}

func (l *Looper) dispatch(msg Message) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("message handler panicked",
				logger.String("what", l.names(msg.What)),
				logger.Session(msg.Session),
				logger.Any("panic", r))
		}
		if l.observer != nil {
			l.observer.MessageHandled(l.name, msg.What, start.Sub(msg.enqueued), time.Since(start))
		}
	}()
	l.handler.HandleMessage(msg)
}
