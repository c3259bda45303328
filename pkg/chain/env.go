package chain

import (
	"sync"
	"time"
)

// Event is anything a component emits while executing a call. Events are
// buffered and only delivered once the outermost transaction commits.
type Event interface {
	Topic() string
}

// Sink receives committed events in emission order.
type Sink interface {
	Consume(ev Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ev Event)

// Consume implements Sink
func (f SinkFunc) Consume(ev Event) { f(ev) }

// Env is the execution environment shared by every component of the engine.
// It serializes writers, journals state mutations and reverts them when a
// call fails, so every public operation is all-or-nothing.
type Env struct {
	mu sync.Mutex

	journal []func()
	depth   int
	pending []Event
	sinks   []Sink

	block uint64
	clock func() time.Time
}

// Option configures an Env
type Option func(*Env)

// WithClock overrides the wall clock used for oracle staleness checks
func WithClock(clock func() time.Time) Option {
	return func(e *Env) { e.clock = clock }
}

// WithBlock sets the initial block height
func WithBlock(height uint64) Option {
	return func(e *Env) { e.block = height }
}

// NewEnv creates a new execution environment
func NewEnv(opts ...Option) *Env {
	e := &Env{
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs fn as a serialized, atomic transaction. It is the entry point
// servers use; components call Atomic directly.
func (e *Env) Execute(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Atomic(fn)
}

// Atomic runs fn inside a (possibly nested) transaction. If fn returns an
// error or panics, every journaled mutation made since the call started is
// undone. The outermost successful call commits and flushes events.
func (e *Env) Atomic(fn func() error) (err error) {
	snapshot := len(e.journal)
	events := len(e.pending)
	e.depth++

	defer func() {
		r := recover()
		e.depth--
		if r != nil || err != nil {
			e.revertTo(snapshot)
			e.pending = e.pending[:events]
			if r != nil {
				panic(r)
			}
			return
		}
		if e.depth == 0 {
			e.commit()
		}
	}()

	return fn()
}

// InTransaction reports whether a transaction is open
func (e *Env) InTransaction() bool {
	return e.depth > 0
}

// Record registers an undo step for the open transaction. Outside a
// transaction writes are final and nothing is recorded.
func (e *Env) Record(undo func()) {
	if e.depth == 0 {
		return
	}
	e.journal = append(e.journal, undo)
}

// Emit buffers an event until the outermost transaction commits. Events
// emitted outside a transaction are delivered immediately.
func (e *Env) Emit(ev Event) {
	if e.depth == 0 {
		e.deliver(ev)
		return
	}
	e.pending = append(e.pending, ev)
}

// Subscribe registers a sink for committed events
func (e *Env) Subscribe(s Sink) {
	e.sinks = append(e.sinks, s)
}

// BlockNumber returns the current block height
func (e *Env) BlockNumber() uint64 {
	return e.block
}

// AdvanceBlock increments the block height and returns the new height
func (e *Env) AdvanceBlock() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block++
	return e.block
}

// SetBlock sets the block height. Used by tests and on restore.
func (e *Env) SetBlock(height uint64) {
	e.block = height
}

// Now returns the environment's current time
func (e *Env) Now() time.Time {
	return e.clock()
}

func (e *Env) revertTo(snapshot int) {
	for i := len(e.journal) - 1; i >= snapshot; i-- {
		e.journal[i]()
	}
	e.journal = e.journal[:snapshot]
}

func (e *Env) commit() {
	e.journal = e.journal[:0]
	pending := e.pending
	e.pending = nil
	for _, ev := range pending {
		e.deliver(ev)
	}
}

func (e *Env) deliver(ev Event) {
	for _, s := range e.sinks {
		s.Consume(ev)
	}
}
