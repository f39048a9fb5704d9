package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/qgen/internal/event"
	"github.com/pavelanni/qgen/internal/model"
	"github.com/pavelanni/qgen/internal/sse"
)

var (
	// ErrTransport wraps failures to open or read the stream.
	ErrTransport = errors.New("stream transport failed")
	// ErrStreamTruncated is returned when the stream ends before done or error.
	ErrStreamTruncated = errors.New("stream ended unexpectedly")
	// ErrSessionFailed is returned when the server reports an error event.
	ErrSessionFailed = errors.New("generation failed")
)

const readBufferSize = 32 * 1024

// Backend opens generation streams and fetches persisted sessions.
type Backend interface {
	OpenStream(ctx context.Context, req model.GenerateRequest) (io.ReadCloser, error)
	GetSession(ctx context.Context, id string) (*model.SessionDetail, error)
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger used for skipped records and refetch failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithObserver registers fn to receive a snapshot after every state change.
// fn runs on the read loop goroutine, in event order.
func WithObserver(fn func(Snapshot)) Option {
	return func(g *Generator) { g.observer = fn }
}

// WithClock overrides the time source for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// Generator runs at most one generation stream at a time.
type Generator struct {
	backend  Backend
	logger   *slog.Logger
	observer func(Snapshot)
	now      func() time.Time

	startMu sync.Mutex

	mu     sync.Mutex
	state  *State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Generator reading from b.
func New(b Backend, opts ...Option) *Generator {
	g := &Generator{
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Run starts a generation and reads its stream until the session reaches a
// terminal status. An active run is cancelled and its state discarded first.
//
// Cancelling ctx or calling Cancel ends the session as cancelled and Run
// returns a nil error. Server-reported and transport failures are returned
// as errors wrapping ErrSessionFailed, ErrTransport or ErrStreamTruncated.
// The returned snapshot is the final state in every case.
func (g *Generator) Run(ctx context.Context, req model.GenerateRequest) (Snapshot, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	st := g.start(req, cancel, done)
	defer func() {
		cancel()
		close(done)
		g.mu.Lock()
		if g.done == done {
			g.cancel, g.done = nil, nil
		}
		g.mu.Unlock()
	}()

	g.notify(st)

	body, err := g.backend.OpenStream(runCtx, req)
	if err != nil {
		if runCtx.Err() != nil {
			return g.cancelled(st), nil
		}
		return g.fail(st, fmt.Errorf("%w: %v", ErrTransport, err))
	}
	defer body.Close()
	stop := context.AfterFunc(runCtx, func() { body.Close() })
	defer stop()

	var dec sse.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := body.Read(buf)
		for _, rec := range dec.Feed(buf[:n]) {
			if runCtx.Err() != nil {
				return g.cancelled(st), nil
			}
			snap, terminal, ok := g.dispatch(runCtx, st, rec)
			if !ok {
				return snap, nil
			}
			if terminal {
				return snap, terminalErr(snap)
			}
		}
		if rerr == nil {
			continue
		}
		if dec.Pending() {
			g.logger.Debug("discarding incomplete trailing record")
		}
		dec.Reset()
		if runCtx.Err() != nil {
			return g.cancelled(st), nil
		}
		if errors.Is(rerr, io.EOF) {
			return g.fail(st, ErrStreamTruncated)
		}
		return g.fail(st, fmt.Errorf("%w: read: %v", ErrTransport, rerr))
	}
}

func (g *Generator) start(req model.GenerateRequest, cancel context.CancelFunc, done chan struct{}) *State {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	g.mu.Lock()
	prevCancel, prevDone := g.cancel, g.done
	g.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	st := NewState(req.QuestionCount, g.now())
	g.mu.Lock()
	g.state = st
	g.cancel, g.done = cancel, done
	g.mu.Unlock()
	return st
}

// dispatch parses and applies one record. ok is false when st is no longer
// the current state and the run should stop.
func (g *Generator) dispatch(ctx context.Context, st *State, rec sse.Record) (snap Snapshot, terminal, ok bool) {
	ev, err := event.Parse(rec)
	if err != nil {
		g.logger.Warn("skipping malformed event", "event", rec.Event, "error", err)
		return Snapshot{}, false, true
	}
	if u, isUnknown := ev.(event.Unknown); isUnknown {
		g.logger.Debug("ignoring unknown event", "event", u.Type)
		return Snapshot{}, false, true
	}

	var effect Effect
	snap, ok = g.update(st, func(s *State) { effect = s.Apply(ev) })
	if !ok {
		return snap, false, false
	}
	if effect == EffectRefetch {
		snap, ok = g.refetch(ctx, st, snap.Session.ID)
	}
	return snap, snap.Session.Status.IsTerminal(), ok
}

func (g *Generator) refetch(ctx context.Context, st *State, id string) (Snapshot, bool) {
	detail, err := g.backend.GetSession(ctx, id)
	if err != nil {
		g.logger.Warn("fetch persisted session", "session_id", id, "error", err)
	}
	return g.update(st, func(s *State) { s.SetPersisted(detail, err) })
}

// update applies fn to st under the lock and notifies the observer. It
// reports false if st has been replaced or cleared.
func (g *Generator) update(st *State, fn func(*State)) (Snapshot, bool) {
	g.mu.Lock()
	if g.state != st {
		g.mu.Unlock()
		return Snapshot{}, false
	}
	fn(st)
	snap := st.Snapshot()
	g.mu.Unlock()
	if g.observer != nil {
		g.observer(snap)
	}
	return snap, true
}

func (g *Generator) notify(st *State) {
	g.update(st, func(*State) {})
}

func (g *Generator) cancelled(st *State) Snapshot {
	snap, ok := g.update(st, (*State).Cancel)
	if !ok {
		return g.snapshotOf(st)
	}
	return snap
}

func (g *Generator) fail(st *State, err error) (Snapshot, error) {
	snap, ok := g.update(st, func(s *State) { s.Fail(err.Error()) })
	if !ok {
		return g.snapshotOf(st), nil
	}
	if snap.Session.Status != model.StatusFailed {
		return snap, nil
	}
	return snap, err
}

func terminalErr(snap Snapshot) error {
	if snap.Session.Status == model.StatusFailed {
		return fmt.Errorf("%w: %s", ErrSessionFailed, snap.Error)
	}
	return nil
}

// snapshotOf copies a state that may no longer be current.
func (g *Generator) snapshotOf(st *State) Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return st.Snapshot()
}

// Cancel aborts the active run, if any. Questions assembled so far are kept.
func (g *Generator) Cancel() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Clear aborts the active run and discards all session state.
func (g *Generator) Clear() {
	g.mu.Lock()
	g.state = nil
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current state. The zero Snapshot means no session.
func (g *Generator) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == nil {
		return Snapshot{}
	}
	return g.state.Snapshot()
}

// Active reports whether a run is in progress.
func (g *Generator) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}
