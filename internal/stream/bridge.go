// Package stream keeps one upstream feed session alive and forwards every
// decoded batch to the publisher.
//
// The bridge is a small state machine (Disconnected -> Connecting -> Connected
// -> Disconnected) driven by a single event loop. Dials and session reads run
// on their own goroutines and report back through events; the loop owns the
// reconnect timer. The live session sits in an atomic slot: installation swaps
// it in, teardown compare-and-swaps it out, so a late error from an old
// session can never tear down its replacement.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KonstantinosKos/weatherAppSock/internal/metrics"
	"github.com/KonstantinosKos/weatherAppSock/internal/status"
	"github.com/KonstantinosKos/weatherAppSock/internal/weather"
)

// State is the bridge connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// BatchPublisher receives each decoded batch.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, batch weather.Batch) error
}

// Config tunes the bridge.
type Config struct {
	// Upstream is reported in logs and status snapshots.
	Upstream string
	// Instance names this process in status snapshots.
	Instance string
	// Backoff yields reconnect delays; defaults to a constant 5s.
	Backoff Backoff
	// StatusTimeout bounds each status snapshot write.
	StatusTimeout time.Duration
}

type eventKind int

const (
	evDialed eventKind = iota
	evDialFailed
	evSessionLost
)

type event struct {
	kind    eventKind
	session Session
	err     error
}

// slot wraps the live session so it can sit in an atomic.Pointer.
type slot struct {
	session Session
}

// Bridge owns the upstream session.
type Bridge struct {
	cfg       Config
	dialer    Dialer
	publisher BatchPublisher
	store     status.Store
	logger    *zap.SugaredLogger
	metrics   *metrics.Bridge

	state   atomic.Int32
	current atomic.Pointer[slot]

	// ctx lives from New until Run returns; dials and publishes use it.
	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	// dial and read goroutines; Run waits for them before returning
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	// owned by the event loop
	attempts int
}

// New builds a bridge in the Disconnected state. Call Run to start it.
func New(cfg Config, dialer Dialer, publisher BatchPublisher, store status.Store, logger *zap.SugaredLogger, m *metrics.Bridge) (*Bridge, error) {
	if dialer == nil {
		return nil, errors.New("stream bridge requires a dialer")
	}
	if publisher == nil {
		return nil, errors.New("stream bridge requires a publisher")
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Constant{Delay: DefaultReconnectDelay}
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 2 * time.Second
	}
	if store == nil {
		store = status.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		dialer:    dialer,
		publisher: publisher,
		store:     store,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan event),
	}
	b.metrics.SetSessionState(int(Disconnected))
	return b, nil
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Session returns the live session, or nil.
func (b *Bridge) Session() Session {
	if cur := b.current.Load(); cur != nil {
		return cur.session
	}
	return nil
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.metrics.SetSessionState(int(s))
}

// Connect starts a dial unless one is in flight or a session is live. It never blocks.
func (b *Bridge) Connect() {
	if b.ctx.Err() != nil {
		return
	}
	if !b.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		b.logger.Debugw("connect ignored; bridge busy", "state", b.State())
		return
	}

	b.metrics.SetSessionState(int(Connecting))
	b.metrics.RecordConnectAttempt()
	b.logger.Infow("connecting to upstream", "upstream", b.cfg.Upstream)

	started := b.spawn(func() {
		s, err := b.dialer.Dial(b.ctx)
		if err != nil {
			b.post(event{kind: evDialFailed, err: &ConnectError{URL: b.cfg.Upstream, Err: err}})
			return
		}
		if !b.post(event{kind: evDialed, session: s}) {
			_ = s.Close()
		}
	})
	if !started && b.state.CompareAndSwap(int32(Connecting), int32(Disconnected)) {
		b.metrics.SetSessionState(int(Disconnected))
	}
}

// spawn runs fn on a goroutine Run waits for. It reports false once shutdown has begun.
func (b *Bridge) spawn(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// HandleMessage decodes one payload and publishes it. A decode failure is
// returned as *weather.DecodeError and leaves the session untouched.
func (b *Bridge) HandleMessage(payload []byte) error {
	batch, err := weather.Decode(payload)
	if err != nil {
		b.metrics.RecordDecodeError()
		b.logger.Warnw("dropping undecodable upstream message", "bytes", len(payload), "err", err)
		return err
	}

	b.metrics.RecordBatchReceived()
	b.logger.Infow("received weather batch",
		"timestamp", batch.Timestamp,
		"generated_by", batch.GeneratedBy,
		"current", len(batch.Current),
		"predictions", len(batch.Predictions),
	)

	if err := b.publisher.PublishBatch(b.ctx, batch); err != nil {
		b.logger.Warnw("batch publish incomplete", "timestamp", batch.Timestamp, "err", err)
	}
	return nil
}

// HandleError tears down session after a transport failure and schedules a
// reconnect. Errors from a session that is no longer live are ignored.
func (b *Bridge) HandleError(session Session, err error) {
	var te *TransportError
	if !errors.As(err, &te) {
		te = &TransportError{Err: err}
	}
	b.closeAndReconnect(session, "transport_error", te)
}

// HandleClosed tears down session after the peer closed it and schedules a reconnect.
func (b *Bridge) HandleClosed(session Session, code int, text string) {
	b.closeAndReconnect(session, "closed_by_peer", &ClosedByPeerError{Code: code, Text: text})
}

func (b *Bridge) closeAndReconnect(session Session, reason string, cause error) {
	cur := b.current.Load()
	if cur == nil || cur.session != session || !b.current.CompareAndSwap(cur, nil) {
		b.logger.Debugw("ignoring event from stale session", "reason", reason, "err", cause)
		return
	}

	b.logger.Warnw("upstream session lost", "session_id", session.ID(), "reason", reason, "err", cause)
	if err := session.Close(); err != nil {
		b.logger.Warnw("upstream session close failed", "session_id", session.ID(), "err", err)
	}
	b.metrics.RecordSessionClosed(reason)
	b.setState(Disconnected)
	b.post(event{kind: evSessionLost, session: session, err: cause})
}

// post hands ev to the event loop; false once shutdown has begun. events is
// unbuffered so nothing can be queued behind a loop that stopped reading.
func (b *Bridge) post(ev event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Run connects and keeps the session alive until ctx is cancelled, then
// closes the live session and waits for in-flight dials and message handling.
// It returns nil on cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.cancel()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	schedule := func() {
		if pending {
			return
		}
		b.attempts++
		delay := b.cfg.Backoff.Next(b.attempts)
		b.metrics.RecordReconnectScheduled()
		b.logger.Infow("reconnect scheduled", "after", delay, "attempt", b.attempts)
		timer = time.NewTimer(delay)
		timerC = timer.C
		pending = true
	}

	b.Connect()
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			b.shutdown()
			return nil

		case <-timerC:
			timerC = nil
			pending = false
			b.Connect()

		case ev := <-b.events:
			switch ev.kind {
			case evDialed:
				b.install(ctx, ev.session)
			case evDialFailed:
				b.metrics.RecordConnectFailure()
				b.logger.Warnw("upstream connect failed", "err", ev.err)
				b.setState(Disconnected)
				b.report(ctx, "", ev.err)
				schedule()
			case evSessionLost:
				b.report(ctx, "", ev.err)
				schedule()
			}
		}
	}
}

// install makes s the live session and starts its read loop.
func (b *Bridge) install(ctx context.Context, s Session) {
	if ctx.Err() != nil {
		_ = s.Close()
		return
	}
	// State first: once s is in the slot a concurrent teardown may move it
	// back to Disconnected, and that must not be overwritten.
	b.setState(Connected)
	if prev := b.current.Swap(&slot{session: s}); prev != nil {
		b.logger.Warnw("displacing previous upstream session", "session_id", prev.session.ID())
		_ = prev.session.Close()
	}
	b.logger.Infow("upstream session established", "session_id", s.ID(), "upstream", b.cfg.Upstream, "attempts", b.attempts)
	b.attempts = 0
	b.report(ctx, s.ID(), nil)

	if !b.spawn(func() { b.readLoop(s) }) {
		_ = s.Close()
	}
}

func (b *Bridge) readLoop(s Session) {
	for {
		payload, err := s.ReadMessage()
		if err != nil {
			var closed *ClosedByPeerError
			if errors.As(err, &closed) {
				b.HandleClosed(s, closed.Code, closed.Text)
				return
			}
			b.HandleError(s, err)
			return
		}
		// decode failures are counted and logged inside HandleMessage
		_ = b.HandleMessage(payload)
	}
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

	b.cancel()
	if cur := b.current.Swap(nil); cur != nil {
		if err := cur.session.Close(); err != nil {
			b.logger.Warnw("upstream session close on shutdown failed", "session_id", cur.session.ID(), "err", err)
		}
		b.metrics.RecordSessionClosed("shutdown")
	}
	// the read loop returns once its session is closed; a batch already in
	// HandleMessage finishes publishing first
	b.wg.Wait()
	b.setState(Disconnected)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StatusTimeout)
	defer cancel()
	b.save(ctx, "", nil)
	b.logger.Infow("stream bridge stopped")
}

// report writes a status snapshot from the event loop.
func (b *Bridge) report(ctx context.Context, sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StatusTimeout)
	defer cancel()
	b.save(ctx, sessionID, cause)
}

func (b *Bridge) save(ctx context.Context, sessionID string, cause error) {
	snap := status.Snapshot{
		Instance:        b.cfg.Instance,
		Upstream:        b.cfg.Upstream,
		State:           b.State().String(),
		SessionID:       sessionID,
		ConnectAttempts: b.attempts,
		UpdatedAt:       time.Now().UTC(),
	}
	if cause != nil {
		snap.LastError = cause.Error()
	}
	if err := b.store.Save(ctx, snap); err != nil {
		b.metrics.RecordStatusWriteFailure()
		b.logger.Warnw("bridge status write failed", "err", err)
	}
}
