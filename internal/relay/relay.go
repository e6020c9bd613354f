// Package relay bridges a panel's audio devices and a remote live session.
//
// A [Relay] captures microphone frames, streams them to the remote provider,
// and schedules the synthesized speech that comes back for gapless playback
// while keeping a rolling transcript of the conversation. Its lifecycle is
//
//	idle → connecting → open → closed
//
// with error reachable from connecting or open. Every state change, device
// event and inbound message is handled on one goroutine, the event loop, so
// hooks observe them strictly in order.
//
// A relay is single-use: once it reaches a terminal state a new one must be
// constructed. [Controller] owns the one relay a panel may have at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusiq/nimbus/internal/lease"
	"github.com/nimbusiq/nimbus/internal/observe"
	"github.com/nimbusiq/nimbus/internal/resilience"
	"github.com/nimbusiq/nimbus/pkg/audio"
	"github.com/nimbusiq/nimbus/pkg/audio/capture"
	"github.com/nimbusiq/nimbus/pkg/audio/playback"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
)

// releaseTimeout bounds the lease release during cleanup.
const releaseTimeout = 5 * time.Second

// Config names what a relay connects.
type Config struct {
	// Panel names the panel preset. It labels logs and metrics.
	Panel string

	// LeaseKey identifies the panel instance whose devices the relay holds.
	// Defaults to Panel.
	LeaseKey string

	// Provider dials the remote session.
	Provider s2s.Provider

	// Input is the microphone.
	Input audio.InputDevice

	// Output is the speaker.
	Output audio.OutputDevice

	// Session is sent with the handshake.
	Session s2s.SessionConfig
}

// Hooks observe a relay. All hooks are optional and are called from the event
// loop, in order; they must not call [Relay.Stop].
type Hooks struct {
	// OnState is called on every transition. err is non-nil for StateError.
	OnState func(state State, err error)

	// OnPartial is called when a transcript fragment extends the current turn.
	OnPartial func(turn Turn)

	// OnTurn is called when the remote completes a turn.
	OnTurn func(turn Turn)

	// OnAudio is called for each decoded buffer after it was scheduled.
	OnAudio func(slot playback.Slot, buf audio.Buffer)

	// OnDropped reports data the relay discarded without ending the session:
	// undecodable inbound chunks and frames the remote refused.
	OnDropped func(err error)

	// OnHalt is called when the remote interrupts the model and scheduled
	// playback is flushed.
	OnHalt func(cancelled int)
}

// Option configures a [Relay].
type Option func(*Relay)

// WithHooks installs h.
func WithHooks(h Hooks) Option {
	return func(r *Relay) { r.hooks = h }
}

// WithPreOpenBuffer keeps up to n frames captured while connecting and sends
// them, oldest first, once the session opens. When more arrive the oldest is
// dropped. The default of zero discards frames until the session is open.
func WithPreOpenBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.preOpen = n
		}
	}
}

// WithBreaker guards the dial with cb. Relays of one process should share a
// breaker so that a failing backend trips it for all of them.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Relay) { r.breaker = cb }
}

// WithRetry retries failed dials per b. Retry is off by default.
func WithRetry(b resilience.Backoff) Option {
	return func(r *Relay) { r.retry = b }
}

// WithClock sets the playback clock.
func WithClock(c playback.Clock) Option {
	return func(r *Relay) { r.clock = c }
}

// WithMetrics records relay metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLease takes an exclusive lease on the panel from l before any device is
// opened. ttl of zero lets the backend pick its default.
func WithLease(l lease.Locker, ttl time.Duration) Option {
	return func(r *Relay) {
		r.locker = l
		r.leaseTTL = ttl
	}
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(r *Relay) { r.id = id }
}

type phase int

const (
	phaseNew phase = iota
	phaseAcquiring
	phaseRunning
	phaseDone
)

type dialResult struct {
	handle s2s.SessionHandle
	err    error
}

// Relay is one live session of one panel. Start, Stop and the accessors are
// safe for concurrent use.
type Relay struct {
	cfg      Config
	id       string
	hooks    Hooks
	preOpen  int
	breaker  *resilience.CircuitBreaker
	retry    resilience.Backoff
	clock    playback.Clock
	metrics  *observe.Metrics
	locker   lease.Locker
	leaseTTL time.Duration
	log      *slog.Logger

	provider s2s.Provider

	// Held between a successful Start and cleanup.
	held      lease.Lease
	scheduler *playback.Scheduler
	pipeline  *capture.Pipeline

	frames   chan audio.AudioFrame
	stopReq  chan playback.Mode
	quit     chan struct{} // closed when cleanup begins
	loopDone chan struct{}
	halted   atomic.Bool

	// Only touched by the event loop.
	acc     accumulator
	runCtx  context.Context
	stopRun context.CancelFunc

	mu          sync.Mutex
	phase       phase
	stopEarly   bool
	cancelAcq   context.CancelFunc
	stopping    bool
	state       State
	err         error
	transcript  []Turn
	cleanupErrs error
}

// New returns an idle relay.
func New(cfg Config, opts ...Option) *Relay {
	r := &Relay{
		cfg:      cfg,
		frames:   make(chan audio.AudioFrame),
		stopReq:  make(chan playback.Mode),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.clock == nil {
		r.clock = playback.NewSystemClock()
	}

	r.provider = cfg.Provider
	if r.breaker != nil || r.retry.Attempts > 0 {
		r.provider = resilience.NewGuardedProvider(cfg.Provider, r.breaker, resilience.WithRetry(r.retry))
	}

	r.log = slog.With("session_id", r.id, "panel", cfg.Panel)
	return r
}

// SessionID returns the relay's unique ID.
func (r *Relay) SessionID() string { return r.id }

// Panel returns the panel the relay serves.
func (r *Relay) Panel() string { return r.cfg.Panel }

// State returns the current state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved the relay to [StateError], if any.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Transcript returns a copy of the completed turns. It is empty once the
// relay has been torn down.
func (r *Relay) Transcript() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Turn, len(r.transcript))
	copy(out, r.transcript)
	return out
}

// Done is closed once a started relay has released everything it held. It
// stays open while the relay is idle.
func (r *Relay) Done() <-chan struct{} { return r.loopDone }

// Start acquires the panel lease and both devices, then dials the remote and
// waits for the handshake. ctx bounds acquisition and the handshake only; the
// session then runs until [Relay.Stop] or the remote ends it.
//
// If a device cannot be acquired everything already taken is released, the
// relay stays idle, and the error is returned (wrapping
// [audio.ErrPermissionDenied] for a refused microphone). A failed dial moves
// the relay to [StateError] and returns an error wrapping
// [ErrConnectionFailure].
func (r *Relay) Start(ctx context.Context) error {
	if err := r.claim(); err != nil {
		return err
	}
	return r.start(ctx)
}

// claim moves a new relay into acquisition, after which Stop is honoured.
func (r *Relay) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != phaseNew {
		return ErrNotIdle
	}
	r.phase = phaseAcquiring
	return nil
}

func (r *Relay) start(ctx context.Context) error {
	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancelAcq = cancel
	stopped := r.stopEarly
	r.mu.Unlock()
	if stopped {
		cancel()
	}

	if err := r.acquire(acqCtx); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cancelAcq = nil
		r.phase = phaseNew
		if r.stopEarly {
			r.phase = phaseDone
			close(r.loopDone)
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		return err
	}

	r.mu.Lock()
	r.cancelAcq = nil
	if r.stopEarly {
		r.phase = phaseDone
		r.mu.Unlock()
		r.halted.Store(true)
		close(r.quit)
		if err := r.release(nil, playback.Abrupt); err != nil {
			r.log.Warn("relay: release after early stop", "err", err)
		}
		r.setState(StateClosed, nil)
		close(r.loopDone)
		return ErrStopped
	}
	r.phase = phaseRunning
	r.mu.Unlock()

	r.runCtx, r.stopRun = context.WithCancel(context.Background())
	dialCtx, cancelDial := context.WithCancel(ctx)
	ready := make(chan error, 1)
	go r.run(dialCtx, cancelDial, ready)
	return <-ready
}

// acquire takes the lease, the speaker and the microphone, in that order.
func (r *Relay) acquire(ctx context.Context) error {
	if r.locker != nil && r.cfg.Panel != "" {
		l, err := r.locker.Acquire(ctx, r.leaseKey(), r.leaseTTL)
		if err != nil {
			return fmt.Errorf("relay: acquire panel lease: %w", err)
		}
		r.held = l
	}

	out, err := r.cfg.Output.Open(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("relay: open output: %w", err), r.releaseLease())
	}
	r.scheduler = playback.New(out,
		playback.WithClock(r.clock),
		playback.WithOnCancel(func(n int) {
			r.metrics.BuffersCancelled.Add(context.Background(), int64(n))
		}),
	)

	r.pipeline = capture.New(r.cfg.Input, capture.WithOnDrop(func() {
		r.metrics.RecordDroppedFrame(context.Background(), observe.DropBackpressure)
	}))
	if err := r.pipeline.Start(ctx, r.onFrame); err != nil {
		closeErr := r.scheduler.Close(playback.Abrupt)
		r.scheduler = nil
		return errors.Join(fmt.Errorf("relay: start capture: %w", err), closeErr, r.releaseLease())
	}
	return nil
}

// onFrame runs on the capture goroutine and hands frames to the event loop.
func (r *Relay) onFrame(f audio.AudioFrame) {
	if r.halted.Load() {
		return
	}
	select {
	case r.frames <- f:
	case <-r.quit:
	}
}

// run is the event loop.
func (r *Relay) run(dialCtx context.Context, cancelDial context.CancelFunc, ready chan<- error) {
	defer close(r.loopDone)
	defer cancelDial()

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			ready <- err
		}
	}

	r.setState(StateConnecting, nil)

	dialed := make(chan dialResult, 1)
	go func() {
		ctx, span := observe.SessionSpan(dialCtx, "relay.connect", r.cfg.Panel, r.id, r.cfg.Session.Model)
		defer span.End()
		start := time.Now()
		h, err := r.provider.Connect(ctx, r.cfg.Session)
		observe.SpanError(span, err)
		r.metrics.RecordConnect(context.Background(), time.Since(start), err)
		dialed <- dialResult{handle: h, err: err}
	}()

	var (
		sess    s2s.SessionHandle
		msgs    <-chan s2s.Message
		pending []audio.AudioFrame
	)
	captureDone := r.pipeline.Done()

	for {
		select {
		case f := <-r.frames:
			if sess != nil {
				r.send(sess, f)
				continue
			}
			if r.preOpen == 0 {
				r.metrics.RecordDroppedFrame(r.runCtx, observe.DropPreOpen)
				continue
			}
			if len(pending) == r.preOpen {
				pending = pending[1:]
				r.metrics.RecordDroppedFrame(r.runCtx, observe.DropPreOpen)
			}
			pending = append(pending, f)

		case res := <-dialed:
			dialed = nil
			if res.err != nil {
				if dialCtx.Err() != nil && errors.Is(res.err, context.Canceled) {
					r.finish(nil, playback.Abrupt, StateClosed, nil)
					report(fmt.Errorf("relay: connect: %w", res.err))
					return
				}
				err := fmt.Errorf("%w: %w", ErrConnectionFailure, res.err)
				r.finish(nil, playback.Abrupt, StateError, err)
				report(err)
				return
			}
			sess = res.handle
			msgs = sess.Messages()
			r.metrics.ActiveSessions.Add(r.runCtx, 1)
			r.setState(StateOpen, nil)
			for _, f := range pending {
				r.send(sess, f)
			}
			pending = nil
			report(nil)

		case m, ok := <-msgs:
			if !ok {
				if err := sess.Err(); err != nil {
					r.finish(sess, playback.Graceful, StateError, fmt.Errorf("%w: %w", ErrConnectionFailure, err))
				} else {
					r.log.Info("relay: remote closed session")
					r.finish(sess, playback.Graceful, StateClosed, nil)
				}
				return
			}
			r.handle(m)

		case <-captureDone:
			captureDone = nil
			cause := r.pipeline.Err()
			r.log.Info("relay: input device ended", "err", cause)
			if sess == nil {
				cancelDial()
				if res := <-dialed; res.handle != nil {
					sess = res.handle
				}
			}
			if cause != nil {
				r.finish(sess, playback.Graceful, StateError, cause)
			} else {
				r.finish(sess, playback.Graceful, StateClosed, nil)
			}
			report(ErrStopped)
			return

		case mode := <-r.stopReq:
			if sess == nil {
				cancelDial()
				if res := <-dialed; res.handle != nil {
					sess = res.handle
				}
			}
			r.finish(sess, mode, StateClosed, nil)
			report(ErrStopped)
			return
		}
	}
}

// send forwards one frame. A refused frame is reported and the session
// continues; a dead transport shows up as the end of the message stream.
func (r *Relay) send(sess s2s.SessionHandle, f audio.AudioFrame) {
	if err := sess.SendAudio(r.runCtx, f); err != nil {
		r.metrics.RecordDroppedFrame(r.runCtx, observe.DropSendFailed)
		r.dropped(fmt.Errorf("relay: send audio: %w", err))
		return
	}
	r.metrics.FramesSent.Add(r.runCtx, 1)
}

// handle applies one inbound message: transcripts, then audio, then the
// interrupt and turn-complete flags.
func (r *Relay) handle(m s2s.Message) {
	if r.acc.add(m.InputText, m.OutputText) && r.hooks.OnPartial != nil {
		r.hooks.OnPartial(r.acc.turn)
	}

	for _, chunk := range m.Audio {
		rate := audio.RateFromMIME(chunk.MIMEType, audio.OutputSampleRate)
		buf, err := audio.Decode(chunk.Data, rate, 1)
		if err != nil {
			r.metrics.DecodeErrors.Add(r.runCtx, 1)
			r.dropped(fmt.Errorf("relay: decode audio: %w", err))
			continue
		}
		slot, err := r.scheduler.Schedule(buf)
		if err != nil {
			r.dropped(fmt.Errorf("relay: schedule audio: %w", err))
			continue
		}
		r.metrics.BuffersScheduled.Add(r.runCtx, 1)
		if r.hooks.OnAudio != nil {
			r.hooks.OnAudio(slot, buf)
		}
	}

	if m.Interrupted {
		n := r.scheduler.Flush()
		r.log.Debug("relay: interrupted, playback flushed", "cancelled", n)
		if r.hooks.OnHalt != nil {
			r.hooks.OnHalt(n)
		}
	}

	if m.TurnComplete {
		turn := r.acc.flush()
		r.mu.Lock()
		r.transcript = append(r.transcript, turn)
		r.mu.Unlock()
		r.metrics.RecordTurn(r.runCtx, r.cfg.Panel)
		if r.hooks.OnTurn != nil {
			r.hooks.OnTurn(turn)
		}
	}
}

func (r *Relay) dropped(err error) {
	r.log.Warn("relay: dropped", "err", err)
	if r.hooks.OnDropped != nil {
		r.hooks.OnDropped(err)
	}
}

// finish tears everything down and enters the terminal state. Runs on the
// event loop.
func (r *Relay) finish(sess s2s.SessionHandle, mode playback.Mode, state State, cause error) {
	r.halted.Store(true)
	close(r.quit)

	wasOpen := r.State() == StateOpen
	errs := r.release(sess, mode)
	if wasOpen {
		r.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	r.stopRun()

	r.mu.Lock()
	r.phase = phaseDone
	r.transcript = nil
	r.cleanupErrs = errs
	r.mu.Unlock()
	r.acc = accumulator{}

	if errs != nil {
		r.log.Warn("relay: cleanup incomplete", "err", errs)
	}
	r.setState(state, cause)
}

// release stops capture, closes playback and the session, and returns the
// lease. Every step runs even if an earlier one fails.
func (r *Relay) release(sess s2s.SessionHandle, mode playback.Mode) error {
	var errs []error
	if r.pipeline != nil {
		errs = append(errs, r.pipeline.Stop())
	}
	if r.scheduler != nil {
		errs = append(errs, r.scheduler.Close(mode))
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay: close session: %w", err))
		}
	}
	errs = append(errs, r.releaseLease())
	return errors.Join(errs...)
}

func (r *Relay) leaseKey() string {
	if r.cfg.LeaseKey != "" {
		return r.cfg.LeaseKey
	}
	return r.cfg.Panel
}

func (r *Relay) releaseLease() error {
	if r.held == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := r.held.Release(ctx)
	r.held = nil
	if err != nil {
		return fmt.Errorf("relay: release panel lease: %w", err)
	}
	return nil
}

func (r *Relay) setState(s State, err error) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.err = err
	r.mu.Unlock()

	if err != nil {
		r.log.Error("relay: state changed", "from", prev.String(), "state", s.String(), "err", err)
	} else {
		r.log.Info("relay: state changed", "from", prev.String(), "state", s.String())
	}
	if r.hooks.OnState != nil {
		r.hooks.OnState(s, err)
	}
}

// Stop ends the relay. [playback.Graceful] lets the sounding buffer finish;
// [playback.Abrupt] halts it. Frames captured after Stop is called are never
// sent. Capture, playback, the remote session and the lease are all
// released even if one of them fails; the failures are joined in the
// returned error.
//
// Stop during Start interrupts acquisition and returns once whatever was
// already taken has been released. Stop on an idle relay is a no-op, and Stop
// is idempotent.
func (r *Relay) Stop(mode playback.Mode) error {
	r.mu.Lock()
	switch {
	case r.phase == phaseNew:
		r.mu.Unlock()
		return nil
	case r.phase == phaseAcquiring:
		// Interrupt acquisition and wait for start to give back what it took.
		r.stopEarly = true
		if r.cancelAcq != nil {
			r.cancelAcq()
		}
		r.mu.Unlock()
		<-r.loopDone
		return nil
	case r.stopping:
		r.mu.Unlock()
		<-r.loopDone
		return nil
	}
	r.stopping = true
	r.halted.Store(true)
	r.mu.Unlock()

	select {
	case r.stopReq <- mode:
	case <-r.loopDone:
		// The loop ended on its own; cleanup already ran.
		return nil
	}
	<-r.loopDone

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupErrs
}
