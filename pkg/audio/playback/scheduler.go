// Package playback schedules decoded audio buffers for gapless output.
//
// The [Scheduler] keeps a single cursor, the time at which the next buffer may
// start. Each buffer starts at max(cursor, now) and advances the cursor by its
// duration, so buffers never overlap, keep their arrival order, and a late
// network inserts silence instead of dropping audio.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbusiq/nimbus/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Mode selects how [Scheduler.Close] treats a buffer that is already sounding.
type Mode int

const (
	// Graceful lets the sounding buffer finish. Used for an explicit user stop.
	Graceful Mode = iota

	// Abrupt halts the sounding buffer immediately. Used when the owning panel
	// is torn down.
	Abrupt
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Graceful:
		return "graceful"
	case Abrupt:
		return "abrupt"
	default:
		return "unknown"
	}
}

// Slot is the time interval assigned to one scheduled buffer.
type Slot struct {
	// Seq numbers buffers in arrival order, starting at 1.
	Seq   uint64
	Start time.Duration
	End   time.Duration
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock sets the device clock. Defaults to a [SystemClock].
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithOnCancel registers fn to receive the number of buffers cancelled by each
// Flush or Close.
func WithOnCancel(fn func(n int)) Option {
	return func(s *Scheduler) { s.onCancel = fn }
}

type entry struct {
	slot Slot
	buf  audio.Buffer
}

// Scheduler plays buffers on an [audio.OutputStream] at their slot start
// times. All exported methods are safe for concurrent use.
type Scheduler struct {
	out      audio.OutputStream
	clock    Clock
	onCancel func(int)

	mu        sync.Mutex
	next      time.Duration // start of the next free slot
	seq       uint64
	gen       uint64 // bumped by Flush; a dequeued entry from an older gen is discarded
	queue     []entry
	cancelled int
	closed    bool

	// devMu serialises calls into out so that Halt and Close cannot race a Play.
	devMu sync.Mutex

	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
}

// New starts a scheduler that plays on out. The cursor starts at the clock's
// current time.
func New(out audio.OutputStream, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = NewSystemClock()
	}
	s.next = s.clock.Now()
	go s.run()
	return s
}

// Schedule assigns buf the next slot and queues it for playback.
func (s *Scheduler) Schedule(buf audio.Buffer) (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Slot{}, ErrClosed
	}

	start := max(s.next, s.clock.Now())
	s.seq++
	slot := Slot{Seq: s.seq, Start: start, End: start + buf.Duration()}
	s.next = slot.End

	s.queue = append(s.queue, entry{slot: slot, buf: buf})
	if len(s.queue) == 1 {
		s.signal()
	}
	return slot, nil
}

// Next returns the current cursor.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Pending returns the number of buffers scheduled but not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Cancelled returns the total number of buffers cancelled so far.
func (s *Scheduler) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Flush cancels every buffer that has not started, halts the one sounding, and
// pulls the cursor back to now. It returns the number of cancelled buffers.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	n := len(s.queue)
	s.queue = nil
	s.cancelled += n
	s.gen++
	s.next = s.clock.Now()
	s.mu.Unlock()

	s.signal()

	s.devMu.Lock()
	if err := s.out.Halt(); err != nil {
		slog.Warn("playback: halt failed", "err", err)
	}
	s.devMu.Unlock()

	if n > 0 && s.onCancel != nil {
		s.onCancel(n)
	}
	return n
}

// Close cancels every buffer that has not started and releases the device.
// With [Abrupt] the sounding buffer is halted first; with [Graceful] it is left
// to finish. Close is idempotent.
func (s *Scheduler) Close(mode Mode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := len(s.queue)
	s.queue = nil
	s.cancelled += n
	s.mu.Unlock()

	close(s.done)
	<-s.loopDone

	var errs []error
	s.devMu.Lock()
	if mode == Abrupt {
		errs = append(errs, s.out.Halt())
	}
	errs = append(errs, s.out.Close())
	s.devMu.Unlock()

	if n > 0 && s.onCancel != nil {
		s.onCancel(n)
	}
	slog.Debug("playback: closed", "mode", mode.String(), "cancelled", n)
	return errors.Join(errs...)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run hands queued buffers to the device in FIFO order once the clock reaches
// each slot's start.
func (s *Scheduler) run() {
	defer close(s.loopDone)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		head := s.queue[0]
		s.mu.Unlock()

		due, stop := s.clock.Until(head.slot.Start)
		select {
		case <-due:
		case <-s.wake:
			stop()
			continue
		case <-s.done:
			stop()
			return
		}

		s.mu.Lock()
		if s.closed || len(s.queue) == 0 || s.queue[0].slot.Seq != head.slot.Seq {
			s.mu.Unlock()
			continue
		}
		s.queue = s.queue[1:]
		gen := s.gen
		s.mu.Unlock()

		s.play(head, gen)
	}
}

func (s *Scheduler) play(e entry, gen uint64) {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	s.mu.Lock()
	stale := s.closed || s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}

	if err := s.out.Play(e.buf, e.slot.Start); err != nil {
		slog.Warn("playback: device rejected buffer",
			"seq", e.slot.Seq,
			"start", e.slot.Start,
			"err", err,
		)
	}
}
