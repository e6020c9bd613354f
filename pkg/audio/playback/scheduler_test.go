package playback_test

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/nimbusiq/nimbus/pkg/audio"
	"github.com/nimbusiq/nimbus/pkg/audio/mock"
	"github.com/nimbusiq/nimbus/pkg/audio/playback"
)

const t0 = 10 * time.Second

// buffer returns a silent 24 kHz mono buffer lasting d.
func buffer(d time.Duration) audio.Buffer {
	n := int(d * audio.OutputSampleRate / time.Second)
	return audio.Buffer{Samples: make([]float32, n), SampleRate: audio.OutputSampleRate, Channels: 1}
}

// newScheduler opens a mock speaker and starts a scheduler on a manual clock.
func newScheduler(t *testing.T, opts ...playback.Option) (*playback.Scheduler, *mock.Speaker, *playback.ManualClock) {
	t.Helper()
	spk := mock.NewSpeaker()
	out, err := spk.Open(t.Context())
	if err != nil {
		t.Fatalf("open speaker: %v", err)
	}
	clock := playback.NewManualClock(t0)
	s := playback.New(out, append([]playback.Option{playback.WithClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = s.Close(playback.Abrupt) })
	return s, spk, clock
}

func waitPlay(t *testing.T, spk *mock.Speaker) mock.Play {
	t.Helper()
	select {
	case p := <-spk.Played():
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for playback")
		return mock.Play{}
	}
}

func expectNoPlay(t *testing.T, spk *mock.Speaker) {
	t.Helper()
	select {
	case p := <-spk.Played():
		t.Fatalf("unexpected playback at %v", p.At)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedule_AdditiveGapless(t *testing.T) {
	t.Parallel()

	s, spk, clock := newScheduler(t)

	durations := []time.Duration{200 * time.Millisecond, 150 * time.Millisecond, 100 * time.Millisecond}
	want := []playback.Slot{
		{Seq: 1, Start: t0, End: t0 + 200*time.Millisecond},
		{Seq: 2, Start: t0 + 200*time.Millisecond, End: t0 + 350*time.Millisecond},
		{Seq: 3, Start: t0 + 350*time.Millisecond, End: t0 + 450*time.Millisecond},
	}
	for i, d := range durations {
		got, err := s.Schedule(buffer(d))
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if got != want[i] {
			t.Errorf("slot %d = %+v, want %+v", i, got, want[i])
		}
	}
	if got := s.Next(); got != t0+450*time.Millisecond {
		t.Errorf("cursor = %v, want %v", got, t0+450*time.Millisecond)
	}

	// A starts right away; B and C wait for the clock.
	if p := waitPlay(t, spk); p.At != t0 {
		t.Errorf("first buffer played at %v, want %v", p.At, t0)
	}
	expectNoPlay(t, spk)

	clock.Advance(200 * time.Millisecond)
	if p := waitPlay(t, spk); p.At != want[1].Start {
		t.Errorf("second buffer played at %v, want %v", p.At, want[1].Start)
	}
	clock.Advance(150 * time.Millisecond)
	if p := waitPlay(t, spk); p.At != want[2].Start {
		t.Errorf("third buffer played at %v, want %v", p.At, want[2].Start)
	}
}

func TestSchedule_LateArrivalInsertsGap(t *testing.T) {
	t.Parallel()

	s, _, clock := newScheduler(t)

	a, _ := s.Schedule(buffer(200 * time.Millisecond))
	clock.Advance(500 * time.Millisecond)
	b, err := s.Schedule(buffer(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if b.Start != t0+500*time.Millisecond {
		t.Errorf("late buffer starts at %v, want now (%v)", b.Start, t0+500*time.Millisecond)
	}
	if b.Start < a.End {
		t.Errorf("late buffer overlaps previous: %v < %v", b.Start, a.End)
	}
}

func TestSchedule_NoOverlapUnderJitter(t *testing.T) {
	t.Parallel()

	s, _, clock := newScheduler(t)
	rng := rand.New(rand.NewPCG(7, 11))

	var prev playback.Slot
	for i := range 500 {
		clock.Advance(time.Duration(rng.IntN(300)) * time.Millisecond)
		now := clock.Now()
		slot, err := s.Schedule(buffer(time.Duration(rng.IntN(250)+1) * time.Millisecond))
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if slot.Start < now {
			t.Fatalf("slot %d starts in the past: %v < %v", i, slot.Start, now)
		}
		if i > 0 {
			if slot.Start < prev.Start {
				t.Fatalf("slot %d start decreased: %v < %v", i, slot.Start, prev.Start)
			}
			if slot.Start < prev.End {
				t.Fatalf("slot %d overlaps previous: start %v < end %v", i, slot.Start, prev.End)
			}
			if slot.Seq != prev.Seq+1 {
				t.Fatalf("slot %d seq = %d, want %d", i, slot.Seq, prev.Seq+1)
			}
		}
		prev = slot
	}
}

func TestPlayback_PreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	s, spk, clock := newScheduler(t)

	var slots []playback.Slot
	for _, ms := range []int{30, 10, 20, 5} {
		slot, _ := s.Schedule(buffer(time.Duration(ms) * time.Millisecond))
		slots = append(slots, slot)
	}
	for i, slot := range slots {
		clock.Advance(slot.Start - clock.Now())
		p := waitPlay(t, spk)
		if p.At != slot.Start {
			t.Errorf("buffer %d played at %v, want %v", i, p.At, slot.Start)
		}
	}
}

func TestClose_AbruptCancelsPendingAndHalts(t *testing.T) {
	t.Parallel()

	var reported int
	s, spk, clock := newScheduler(t, playback.WithOnCancel(func(n int) { reported += n }))

	// One buffer is sounding; three more are waiting for their slot.
	if _, err := s.Schedule(buffer(200 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitPlay(t, spk)
	for range 3 {
		if _, err := s.Schedule(buffer(100 * time.Millisecond)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if got := s.Pending(); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}

	if err := s.Close(playback.Abrupt); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := s.Cancelled(); got != 3 {
		t.Errorf("Cancelled = %d, want 3", got)
	}
	if reported != 3 {
		t.Errorf("OnCancel reported %d, want 3", reported)
	}
	if spk.Halts() != 1 {
		t.Errorf("Halts = %d, want 1", spk.Halts())
	}
	if spk.Held() {
		t.Error("speaker still held after Close")
	}

	clock.Advance(time.Second)
	expectNoPlay(t, spk)
	if got := len(spk.Plays()); got != 1 {
		t.Errorf("plays = %d, want 1", got)
	}
}

func TestClose_GracefulLetsCurrentFinish(t *testing.T) {
	t.Parallel()

	s, spk, _ := newScheduler(t)
	_, _ = s.Schedule(buffer(200 * time.Millisecond))
	waitPlay(t, spk)
	_, _ = s.Schedule(buffer(100 * time.Millisecond))

	if err := s.Close(playback.Graceful); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if spk.Halts() != 0 {
		t.Errorf("graceful close halted playback %d times", spk.Halts())
	}
	if s.Cancelled() != 1 {
		t.Errorf("Cancelled = %d, want 1", s.Cancelled())
	}
	if spk.Closes() != 1 {
		t.Errorf("speaker closed %d times, want 1", spk.Closes())
	}
}

func TestClose_IdempotentAndRejectsSchedule(t *testing.T) {
	t.Parallel()

	s, spk, _ := newScheduler(t)
	if err := s.Close(playback.Graceful); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(playback.Abrupt); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if spk.Closes() != 1 {
		t.Errorf("speaker closed %d times, want 1", spk.Closes())
	}
	if _, err := s.Schedule(buffer(time.Millisecond)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Schedule after Close = %v, want ErrClosed", err)
	}
}

func TestFlush_ResetsCursor(t *testing.T) {
	t.Parallel()

	s, spk, clock := newScheduler(t)
	_, _ = s.Schedule(buffer(200 * time.Millisecond))
	waitPlay(t, spk)
	_, _ = s.Schedule(buffer(200 * time.Millisecond))
	_, _ = s.Schedule(buffer(200 * time.Millisecond))

	clock.Advance(50 * time.Millisecond)
	if n := s.Flush(); n != 2 {
		t.Errorf("Flush cancelled %d, want 2", n)
	}
	if spk.Halts() != 1 {
		t.Errorf("Halts = %d, want 1", spk.Halts())
	}
	if got := s.Next(); got != clock.Now() {
		t.Errorf("cursor = %v, want now (%v)", got, clock.Now())
	}

	// The next buffer plays immediately instead of after the flushed ones.
	slot, _ := s.Schedule(buffer(100 * time.Millisecond))
	if slot.Start != clock.Now() {
		t.Errorf("post-flush slot starts at %v, want %v", slot.Start, clock.Now())
	}
	if p := waitPlay(t, spk); p.At != slot.Start {
		t.Errorf("post-flush buffer played at %v, want %v", p.At, slot.Start)
	}
}

func TestManualClock_Until(t *testing.T) {
	t.Parallel()

	c := playback.NewManualClock(0)
	past, _ := c.Until(0)
	select {
	case <-past:
	default:
		t.Error("Until(now) should be closed immediately")
	}

	future, _ := c.Until(time.Second)
	c.Advance(500 * time.Millisecond)
	select {
	case <-future:
		t.Fatal("released too early")
	default:
	}
	c.Advance(500 * time.Millisecond)
	select {
	case <-future:
	case <-time.After(time.Second):
		t.Fatal("not released at deadline")
	}
}

func TestManualClock_UntilStop(t *testing.T) {
	t.Parallel()

	c := playback.NewManualClock(0)
	ch, stop := c.Until(time.Second)
	if c.Waiters() != 1 {
		t.Fatalf("waiters = %d, want 1", c.Waiters())
	}
	stop()
	stop()
	if c.Waiters() != 0 {
		t.Errorf("waiters after stop = %d, want 0", c.Waiters())
	}
	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Error("abandoned wait was released")
	default:
	}
}

func TestSystemClock_UntilStop(t *testing.T) {
	t.Parallel()

	c := playback.NewSystemClock()
	ch, stop := c.Until(c.Now() + 20*time.Millisecond)
	stop()
	select {
	case <-ch:
		t.Error("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}

	ch, _ = c.Until(c.Now() + 10*time.Millisecond)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestSchedule_EarlyWakesDoNotAccumulateWaits(t *testing.T) {
	t.Parallel()

	s, spk, clock := newScheduler(t)

	// Each round leaves the loop waiting on a future buffer, then wakes it
	// early with a flush.
	for round := range 4 {
		if round > 0 {
			s.Flush()
		}
		for range 2 {
			if _, err := s.Schedule(buffer(200 * time.Millisecond)); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		}
		waitPlay(t, spk)
	}

	deadline := time.After(3 * time.Second)
	for clock.Waiters() != 1 {
		select {
		case <-deadline:
			t.Fatalf("armed waits = %d, want 1", clock.Waiters())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
