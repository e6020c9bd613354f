package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimbusiq/nimbus/internal/lease"
	"github.com/nimbusiq/nimbus/internal/relay"
	amock "github.com/nimbusiq/nimbus/pkg/audio/mock"
	"github.com/nimbusiq/nimbus/pkg/audio/playback"
	smock "github.com/nimbusiq/nimbus/pkg/provider/s2s/mock"
)

// sharedDevices builds relays that all contend for one microphone and one
// speaker, the way consecutive sessions on one panel do.
type sharedDevices struct {
	mic  *amock.Microphone
	spk  *amock.Speaker
	prov *smock.Provider

	// locker, when set, makes every relay take the panel lease.
	locker lease.Locker
}

func newSharedDevices() *sharedDevices {
	return &sharedDevices{
		mic:  amock.NewMicrophone(mono16k),
		spk:  amock.NewSpeaker(),
		prov: &smock.Provider{},
	}
}

func (d *sharedDevices) factory() relay.Factory {
	return func() *relay.Relay {
		opts := []relay.Option{relay.WithClock(playback.NewManualClock(0))}
		if d.locker != nil {
			opts = append(opts, relay.WithLease(d.locker, time.Minute))
		}
		return relay.New(relay.Config{
			Panel:    "architecture",
			Provider: d.prov,
			Input:    d.mic,
			Output:   d.spk,
		}, opts...)
	}
}

func TestController_StartReplacesCurrent(t *testing.T) {
	t.Parallel()

	d := newSharedDevices()
	c := relay.NewController("architecture")
	t.Cleanup(func() { _ = c.Stop(playback.Abrupt) })

	first, err := c.Start(context.Background(), d.factory())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if first.State() != relay.StateOpen {
		t.Fatalf("first state = %s", first.State())
	}

	// The devices refuse a second open, so this only succeeds when the first
	// relay released them beforehand.
	second, err := c.Start(context.Background(), d.factory())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.State() != relay.StateClosed {
		t.Errorf("first state = %s, want closed", first.State())
	}
	if d.spk.Halts() == 0 {
		t.Error("previous relay not stopped abruptly")
	}
	if second.State() != relay.StateOpen {
		t.Errorf("second state = %s, want open", second.State())
	}
	if c.Current() != second {
		t.Error("Current is not the newest relay")
	}
	if d.prov.Calls() != 2 {
		t.Errorf("connect calls = %d, want 2", d.prov.Calls())
	}
}

func TestController_StopClearsCurrent(t *testing.T) {
	t.Parallel()

	d := newSharedDevices()
	c := relay.NewController("architecture")

	if err := c.Stop(playback.Graceful); err != nil {
		t.Fatalf("Stop without relay: %v", err)
	}

	r, err := c.Start(context.Background(), d.factory())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(playback.Graceful); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Current() != nil {
		t.Error("Current not cleared")
	}
	if r.State() != relay.StateClosed {
		t.Errorf("state = %s, want closed", r.State())
	}
	if d.mic.Held() || d.spk.Held() {
		t.Error("devices still held")
	}
}

func TestController_FailedStartStaysCurrent(t *testing.T) {
	t.Parallel()

	d := newSharedDevices()
	d.mic.OpenErr = amock.Denied().OpenErr
	c := relay.NewController("architecture")

	r, err := c.Start(context.Background(), d.factory())
	if err == nil {
		t.Fatal("Start succeeded with a refused microphone")
	}
	if c.Current() != r || r.State() != relay.StateIdle {
		t.Errorf("current = %p state = %s, want the idle relay", c.Current(), r.State())
	}

	d.mic.OpenErr = nil
	if _, err := c.Start(context.Background(), d.factory()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	_ = c.Stop(playback.Abrupt)
}

func TestController_StartWhileAcquiringWaitsForRelease(t *testing.T) {
	t.Parallel()

	d := newSharedDevices()
	locker := lease.NewMemory()
	d.locker = locker
	d.mic.Gate = make(chan struct{})
	d.mic.Waiting = make(chan struct{}, 1)
	c := relay.NewController("architecture")
	t.Cleanup(func() { _ = c.Stop(playback.Abrupt) })

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), d.factory())
		firstErr <- err
	}()

	// The first relay now holds the lease and the speaker and is stuck
	// opening the microphone.
	select {
	case <-d.mic.Waiting:
	case <-time.After(waitFor):
		t.Fatal("first relay never reached the microphone")
	}
	if !locker.Held("architecture") || !d.spk.Held() {
		t.Fatal("first relay does not hold the lease and speaker")
	}

	second, err := c.Start(context.Background(), d.factory())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.State() != relay.StateOpen {
		t.Errorf("second state = %s, want open", second.State())
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, relay.ErrStopped) {
			t.Errorf("first Start = %v, want ErrStopped", err)
		}
	case <-time.After(waitFor):
		t.Fatal("first Start did not return")
	}
	if c.Current() != second {
		t.Error("Current is not the newest relay")
	}
	if d.prov.Calls() != 1 {
		t.Errorf("connect calls = %d, want 1", d.prov.Calls())
	}
}

func TestRelay_StopDuringAcquisitionReleases(t *testing.T) {
	t.Parallel()

	d := newSharedDevices()
	d.locker = lease.NewMemory()
	d.mic.Gate = make(chan struct{})
	d.mic.Waiting = make(chan struct{}, 1)
	r := d.factory()()

	startErr := make(chan error, 1)
	go func() { startErr <- r.Start(context.Background()) }()
	select {
	case <-d.mic.Waiting:
	case <-time.After(waitFor):
		t.Fatal("relay never reached the microphone")
	}

	if err := r.Stop(playback.Abrupt); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Everything is back by the time Stop returns.
	if d.spk.Held() || d.mic.Held() {
		t.Error("devices still held after Stop")
	}
	if d.locker.(*lease.Memory).Held("architecture") {
		t.Error("lease still held after Stop")
	}
	select {
	case <-r.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if err := <-startErr; !errors.Is(err, relay.ErrStopped) {
		t.Errorf("Start = %v, want ErrStopped", err)
	}
}
