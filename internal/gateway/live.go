package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nimbusiq/nimbus/internal/config"
	"github.com/nimbusiq/nimbus/internal/lease"
	"github.com/nimbusiq/nimbus/internal/observe"
	"github.com/nimbusiq/nimbus/internal/relay"
	"github.com/nimbusiq/nimbus/internal/resilience"
	"github.com/nimbusiq/nimbus/pkg/audio"
	"github.com/nimbusiq/nimbus/pkg/audio/playback"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
)

// liveConn is one client socket acting as a panel instance.
type liveConn struct {
	srv      *Server
	panel    config.PanelConfig
	instance string
	conn     *websocket.Conn
	peer     *peer
	mic      *clientMic
	spk      *clientSpeaker
	ctrl     *relay.Controller
	log      *slog.Logger
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("panel")
	panel, ok := s.src.Current().Panel(name)
	if !ok {
		writeError(w, http.StatusNotFound, CodeInvalidMessage, "unknown panel "+name)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		observe.Logger(r.Context()).Debug("gateway: upgrade failed", "panel", name, "err", err)
		return
	}

	instance := r.URL.Query().Get("instance")
	if instance == "" {
		instance = uuid.NewString()
	}
	p := newPeer(conn)
	lc := &liveConn{
		srv:      s,
		panel:    panel,
		instance: instance,
		conn:     conn,
		peer:     p,
		mic:      newClientMic(),
		spk:      newClientSpeaker(p),
		ctrl:     relay.NewController(name),
		log:      observe.Logger(r.Context()).With("panel", name, "instance", instance),
	}
	if !s.track(lc) {
		_ = p.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(lc)

	// The session outlives the upgrade request; keep its trace values only.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	lc.serve(ctx)
}

// serve reads client messages until the socket closes, then tears the panel
// down abruptly.
func (lc *liveConn) serve(ctx context.Context) {
	lc.log.Info("gateway: client connected")
	var pending sync.WaitGroup
	defer func() {
		if err := lc.ctrl.Stop(playback.Abrupt); err != nil {
			lc.log.Warn("gateway: teardown after disconnect", "err", err)
		}
		pending.Wait()
		// A start still in flight above may have installed a new relay.
		if err := lc.ctrl.Stop(playback.Abrupt); err != nil {
			lc.log.Warn("gateway: teardown after disconnect", "err", err)
		}
		_ = lc.peer.close(websocket.CloseNormalClosure, "")
		lc.log.Info("gateway: client disconnected")
	}()

	// A client that vanishes without a close frame stops answering pings,
	// and the read deadline ends the loop.
	wait := lc.srv.pongWait
	lc.conn.SetReadLimit(maxClientMessage)
	_ = lc.conn.SetReadDeadline(time.Now().Add(wait))
	lc.conn.SetPongHandler(func(string) error {
		return lc.conn.SetReadDeadline(time.Now().Add(wait))
	})
	stopPing := make(chan struct{})
	defer close(stopPing)
	go lc.keepalive(wait*9/10, stopPing)

	for {
		mt, data, err := lc.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				lc.log.Info("gateway: client stopped answering pings")
			case errors.Is(err, websocket.ErrReadLimit):
				lc.log.Warn("gateway: client message too large", "limit", maxClientMessage)
			case !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				lc.log.Debug("gateway: read", "err", err)
			}
			return
		}
		_ = lc.conn.SetReadDeadline(time.Now().Add(wait))

		switch mt {
		case websocket.BinaryMessage:
			samples, err := audio.DecodeFloat32LE(data)
			if err != nil {
				lc.reply(newError(CodeInvalidMessage, err.Error()))
				continue
			}
			lc.mic.feed(samples)
		case websocket.TextMessage:
			var m clientMessage
			if err := json.Unmarshal(data, &m); err != nil {
				lc.reply(newError(CodeInvalidMessage, "malformed JSON"))
				continue
			}
			lc.handle(ctx, m, &pending)
		}
	}
}

// keepalive pings the client every period until stop is closed.
func (lc *liveConn) keepalive(period time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := lc.peer.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (lc *liveConn) handle(ctx context.Context, m clientMessage, pending *sync.WaitGroup) {
	switch m.Type {
	case typeStart:
		f := audio.Format{SampleRate: m.SampleRate, Channels: m.Channels}
		if f.SampleRate > 0 && f.Channels == 0 {
			f.Channels = 1
		}
		lc.mic.configure(f, m.Denied)
		pending.Go(func() { lc.start(ctx) })

	case typeAudio:
		format := lc.mic.currentFormat()
		if (m.SampleRate != 0 && m.SampleRate != format.SampleRate) || (m.Channels != 0 && m.Channels != format.Channels) {
			lc.reply(newError(CodeInvalidMessage, "audio format differs from the one declared at start"))
			return
		}
		buf, err := audio.Decode(m.Data, format.SampleRate, format.Channels)
		if err != nil {
			lc.reply(newError(CodeInvalidMessage, err.Error()))
			return
		}
		lc.mic.feed(buf.Samples)

	case typeStop:
		pending.Go(func() {
			if err := lc.ctrl.Stop(playback.Graceful); err != nil {
				lc.log.Warn("gateway: stop", "err", err)
			}
		})

	default:
		lc.reply(newError(CodeInvalidMessage, "unknown message type "+m.Type))
	}
}

// start replaces any running session with a fresh one. Failures that the
// relay reports through its state hook are not repeated here.
func (lc *liveConn) start(ctx context.Context) {
	_, err := lc.ctrl.Start(ctx, lc.newRelay)
	switch {
	case err == nil,
		errors.Is(err, relay.ErrStopped),
		errors.Is(err, relay.ErrConnectionFailure):
	case errors.Is(err, audio.ErrPermissionDenied):
		lc.reply(newError(CodePermissionDenied, "microphone access was refused"))
	case errors.Is(err, lease.ErrHeld):
		lc.reply(newError(CodePanelBusy, "panel instance is in use elsewhere"))
	default:
		lc.log.Warn("gateway: start session", "err", err)
		lc.reply(newError(CodeInternal, err.Error()))
	}
}

// newRelay builds a relay from the configuration in force now, so that
// reloaded presets apply from the next start.
func (lc *liveConn) newRelay() *relay.Relay {
	s := lc.srv
	cfg := s.src.Current()
	panel, ok := cfg.Panel(lc.panel.Name)
	if !ok {
		panel = lc.panel
	}

	id := uuid.NewString()
	opts := []relay.Option{
		relay.WithSessionID(id),
		relay.WithHooks(lc.hooks(id)),
		relay.WithMetrics(s.metrics),
		relay.WithPreOpenBuffer(cfg.Relay.PreOpenBuffer),
	}
	if s.breaker != nil {
		opts = append(opts, relay.WithBreaker(s.breaker))
	}
	if cfg.Relay.ConnectRetries > 0 {
		opts = append(opts, relay.WithRetry(resilience.Backoff{
			Initial:  cfg.Relay.RetryInitial,
			Max:      cfg.Relay.RetryMax,
			Attempts: cfg.Relay.ConnectRetries,
		}))
	}
	if s.locker != nil {
		opts = append(opts, relay.WithLease(s.locker, s.leaseTTL))
	}

	return relay.New(relay.Config{
		Panel:    panel.Name,
		LeaseKey: panel.Name + "/" + lc.instance,
		Provider: s.provider,
		Input:    lc.mic,
		Output:   lc.spk,
		Session: s2s.SessionConfig{
			Model:               panel.Model,
			Voice:               panel.Voice,
			Instructions:        panel.Instructions,
			InputTranscription:  true,
			OutputTranscription: true,
		},
	}, opts...)
}

// hooks forwards relay events to the client. Halts reach the client through
// the speaker.
func (lc *liveConn) hooks(sessionID string) relay.Hooks {
	return relay.Hooks{
		OnState: func(state relay.State, err error) {
			msg := statusMessage{Type: typeStatus, State: state.String(), SessionID: sessionID}
			if err != nil {
				msg.Error = err.Error()
			}
			lc.reply(msg)
		},
		OnPartial: func(t relay.Turn) {
			lc.reply(transcriptMessage{Type: typeTranscript, Kind: "partial", User: t.User, Model: t.Model})
		},
		OnTurn: func(t relay.Turn) {
			lc.reply(transcriptMessage{Type: typeTranscript, Kind: "turn", User: t.User, Model: t.Model})
		},
		OnDropped: func(err error) {
			lc.reply(newError(CodeDropped, err.Error()))
		},
	}
}

func (lc *liveConn) reply(v any) {
	if err := lc.peer.send(v); err != nil && !errors.Is(err, errPeerClosed) {
		lc.log.Debug("gateway: write", "err", err)
	}
}
