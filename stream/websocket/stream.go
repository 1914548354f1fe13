// Package websocket feeds a listsync.Listener from a websocket push channel.
//
// Every text or binary frame carries one signal, decoded with the configured
// codec (JSON by default; see StructCodec for protobuf frames). The stream
// redials on a fixed interval after a failure and reports each connection's
// lifecycle as open, error and close events, so the listener can invalidate
// coarsely after reconnects.
//
//	s, _ := websocket.New(websocket.Config{URL: "wss://api.example.com/push"})
//	go s.Run(ctx)
//	_ = eng.Listen(ctx, s.Events())
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unkn0wn-root/listsync"
	"github.com/unkn0wn-root/listsync/codec"
)

const (
	defaultReconnect = time.Second
	defaultBuffer    = 64
	writeWait        = 5 * time.Second
)

type Config struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer // nil => websocket.DefaultDialer

	Codec codec.Codec[listsync.Signal] // nil => codec.JSON

	// ReconnectEvery is the wait between connection attempts; 0 => 1s.
	ReconnectEvery time.Duration
	// PingEvery sends keepalive pings and drops connections whose pongs stop
	// arriving within two intervals. 0 disables keepalive.
	PingEvery time.Duration
	Buffer    int // events channel capacity; 0 => 64

	Logger listsync.Logger
}

// Stream owns the events channel; it is closed when Run returns.
type Stream struct {
	cfg      Config
	dialer   *websocket.Dialer
	codec    codec.Codec[listsync.Signal]
	log      listsync.Logger
	events   chan listsync.Event
	undecode atomic.Uint64
}

func New(cfg Config) (*Stream, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket stream: URL is required")
	}
	s := &Stream{
		cfg:    cfg,
		dialer: cfg.Dialer,
		codec:  cfg.Codec,
		log:    cfg.Logger,
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.codec == nil {
		s.codec = codec.JSON[listsync.Signal]{}
	}
	if s.log == nil {
		s.log = listsync.NopLogger{}
	}
	if s.cfg.ReconnectEvery <= 0 {
		s.cfg.ReconnectEvery = defaultReconnect
	}
	if s.cfg.Buffer <= 0 {
		s.cfg.Buffer = defaultBuffer
	}
	s.events = make(chan listsync.Event, s.cfg.Buffer)
	return s, nil
}

func (s *Stream) Events() <-chan listsync.Event { return s.events }

// Undecodable counts frames that were skipped because they failed to decode.
func (s *Stream) Undecodable() uint64 { return s.undecode.Load() }

// Run connects and keeps reconnecting until ctx ends, then closes Events.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)

	t := time.NewTicker(s.cfg.ReconnectEvery)
	defer t.Stop()
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errClosedByPeer) {
			s.emit(ctx, listsync.Event{Kind: listsync.EventClose})
		} else {
			s.emit(ctx, listsync.Event{Kind: listsync.EventError, Err: err})
		}
		s.log.Warn("push stream disconnected", listsync.Fields{"url": s.cfg.URL, "err": err})

		t.Reset(s.cfg.ReconnectEvery)
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errClosedByPeer = errors.New("closed by peer")

func (s *Stream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// unblocks ReadMessage on shutdown
		<-sctx.Done()
		_ = conn.Close()
	}()
	if s.cfg.PingEvery > 0 {
		s.keepalive(sctx, conn)
	}

	s.emit(ctx, listsync.Event{Kind: listsync.EventOpen})
	s.log.Info("push stream connected", listsync.Fields{"url": s.cfg.URL})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClosedByPeer
			}
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		sig, err := s.codec.Decode(data)
		if err != nil {
			s.undecode.Add(1)
			s.log.Warn("undecodable push frame", listsync.Fields{"bytes": len(data), "err": err})
			continue
		}
		s.emit(ctx, listsync.Event{Kind: listsync.EventSignal, Signal: sig})
	}
}

func (s *Stream) keepalive(ctx context.Context, conn *websocket.Conn) {
	wait := 2 * s.cfg.PingEvery
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	go func() {
		t := time.NewTicker(s.cfg.PingEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Stream) emit(ctx context.Context, ev listsync.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
