// Package ws adapts a gorilla websocket connection to the replication
// core's transport contract: opaque binary frames carrying packets, plus
// explicit per-packet acknowledgements so the core's sent-command record
// drains. One Session owns one Connection; all core access is serialized
// behind the session's lock.
package ws

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"farlands/replication"
	"farlands/replication/internal/telemetry"
)

// Frame kinds on the websocket.
const (
	frameData = 0x01
	frameAck  = 0x02
)

// ErrMalformedFrame is returned for frames too short to classify.
var ErrMalformedFrame = errors.New("ws: malformed frame")

// DefaultFlushInterval paces the outbound pump when the caller does not
// choose one.
const DefaultFlushInterval = 50 * time.Millisecond

// DefaultReadRate bounds inbound frames per second per connection,
// protecting the single-threaded engine tick from a flooding peer.
const DefaultReadRate = 240

// Session pumps one websocket connection through a replication core.
type Session struct {
	conn   *websocket.Conn
	core   *replication.Connection
	logger telemetry.Logger

	limiter *rate.Limiter
	flush   time.Duration

	mu      sync.Mutex // guards core and conn writes
	closed  bool
	onEvent func([]replication.Event)
}

// Options tunes a session.
type Options struct {
	FlushInterval time.Duration
	ReadRate      rate.Limit
	// OnEvents receives the application events drained after each inbound
	// frame and each flush.
	OnEvents func([]replication.Event)
}

// NewSession wires a websocket connection to a core.
func NewSession(conn *websocket.Conn, core *replication.Connection, logger telemetry.Logger, opts Options) *Session {
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = DefaultFlushInterval
	}
	readRate := opts.ReadRate
	if readRate <= 0 {
		readRate = DefaultReadRate
	}
	return &Session{
		conn:    conn,
		core:    core,
		logger:  logger,
		limiter: rate.NewLimiter(readRate, int(readRate)),
		flush:   flush,
		onEvent: opts.OnEvents,
	}
}

// Serve runs the read loop until the connection dies or ctx is canceled.
// The outbound pump runs on its own goroutine and stops with the session.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writePump(ctx)

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			s.close()
			return err
		}
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := s.handleFrame(payload); err != nil {
			s.logger.Printf("ws session fatal: %v", err)
			s.close()
			return err
		}
	}
}

// handleFrame classifies and applies one inbound frame.
func (s *Session) handleFrame(payload []byte) error {
	if len(payload) < 1 {
		return ErrMalformedFrame
	}
	kind, body := payload[0], payload[1:]

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case frameAck:
		if len(body) != 2 {
			return ErrMalformedFrame
		}
		s.core.NotifyPacketDelivered(replication.Seq(binary.BigEndian.Uint16(body)))
		return nil
	case frameData:
		if len(body) < 2 {
			return ErrMalformedFrame
		}
		packetIndex := binary.BigEndian.Uint16(body[:2])
		if err := s.core.ReceivePacket(body); err != nil {
			return err
		}
		s.emitEventsLocked()
		return s.writeAckLocked(packetIndex)
	default:
		return fmt.Errorf("%w: kind %#x", ErrMalformedFrame, kind)
	}
}

// writePump flushes queued commands on a fixed cadence and runs the core's
// periodic housekeeping.
func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.flushOnce(now) {
				return
			}
		}
	}
}

func (s *Session) flushOnce(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.core.Tick(now)
	for {
		payload, _, ok, err := s.core.FlushOutgoing(now)
		if errors.Is(err, replication.ErrBackpressure) {
			// Window full; acks will reopen it.
			return true
		}
		if err != nil {
			s.logger.Printf("ws flush fatal: %v", err)
			s.closeLocked()
			return false
		}
		if !ok {
			s.emitEventsLocked()
			return true
		}
		frame := make([]byte, 0, len(payload)+1)
		frame = append(frame, frameData)
		frame = append(frame, payload...)
		if werr := s.conn.WriteMessage(websocket.BinaryMessage, frame); werr != nil {
			s.closeLocked()
			return false
		}
	}
}

func (s *Session) writeAckLocked(packetIndex uint16) error {
	frame := []byte{frameAck, 0, 0}
	binary.BigEndian.PutUint16(frame[1:], packetIndex)
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Session) emitEventsLocked() {
	if s.onEvent == nil {
		return
	}
	if events := s.core.Events(); len(events) > 0 {
		s.onEvent(events)
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteMessage(websocket.CloseMessage, message)
	_ = s.conn.Close()
}
