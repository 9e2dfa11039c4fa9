// Package session implements the per-connection state machine: identity
// issuance, inbound parse/validate/rewrite, rate limiting, outbound
// self-filter, and guaranteed cleanup. Grounded on the teacher's
// internal/websocket handler (reader/writer goroutine pair, ping
// ticker, read deadlines, non-blocking sends) generalized from the
// teacher's host/client/approval protocol onto spec.md §4.5's anonymous
// duplex-relay protocol.
package session

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/moli-green/signal/internal/admission"
	"github.com/moli-green/signal/internal/connid"
	"github.com/moli-green/signal/internal/metrics"
	"github.com/moli-green/signal/internal/room"
)

// Limits, per spec.md §6.
const (
	MaxMsgSize      = 16 * 1024
	RateLimitWarn   = 10
	RateLimitMax    = 50
	RateLimitWindow = time.Second
	WriteTimeout    = 10 * time.Second
	PingInterval    = 30 * time.Second
	PongWait        = 60 * time.Second
)

// State is a ConnectionSession lifecycle stage.
type State int32

const (
	Admitted State = iota
	Identified
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Identified:
		return "identified"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type wireFrame struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
}

func identityFrame(id connid.ID) []byte {
	b, _ := json.Marshal(wireFrame{Type: "identity", SenderID: id.String()})
	return b
}

func leaveFrame(id connid.ID) []byte {
	b, _ := json.Marshal(wireFrame{Type: "leave", SenderID: id.String()})
	return b
}

// rateLimiter implements the fixed 1-second window of spec.md §4.5.
type rateLimiter struct {
	windowStart time.Time
	count       int
}

type rateOutcome int

const (
	rateProceed rateOutcome = iota
	rateDrop
	rateDisconnect
)

func (rl *rateLimiter) check(now time.Time) rateOutcome {
	if now.Sub(rl.windowStart) >= RateLimitWindow {
		rl.windowStart = now
		rl.count = 0
	}
	rl.count++

	switch {
	case rl.count <= RateLimitWarn:
		return rateProceed
	case rl.count <= RateLimitMax:
		return rateDrop
	default:
		return rateDisconnect
	}
}

// Session runs one admitted connection's duplex relay loop end to end.
type Session struct {
	ID     connid.ID
	conn   *websocket.Conn
	rm     *room.Room
	sub    *room.Subscription
	reg    pruner
	ticket *admission.Ticket
	log    *zap.Logger

	state State
	rl    rateLimiter
}

// pruner is the subset of *room.Registry a Session needs; narrowed for
// testability.
type pruner interface {
	Prune(id connid.ID)
}

// New constructs a Session already past Admitted; ID assignment happens
// here since it is the first act of the Identified transition.
func New(conn *websocket.Conn, rm *room.Room, sub *room.Subscription, reg pruner, ticket *admission.Ticket, log *zap.Logger) *Session {
	return &Session{
		ID:     connid.New(),
		conn:   conn,
		rm:     rm,
		sub:    sub,
		reg:    reg,
		ticket: ticket,
		log:    log,
		state:  Admitted,
		rl:     rateLimiter{windowStart: time.Now()},
	}
}

// Run drives the session through Identified -> Active -> Draining ->
// Closed and performs cleanup exactly once before returning.
func (s *Session) Run() {
	defer s.cleanup()

	s.conn.SetReadLimit(MaxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	if err := s.writeText(identityFrame(s.ID)); err != nil {
		s.state = Draining
		return
	}
	s.state = Identified
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	s.state = Active

	outboundDone := make(chan struct{})
	go func() {
		defer close(outboundDone)
		s.outboundLoop()
	}()

	s.inboundLoop()

	s.sub.Close()
	<-outboundDone

	s.state = Draining
}

func (s *Session) inboundLoop() {
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		switch s.rl.check(time.Now()) {
		case rateDisconnect:
			metrics.RateLimitDisconnectsTotal.Inc()
			return
		case rateDrop:
			metrics.RateLimitDropsTotal.Inc()
			continue
		}

		if len(payload) > MaxMsgSize {
			continue
		}

		rewritten, ok := s.rewriteSenderID(payload)
		if !ok {
			continue
		}

		metrics.MessagesRelayedTotal.Inc()
		s.rm.Publish(&room.Message{Sender: s.ID, Payload: rewritten})
	}
}

// rewriteSenderID parses payload as a JSON object, overwrites senderId
// with the session's authoritative id, and re-serializes. Non-object or
// malformed JSON is dropped silently (spec.md §4.5 step 4).
func (s *Session) rewriteSenderID(payload []byte) ([]byte, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, false
	}

	idJSON, err := json.Marshal(s.ID.String())
	if err != nil {
		return nil, false
	}
	obj["senderId"] = idJSON

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (s *Session) outboundLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.sub.C():
			if !ok {
				return
			}
			if msg.Sender == s.ID {
				continue // self-filter: spec.md §4.5 outbound step 2
			}
			if err := s.writeText(msg.Payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.writePing(); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeText(payload []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) writePing() error {
	s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// cleanup runs the sequence from spec.md §4.5: leave publish, occupancy
// decrement, prune, ticket release. Safe to call exactly once per
// session (Run's defer is the only caller).
func (s *Session) cleanup() {
	s.rm.Publish(&room.Message{Sender: s.ID, Payload: leaveFrame(s.ID)})

	if s.rm.DecrementOccupancy() == 0 {
		s.reg.Prune(s.rm.ID)
	}

	s.ticket.Release()
	s.conn.Close()
	s.state = Closed

	if s.log != nil {
		s.log.Debug("session closed", zap.String("conn", s.ID.Short()), zap.String("room", s.rm.ID.Short()))
	}
}
