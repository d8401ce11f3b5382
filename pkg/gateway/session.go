// Package gateway implements the session multiplexer: first-frame
// dialect discrimination, bounded per-session read/write tasks, and
// broadcast/targeted send with at-most-one delivery attempt
// (component F).
package gateway

import (
	"encoding/json"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// channelCapacity is the bound on outbound and response channels. A
// full channel drops the message for that session rather than
// back-pressuring the broadcaster.
const channelCapacity = 64

// Dialect is the peer class determined from the session's first frame.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectCLI
	DialectNode
)

func (d Dialect) String() string {
	switch d {
	case DialectCLI:
		return "cli"
	case DialectNode:
		return "node"
	default:
		return "unknown"
	}
}

// helloEnvelope is the CLI dialect's first frame.
type helloEnvelope struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// registerEnvelope is the Node dialect's first frame.
type registerEnvelope struct {
	Type         string          `json:"type"`
	NodeID       string          `json:"node_id"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// frameConn is the subset of *websocket.Conn the session needs,
// narrowed for testability.
type frameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one established connection: a reader task that
// dispatches inbound frames and a writer task that multiplexes the
// response channel with broadcast/targeted sends onto the socket. The
// two halves share no mutable state; they communicate only through
// bounded channels.
type Session struct {
	ID      ids.ID
	Dialect Dialect
	NodeID  ids.ID // set once a Node session's Register frame is processed

	logger zerolog.Logger
	conn   frameConn

	response chan []byte // internal: reader -> writer, one response per inbound frame
	outbound chan []byte // external: broadcaster/targeted sends -> writer

	done chan struct{}
}

// newSession wraps conn in a Session with bounded channels.
func newSession(conn frameConn) *Session {
	id := ids.New()
	return &Session{
		ID:       id,
		logger:   clawlog.WithSessionID(id.String()),
		conn:     conn,
		response: make(chan []byte, channelCapacity),
		outbound: make(chan []byte, channelCapacity),
		done:     make(chan struct{}),
	}
}

// TrySend attempts a non-blocking send on the session's outbound
// channel, used by broadcast and targeted send. Returns false if the
// channel was full; the message is dropped for this session, never
// blocking the caller.
func (s *Session) TrySend(payload []byte) bool {
	select {
	case s.outbound <- payload:
		return true
	default:
		clawmetrics.GatewayBroadcastDrops.Inc()
		return false
	}
}

// Close signals both halves to terminate.
func (s *Session) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.conn.Close()
}

// RunReader is the reader half: consumes inbound frames and invokes
// dispatch for each, which may queue zero or one response frame.
// Terminates on socket error or session close; the writer half is
// cancelled when RunReader returns via Close.
func (s *Session) RunReader(dispatch func(*Session, []byte) ([]byte, error)) {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("session read terminated")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		clawmetrics.GatewayFramesTotal.WithLabelValues(s.Dialect.String(), "in").Inc()

		resp, err := dispatch(s, payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("frame dispatch failed")
			continue
		}
		if resp == nil {
			continue
		}
		select {
		case s.response <- resp:
		default:
			clawmetrics.GatewayBroadcastDrops.Inc()
		}
	}
}

// RunWriter is the writer half: multiplexes the response channel with
// the external outbound channel and writes to the socket.
func (s *Session) RunWriter() {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.response:
			if err := s.write(payload); err != nil {
				return
			}
		case payload := <-s.outbound:
			if err := s.write(payload); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(payload []byte) error {
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Debug().Err(err).Msg("session write failed")
		return err
	}
	clawmetrics.GatewayFramesTotal.WithLabelValues(s.Dialect.String(), "out").Inc()
	return nil
}

// DiscriminateFirstFrame waits for the first text frame and attempts to
// parse it as a CLI Hello, then a Node Register. Terminates with a
// Protocol error reporting at most the first 100 bytes when neither
// matches.
func DiscriminateFirstFrame(conn frameConn) (*Session, []byte, error) {
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, ids.NewError(ids.Protocol, "failed to read first frame", err)
	}
	if messageType != websocket.TextMessage {
		return nil, nil, ids.NewError(ids.Protocol, "first frame was not a text frame", nil)
	}

	session := newSession(conn)

	var hello helloEnvelope
	if err := json.Unmarshal(payload, &hello); err == nil && hello.Type == "Hello" {
		session.Dialect = DialectCLI
		return session, nil, nil
	}

	var register registerEnvelope
	if err := json.Unmarshal(payload, &register); err == nil && register.Type == "Register" {
		session.Dialect = DialectNode
		return session, payload, nil
	}

	preview := payload
	if len(preview) > 100 {
		preview = preview[:100]
	}
	return nil, nil, ids.NewError(ids.Protocol, "unrecognised first frame: "+string(preview), nil)
}

// heartbeatWindow is how long a node session may go without a
// heartbeat before it is considered stale, following the teacher's
// LastHeartbeat bookkeeping adapted into the session registry.
const heartbeatWindow = 30 * time.Second
