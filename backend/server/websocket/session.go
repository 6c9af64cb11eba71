package websocket

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adwski/relaychat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// session drives one connection through
// connecting -> authenticated -> joined -> closed, or connecting -> rejected.
type session struct {
	srv         *Server
	conn        *websocket.Conn
	room        string
	participant *model.Participant
	id          model.ConnID
	outbox      model.Outbox
	state       State

	ctx    context.Context
	cancel context.CancelCauseFunc

	logger zerolog.Logger
}

func newSession(srv *Server, room string) *session {
	return &session{
		srv:    srv,
		room:   room,
		state:  StateConnecting,
		logger: srv.logger.With().Str("room", room).Logger(),
	}
}

// Transitions below run on the handler goroutine until serve starts and on
// the serve goroutine afterwards, so state needs no lock. Out of order
// transitions are no-ops.

func (s *session) reject(conn *websocket.Conn) {
	if s.state != StateConnecting {
		return
	}
	s.state = StateRejected
	s.logger.Warn().Msg("connection rejected: authentication failed")
	webSocketCloser(conn, websocket.ClosePolicyViolation, &s.logger)
}

func (s *session) authenticate(conn *websocket.Conn, p *model.Participant) {
	if s.state != StateConnecting {
		return
	}
	s.conn = conn
	s.participant = p
	s.state = StateAuthenticated
	s.logger = s.logger.With().
		Int64("userID", int64(p.ID)).
		Str("username", p.Username).
		Logger()
	s.ctx, s.cancel = context.WithCancelCause(s.srv.ctx)
}

func (s *session) join() {
	if s.state != StateAuthenticated {
		return
	}
	s.outbox = model.NewOutbox(s.srv.outboxSize)
	s.id = s.srv.svc.JoinRoom(s.room, s.participant, s.outbox, s.evict)
	s.state = StateJoined
	s.logger = s.logger.With().Uint64("conn", uint64(s.id)).Logger()
	s.logger.Debug().Msg("relay session joined")
}

func (s *session) evict() {
	s.cancel(errEvicted)
}

// serve runs the receive and send loops until either ends or the session
// is canceled, then closes the connection and leaves the room.
func (s *session) serve() {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.cancel(s.receive())
	}()
	go func() {
		defer wg.Done()
		s.cancel(s.send())
	}()

	<-s.ctx.Done()
	webSocketCloser(s.conn, closeCode(context.Cause(s.ctx)), &s.logger)
	wg.Wait()
	s.close()
}

// close leaves the room. Only a joined session has a room to leave,
// so a second call does nothing.
func (s *session) close() {
	if s.state != StateJoined {
		return
	}
	s.srv.svc.LeaveRoom(s.id)
	s.state = StateClosed
	s.logger.Debug().
		AnErr("cause", context.Cause(s.ctx)).
		Msg("relay session closed")
}

func closeCode(cause error) int {
	switch {
	case errors.Is(cause, errShutdown):
		return websocket.CloseGoingAway
	case errors.Is(cause, errEvicted):
		return websocket.CloseTryAgainLater
	case errors.Is(cause, errBadPayload):
		return websocket.CloseInvalidFramePayloadData
	default:
		return websocket.CloseNormalClosure
	}
}

// receive reads payloads one by one; each is persisted and broadcast
// before the next one is read.
func (s *session) receive() error {
	s.conn.SetReadLimit(s.srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	s.conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return readDeadLineFunc(s.srv.pongWait)
	})
	if err := readDeadLineFunc(s.srv.pongWait); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return err
	}

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Debug().Err(err).Msg("connection closed by peer")
			default:
				s.logger.Warn().Err(err).Msg("receive failed")
			}
			return errors.Join(errPeerClosed, err)
		}
		if msgType != websocket.TextMessage {
			s.logger.Warn().Int("type", msgType).Msg("non-text frame ignored")
			continue
		}
		if !utf8.Valid(msg) {
			s.logger.Warn().Int("size", len(msg)).Msg("text frame is not valid utf-8")
			return errBadPayload
		}

		n, err := s.srv.svc.Relay(s.participant.ID, s.room, string(msg))
		if err != nil {
			s.logger.Error().Err(err).Msg("relay failed")
			continue
		}
		s.logger.Trace().Int("delivered", n).Int("size", len(msg)).Msg("payload relayed")
	}
}

func (s *session) send() error {
	pingTicker := time.NewTicker(s.srv.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-pingTicker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				s.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return err
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				s.logger.Error().Err(err).Msg("failed to send ping")
				return err
			}
			s.logger.Trace().Msg("ping sent")

		case frame := <-s.outbox:
			if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				s.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return err
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Error().Err(err).Msg("failed to write outgoing frame")
				return err
			}
		}
	}
}

// webSocketCloser sends a close frame with code and closes the connection.
// It is safe to call while another goroutine is writing.
func webSocketCloser(conn *websocket.Conn, code int, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline),
	)
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
