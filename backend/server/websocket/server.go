package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultOutboxSize                  = 64

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")

	errShutdown   = errors.New("server shutdown")
	errEvicted    = errors.New("outbox overflow")
	errPeerClosed = errors.New("connection closed")
	errBadPayload = errors.New("payload is not valid utf-8")
)

type (
	RelayService interface {
		Authenticate(token string) (*model.Participant, error)
		JoinRoom(room string, p *model.Participant, tx model.Outbox, evict func()) model.ConnID
		LeaveRoom(id model.ConnID)
		Relay(sender model.ParticipantID, room, payload string) (int, error)
	}

	Config struct {
		Logger         *zerolog.Logger
		RelayService   RelayService
		ListenAddr     string
		AllowedOrigins []string
		MaxMessageSize int64
		OutboxSize     int
		PingInterval   time.Duration
		PongWait       time.Duration
	}

	Server struct {
		svc RelayService
		ws  *websocket.Upgrader
		*http.Server

		maxMessageSize int64
		outboxSize     int
		pingInterval   time.Duration
		pongWait       time.Duration

		// parent of every session context, canceled on shutdown
		ctx      context.Context
		cancel   context.CancelCauseFunc
		sessions *sync.WaitGroup
		mx       *sync.Mutex
		closed   bool

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancelCause(context.Background())
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RelayService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
		maxMessageSize: orDefault(cfg.MaxMessageSize, defaultWebSocketMaxMessageSize),
		outboxSize:     orDefault(cfg.OutboxSize, defaultOutboxSize),
		pingInterval:   orDefault(cfg.PingInterval, defaultPingInterval),
		pongWait:       orDefault(cfg.PongWait, defaultPongWait),
		ctx:            ctx,
		cancel:         cancel,
		sessions:       &sync.WaitGroup{},
		mx:             &sync.Mutex{},
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + srv.pingInterval/2
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{room}", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func orDefault[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		srv.CloseSessions()
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		// hijacked connections are not tracked by http.Server, close them first
		srv.CloseSessions()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// CloseSessions closes every live session and waits until all of them
// have left their rooms.
func (srv *Server) CloseSessions() {
	srv.mx.Lock()
	srv.closed = true
	srv.mx.Unlock()

	srv.cancel(errShutdown)
	srv.sessions.Wait()
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess := newSession(srv, room)
	participant, authErr := srv.svc.Authenticate(bearerToken(r))

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an http error
		sess.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if authErr != nil {
		sess.reject(conn)
		return
	}

	srv.mx.Lock()
	if srv.closed {
		srv.mx.Unlock()
		webSocketCloser(conn, websocket.CloseGoingAway, &sess.logger)
		return
	}
	srv.sessions.Add(1)
	srv.mx.Unlock()

	sess.authenticate(conn, participant)
	sess.join()

	go func() {
		defer srv.sessions.Done()
		sess.serve()
	}()
}
