package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/relaychat/backend/auth"
	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/service"
	"github.com/adwski/relaychat/backend/storage"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 1 << 20
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type AccountService interface {
	Register(req auth.RegisterRequest) (*model.Participant, error)
	Login(req auth.LoginRequest) (string, *model.Participant, error)
	Rooms() map[string]int
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type LoginResponse struct {
	AccessToken string              `json:"access_token"`
	TokenType   string              `json:"token_type"`
	UserID      model.ParticipantID `json:"user_id"`
}

type HealthResponse struct {
	Status string         `json:"status"`
	Rooms  map[string]int `json:"rooms"`
}

type Server struct {
	logger  zerolog.Logger
	svc     AccountService
	origins []string
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	AccountService AccountService
	ListenAddr     string
	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:     cfg.AccountService,
		origins: cfg.AllowedOrigins,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/register", srv.register)
	r.HandleFunc("POST /api/login", srv.login)
	r.HandleFunc("GET /api/health", srv.health)
	r.HandleFunc("OPTIONS /", srv.corsHandler)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (srv *Server) allowOrigin(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, o := range srv.origins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			return
		}
		if origin != "" && strings.EqualFold(o, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
			return
		}
	}
}

func (srv *Server) corsHandler(w http.ResponseWriter, r *http.Request) {
	srv.allowOrigin(w, r)
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) register(w http.ResponseWriter, r *http.Request) {
	srv.allowOrigin(w, r)
	var regReq auth.RegisterRequest
	if !srv.readJSON(w, r, &regReq) {
		return
	}
	srv.logger.Trace().Str("username", regReq.Username).Msg("got register request")

	p, err := srv.svc.Register(regReq)
	switch {
	case err == nil:
		srv.writeJSON(w, http.StatusOK, p)
	case errors.Is(err, service.ErrInvalidRequest):
		srv.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, storage.ErrConflict):
		var conflict *storage.ConflictError
		if errors.As(err, &conflict) {
			err = conflict
		}
		srv.writeError(w, http.StatusConflict, err)
	default:
		srv.logger.Error().Err(err).Msg("registration failed")
		srv.writeError(w, http.StatusInternalServerError, ErrUnexpected)
	}
}

func (srv *Server) login(w http.ResponseWriter, r *http.Request) {
	srv.allowOrigin(w, r)
	var loginReq auth.LoginRequest
	if !srv.readJSON(w, r, &loginReq) {
		return
	}

	token, p, err := srv.svc.Login(loginReq)
	switch {
	case err == nil:
		srv.writeJSON(w, http.StatusOK, &LoginResponse{
			AccessToken: token,
			TokenType:   "bearer",
			UserID:      p.ID,
		})
	case errors.Is(err, service.ErrInvalidRequest):
		srv.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrInvalidCredentials):
		srv.writeError(w, http.StatusUnauthorized, err)
	default:
		srv.logger.Error().Err(err).Msg("login failed")
		srv.writeError(w, http.StatusInternalServerError, ErrUnexpected)
	}
}

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	srv.allowOrigin(w, r)
	srv.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok", Rooms: srv.svc.Rooms()})
}

func (srv *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (srv *Server) writeError(w http.ResponseWriter, code int, err error) {
	srv.writeJSON(w, code, &GenericResponse{Error: err.Error()})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
