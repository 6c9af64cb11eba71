package service

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/adwski/relaychat/backend/auth"
	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRegister           = errors.New("unable to register")
	ErrTokenIssue         = errors.New("unable to issue token")
	ErrPersistence        = errors.New("unable to persist message")
	ErrEncode             = errors.New("unable to encode broadcast")
)

type (
	AccountStore interface {
		CreateAccount(username, email, passwordHash string) (*model.Account, error)
		AccountByID(id model.ParticipantID) (*model.Account, error)
		AccountByUsername(username string) (*model.Account, error)
	}

	MessageStore interface {
		AppendMessage(msg *model.RelayedMessage) error
	}

	Switch interface {
		Join(room string, tx model.Outbox, evict func()) model.ConnID
		Leave(id model.ConnID)
		Broadcast(room string, frame []byte) int
		Rooms() map[string]int
	}

	TokenVerifier interface {
		Issue(id model.ParticipantID) (string, error)
		Verify(token string) (model.ParticipantID, error)
	}

	Service struct {
		accounts AccountStore
		messages MessageStore
		sw       Switch
		tokens   TokenVerifier
		logger   zerolog.Logger
		now      func() time.Time
	}

	Config struct {
		AccountStore AccountStore
		MessageStore MessageStore
		Switch       Switch
		Tokens       TokenVerifier
		Logger       *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		accounts: cfg.AccountStore,
		messages: cfg.MessageStore,
		sw:       cfg.Switch,
		tokens:   cfg.Tokens,
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
		now:      time.Now,
	}
}

// Register creates a new account. Username and email must be unused.
func (svc *Service) Register(req auth.RegisterRequest) (*model.Participant, error) {
	if err := auth.ValidateRegister(req); err != nil {
		return nil, errors.Join(ErrInvalidRequest, err)
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, errors.Join(ErrRegister, err)
	}
	acc, err := svc.accounts.CreateAccount(req.Username, req.Email, hash)
	if err != nil {
		return nil, errors.Join(ErrRegister, err)
	}
	svc.logger.Debug().
		Int64("userID", int64(acc.ID)).
		Str("username", acc.Username).
		Msg("user registered")
	return &acc.Participant, nil
}

// Login checks the password and issues a bearer token.
// Unknown user and wrong password are indistinguishable to the caller.
func (svc *Service) Login(req auth.LoginRequest) (string, *model.Participant, error) {
	if err := auth.ValidateLogin(req); err != nil {
		return "", nil, errors.Join(ErrInvalidRequest, err)
	}
	acc, err := svc.accounts.AccountByUsername(req.Username)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			svc.logger.Error().Err(err).Msg("account lookup failed")
		}
		return "", nil, ErrInvalidCredentials
	}
	match, err := auth.ComparePassword(req.Password, acc.PasswordHash)
	if err != nil || !match {
		return "", nil, ErrInvalidCredentials
	}
	token, err := svc.tokens.Issue(acc.ID)
	if err != nil {
		return "", nil, errors.Join(ErrTokenIssue, err)
	}
	return token, &acc.Participant, nil
}

// Authenticate resolves a bearer token to an existing participant.
// A bad token and a token of a deleted account both yield ErrAuthRejected.
func (svc *Service) Authenticate(token string) (*model.Participant, error) {
	id, err := svc.tokens.Verify(token)
	if err != nil {
		return nil, ErrAuthRejected
	}
	acc, err := svc.accounts.AccountByID(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			svc.logger.Error().Err(err).Int64("userID", int64(id)).Msg("account lookup failed")
		}
		return nil, ErrAuthRejected
	}
	return &acc.Participant, nil
}

func (svc *Service) JoinRoom(room string, p *model.Participant, tx model.Outbox, evict func()) model.ConnID {
	id := svc.sw.Join(room, tx, evict)
	svc.logger.Debug().
		Int64("userID", int64(p.ID)).
		Str("room", room).
		Uint64("conn", uint64(id)).
		Msg("participant joined room")
	return id
}

func (svc *Service) LeaveRoom(id model.ConnID) {
	svc.sw.Leave(id)
}

// Relay appends the payload to the message log and broadcasts it to every
// member of room, sender included. A failed append is logged and the
// broadcast still happens. It returns the number of members reached.
func (svc *Service) Relay(sender model.ParticipantID, room, payload string) (int, error) {
	msg := &model.RelayedMessage{
		ID:               uuid.New(),
		SenderID:         sender,
		Room:             room,
		EncryptedContent: payload,
		CreatedAt:        svc.now().UTC(),
	}
	if err := svc.messages.AppendMessage(msg); err != nil {
		svc.logger.Error().
			Err(errors.Join(ErrPersistence, err)).
			Int64("userID", int64(sender)).
			Str("room", room).
			Msg("message was not persisted, relaying anyway")
	}

	frame, err := json.Marshal(model.NewBroadcast(msg))
	if err != nil {
		return 0, errors.Join(ErrEncode, err)
	}
	return svc.sw.Broadcast(room, frame), nil
}

func (svc *Service) Rooms() map[string]int {
	return svc.sw.Rooms()
}
