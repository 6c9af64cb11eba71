package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/storage"
	"github.com/google/uuid"
)

// MemStore keeps accounts and messages in process memory.
// Used for --storage=memory and in tests.
type MemStore struct {
	mx       *sync.Mutex
	accounts map[model.ParticipantID]*model.Account
	byName   map[string]model.ParticipantID
	byEmail  map[string]model.ParticipantID
	messages map[string][]model.RelayedMessage
	lastID   model.ParticipantID
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:       &sync.Mutex{},
		accounts: make(map[model.ParticipantID]*model.Account),
		byName:   make(map[string]model.ParticipantID),
		byEmail:  make(map[string]model.ParticipantID),
		messages: make(map[string][]model.RelayedMessage),
	}
}

func (ms *MemStore) CreateAccount(username, email, passwordHash string) (*model.Account, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.byName[username]; ok {
		return nil, &storage.ConflictError{Field: "username"}
	}
	emailKey := strings.ToLower(email)
	if _, ok := ms.byEmail[emailKey]; ok {
		return nil, &storage.ConflictError{Field: "email"}
	}

	ms.lastID++
	acc := &model.Account{
		Participant: model.Participant{
			ID:       ms.lastID,
			Username: username,
			Email:    email,
		},
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	ms.accounts[acc.ID] = acc
	ms.byName[username] = acc.ID
	ms.byEmail[emailKey] = acc.ID

	cp := *acc
	return &cp, nil
}

func (ms *MemStore) AccountByID(id model.ParticipantID) (*model.Account, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	acc, ok := ms.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (ms *MemStore) AccountByUsername(username string) (*model.Account, error) {
	ms.mx.Lock()
	id, ok := ms.byName[username]
	ms.mx.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return ms.AccountByID(id)
}

// DeleteAccount removes an account. Tokens issued for it stop resolving.
func (ms *MemStore) DeleteAccount(id model.ParticipantID) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	acc, ok := ms.accounts[id]
	if !ok {
		return
	}
	delete(ms.byName, acc.Username)
	delete(ms.byEmail, strings.ToLower(acc.Email))
	delete(ms.accounts, id)
}

func (ms *MemStore) AppendMessage(msg *model.RelayedMessage) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	ms.messages[msg.Room] = append(ms.messages[msg.Room], *msg)
	return nil
}

func (ms *MemStore) RoomMessages(room string, limit int) ([]model.RelayedMessage, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	msgs := ms.messages[room]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.RelayedMessage(nil), msgs...), nil
}
