// Package kv persists accounts and relayed messages in BadgerDB.
//
// Key layout:
//
//	user:id:{%020d id}         -> account record
//	user:name:{username}       -> id
//	user:email:{email}         -> id
//	msg:{b64 room}:{%019d ts}:{uuid} -> message record, optionally sealed
//
// The padded timestamp keeps a room's messages in chronological key order and
// the uuid separates messages stored within the same nanosecond.
// User ids come from a badger sequence and are drawn after the username and
// email checks pass, so rejected registrations leave no gaps. A commit that
// fails after that point still burns its id.
package kv

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	userSeqKey       = "seq:user"
	userSeqBandwidth = 100
)

// Sealer protects message records at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(token string) ([]byte, error)
}

type (
	Config struct {
		DB     *badger.DB
		Sealer Sealer
		Logger *zerolog.Logger
	}

	Store struct {
		db     *badger.DB
		seq    *badger.Sequence
		sealer Sealer
		logger zerolog.Logger
	}
)

func NewStore(cfg Config) (*Store, error) {
	seq, err := cfg.DB.GetSequence([]byte(userSeqKey), userSeqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("user id sequence: %w", err)
	}
	return &Store{
		db:     cfg.DB,
		seq:    seq,
		sealer: cfg.Sealer,
		logger: cfg.Logger.With().Str("component", "badger-store").Logger(),
	}, nil
}

// Close releases the id sequence. The database itself is owned by the caller.
func (s *Store) Close() error {
	return s.seq.Release()
}

func userIDKey(id model.ParticipantID) []byte {
	return []byte(fmt.Sprintf("user:id:%020d", id))
}

func userNameKey(username string) []byte {
	return []byte("user:name:" + username)
}

func userEmailKey(email string) []byte {
	return []byte("user:email:" + strings.ToLower(email))
}

func roomPrefix(room string) []byte {
	return []byte("msg:" + base64.RawURLEncoding.EncodeToString([]byte(room)) + ":")
}

func messageKey(msg *model.RelayedMessage) []byte {
	return append(roomPrefix(msg.Room), fmt.Sprintf("%019d:%s", msg.CreatedAt.UnixNano(), msg.ID)...)
}

func (s *Store) CreateAccount(username, email, passwordHash string) (*model.Account, error) {
	var acc *model.Account
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(userNameKey(username)); err == nil {
			return &storage.ConflictError{Field: "username"}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(userEmailKey(email)); err == nil {
			return &storage.ConflictError{Field: "email"}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		// ids are taken only once both unique indexes are free
		n, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("next user id: %w", err)
		}
		acc = &model.Account{
			Participant: model.Participant{
				ID:       model.ParticipantID(n + 1),
				Username: username,
				Email:    email,
			},
			PasswordHash: passwordHash,
			CreatedAt:    time.Now().UTC(),
		}
		data, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("marshal account: %w", err)
		}
		idRef := []byte(strconv.FormatInt(int64(acc.ID), 10))

		if err = txn.Set(userNameKey(username), idRef); err != nil {
			return err
		}
		if err = txn.Set(userEmailKey(email), idRef); err != nil {
			return err
		}
		return txn.Set(userIDKey(acc.ID), data)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Int64("userID", int64(acc.ID)).
		Str("username", username).
		Msg("account created")
	return acc, nil
}

func (s *Store) AccountByID(id model.ParticipantID) (*model.Account, error) {
	var acc model.Account
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userIDKey(id), &acc)
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) AccountByUsername(username string) (*model.Account, error) {
	var acc model.Account
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userNameKey(username))
		if err != nil {
			return notFound(err)
		}
		ref, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(string(ref), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupted username index: %w", err)
		}
		return getJSON(txn, userIDKey(model.ParticipantID(id)), &acc)
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// AppendMessage stores msg under a new key. Records are never rewritten.
func (s *Store) AppendMessage(msg *model.RelayedMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if s.sealer != nil {
		token, err := s.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("seal message: %w", err)
		}
		data = []byte(token)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), data)
	})
}

// RoomMessages returns up to limit of the most recent messages in room, oldest first.
// A non-positive limit returns every message.
func (s *Store) RoomMessages(room string, limit int) ([]model.RelayedMessage, error) {
	var raws [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(room)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xFF sorts after every digit so the reverse seek starts at the newest key
		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(raws) == limit {
				break
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			raws = append(raws, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]model.RelayedMessage, 0, len(raws))
	for _, raw := range lo.Reverse(raws) {
		if s.sealer != nil {
			if raw, err = s.sealer.Open(string(raw)); err != nil {
				return nil, fmt.Errorf("open message: %w", err)
			}
		}
		var msg model.RelayedMessage
		if err = json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return notFound(err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	return err
}
