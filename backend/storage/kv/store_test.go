package kv

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/adwski/relaychat/backend/crypto"
	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, sealer Sealer) (*Store, *badger.DB) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)

	logger := zerolog.Nop()
	s, err := NewStore(Config{DB: db, Sealer: sealer, Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return s, db
}

func TestStore_Accounts(t *testing.T) {
	req := require.New(t)
	s, _ := openStore(t, nil)

	alice, err := s.CreateAccount("alice", "alice@example.com", "hash-a")
	req.NoError(err)
	req.Equal(model.ParticipantID(1), alice.ID)

	bob, err := s.CreateAccount("bob", "bob@example.com", "hash-b")
	req.NoError(err)
	req.Equal(model.ParticipantID(2), bob.ID)

	got, err := s.AccountByID(alice.ID)
	req.NoError(err)
	req.Equal("alice", got.Username)
	req.Equal("hash-a", got.PasswordHash)

	got, err = s.AccountByUsername("bob")
	req.NoError(err)
	req.Equal(bob.ID, got.ID)

	_, err = s.AccountByID(99)
	req.ErrorIs(err, storage.ErrNotFound)
	_, err = s.AccountByUsername("carol")
	req.ErrorIs(err, storage.ErrNotFound)
}

func TestStore_AccountConflicts(t *testing.T) {
	req := require.New(t)
	s, _ := openStore(t, nil)

	_, err := s.CreateAccount("alice", "alice@example.com", "hash")
	req.NoError(err)

	_, err = s.CreateAccount("alice", "other@example.com", "hash")
	req.ErrorIs(err, storage.ErrConflict)
	req.EqualError(err, "username already exists")

	_, err = s.CreateAccount("alice2", "ALICE@example.com", "hash")
	req.ErrorIs(err, storage.ErrConflict)
	req.EqualError(err, "email already exists")
}

func TestStore_RejectedRegistrationKeepsIDs(t *testing.T) {
	req := require.New(t)
	s, _ := openStore(t, nil)

	_, err := s.CreateAccount("alice", "alice@example.com", "hash")
	req.NoError(err)
	for i := 0; i < 3; i++ {
		_, err = s.CreateAccount("alice", fmt.Sprintf("a%d@example.com", i), "hash")
		req.ErrorIs(err, storage.ErrConflict)
		_, err = s.CreateAccount(fmt.Sprintf("alice%d", i), "alice@example.com", "hash")
		req.ErrorIs(err, storage.ErrConflict)
	}

	bob, err := s.CreateAccount("bob", "bob@example.com", "hash")
	req.NoError(err)
	req.Equal(model.ParticipantID(2), bob.ID)
}

func TestStore_AppendAndReadMessages(t *testing.T) {
	req := require.New(t)
	s, _ := openStore(t, nil)

	at := time.Now().UTC()
	for i := 0; i < 3; i++ {
		req.NoError(s.AppendMessage(&model.RelayedMessage{
			SenderID:         1,
			Room:             "general",
			EncryptedContent: fmt.Sprintf("ct-%d", i),
			CreatedAt:        at.Add(time.Duration(i) * time.Second),
		}))
	}
	req.NoError(s.AppendMessage(&model.RelayedMessage{
		SenderID:         2,
		Room:             "general:private",
		EncryptedContent: "other room",
		CreatedAt:        at,
	}))

	msgs, err := s.RoomMessages("general", 0)
	req.NoError(err)
	req.Len(msgs, 3)
	for i, m := range msgs {
		req.Equal(fmt.Sprintf("ct-%d", i), m.EncryptedContent)
		req.Equal("general", m.Room)
		req.NotEqual(uuid.Nil, m.ID)
		req.True(at.Add(time.Duration(i) * time.Second).Equal(m.CreatedAt))
	}

	msgs, err = s.RoomMessages("general", 2)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("ct-1", msgs[0].EncryptedContent)
	req.Equal("ct-2", msgs[1].EncryptedContent)

	msgs, err = s.RoomMessages("nowhere", 10)
	req.NoError(err)
	req.Empty(msgs)
}

func TestStore_SameTimestampKeepsBoth(t *testing.T) {
	req := require.New(t)
	s, _ := openStore(t, nil)

	at := time.Now().UTC()
	req.NoError(s.AppendMessage(&model.RelayedMessage{SenderID: 1, Room: "r", EncryptedContent: "a", CreatedAt: at}))
	req.NoError(s.AppendMessage(&model.RelayedMessage{SenderID: 2, Room: "r", EncryptedContent: "b", CreatedAt: at}))

	msgs, err := s.RoomMessages("r", 0)
	req.NoError(err)
	req.Len(msgs, 2)
}

func TestStore_SealedAtRest(t *testing.T) {
	req := require.New(t)
	codec, err := crypto.NewCodec([]byte("at-rest-secret"))
	req.NoError(err)
	s, db := openStore(t, codec)

	msg := &model.RelayedMessage{
		SenderID:         1,
		Room:             "general",
		EncryptedContent: "xY9==",
		CreatedAt:        time.Now().UTC(),
	}
	req.NoError(s.AppendMessage(msg))

	var raw []byte
	req.NoError(db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(msg))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	}))
	req.NotContains(string(raw), "xY9==")

	msgs, err := s.RoomMessages("general", 0)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal("xY9==", msgs[0].EncryptedContent)
	req.Equal(model.ParticipantID(1), msgs[0].SenderID)
}

func TestBadgerLogger(t *testing.T) {
	var buf strings.Builder
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(NewBadgerLogger(&logger)))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.Contains(t, buf.String(), `"component":"badger"`)
}
