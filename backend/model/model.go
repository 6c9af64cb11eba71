package model

import (
	"time"

	"github.com/google/uuid"
)

type ParticipantID int64

type Participant struct {
	ID       ParticipantID `json:"id"`
	Username string        `json:"username"`
	Email    string        `json:"email"`
}

// Account is a Participant together with its credential material.
// It never leaves the storage and service layers.
type Account struct {
	Participant
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConnID is a registry-issued handle for one live connection.
type ConnID uint64

type RelayedMessage struct {
	ID               uuid.UUID     `json:"id"`
	SenderID         ParticipantID `json:"sender_id"`
	Room             string        `json:"room"`
	EncryptedContent string        `json:"encrypted_content"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Broadcast is the record sent to every member of a room for each relayed payload.
type Broadcast struct {
	SenderID         ParticipantID `json:"sender_id"`
	Room             string        `json:"room"`
	EncryptedContent string        `json:"encrypted_content"`
	CreatedAt        time.Time     `json:"created_at"`
}

func NewBroadcast(msg *RelayedMessage) Broadcast {
	return Broadcast{
		SenderID:         msg.SenderID,
		Room:             msg.Room,
		EncryptedContent: msg.EncryptedContent,
		CreatedAt:        msg.CreatedAt,
	}
}

// Outbox is the bounded queue of encoded frames waiting to be written to one connection.
type Outbox chan []byte

func NewOutbox(size int) Outbox {
	return make(Outbox, size)
}
