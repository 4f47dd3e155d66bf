package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is an event stored in the same transaction as the state
// change it describes, and relayed to Kafka afterwards.
type OutboxMessage struct {
	ID        uuid.UUID  `db:"id"`
	Topic     string     `db:"topic"`
	Key       []byte     `db:"key"`
	Payload   []byte     `db:"payload"`
	CreatedAt time.Time  `db:"created_at"`
	Sent      bool       `db:"sent"`
	SentAt    *time.Time `db:"sent_at"`
}
