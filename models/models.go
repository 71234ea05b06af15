package models

import "time"

type UserRecord struct {
	Nickname     string `json:"-"`
	Password     string `json:"password"` // hashed
	RegisteredAt string `json:"registered_at"`
}

type ArchivedMessage struct {
	ID        int64
	Kind      string // "public" or "private"
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}
