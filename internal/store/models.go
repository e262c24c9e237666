package store

import (
	"encoding/json"
	"time"
)

// Document is the mutable head record of a canvas. Everything versioned lives
// in Version rows; the document row only carries the current-version pointer,
// the concurrency token, and denormalized derived fields.
type Document struct {
	ID               string
	Title            string
	CurrentVersion   int64
	ConcurrencyToken string
	SearchText       string
	PreviewKey       string
	UpdatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Version is one immutable snapshot. Rows are only ever inserted; nothing in
// this package updates or deletes them.
type Version struct {
	DocumentID   string
	Version      int64
	Author       string
	Label        string
	Payload      json.RawMessage
	PreviewKey   string
	PayloadBytes int64
	CreatedAt    time.Time
}

// AppendVersionInput carries everything the save transaction writes.
// ExpectedToken empty means the caller skips the compare-and-swap (first save
// of a session, restore, cleanup).
type AppendVersionInput struct {
	DocumentID    string
	ExpectedToken string
	NewToken      string
	Author        string
	Label         string
	Payload       json.RawMessage
	SearchText    string
	HasPreview    bool
}
