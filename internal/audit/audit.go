// Package audit records save-pipeline events to an append-only stream.
package audit

import (
	"context"
	"time"
)

// Event is one audit record. Detail holds event-specific extras such as the
// number of attachments removed by a cleanup.
type Event struct {
	Type       string            `json:"type"`
	DocumentID string            `json:"documentId"`
	Version    int64             `json:"version,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Label      string            `json:"label,omitempty"`
	At         time.Time         `json:"at"`
	Detail     map[string]string `json:"detail,omitempty"`
}

const (
	EventDocumentCreated    = "document.created"
	EventDocumentDeleted    = "document.deleted"
	EventVersionSaved       = "version.saved"
	EventVersionRestored    = "version.restored"
	EventSaveConflict       = "save.conflict"
	EventAttachmentsCleaned = "attachments.cleaned"
)

// Sink receives audit events. Emit must not fail the operation being audited;
// implementations log and swallow their own errors.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards every event. Used when no audit backend is configured.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, e Event) {}
