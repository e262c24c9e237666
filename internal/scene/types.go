// Package scene defines the canvas document payload: the node graph, the
// attachment map, and the derived computations (classification, orphan
// collection) that run over it before a snapshot is persisted.
package scene

import "encoding/json"

// Point is one vertex of a freehand or connector geometry.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one element of the canvas graph: a shape, text block, embedded
// card, or attachment-bearing element. The Meta bag carries free-form editor
// metadata; well-known keys are documented on ResolveRole.
type Node struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	X            float64        `json:"x"`
	Y            float64        `json:"y"`
	Width        float64        `json:"width"`
	Height       float64        `json:"height"`
	Rotation     float64        `json:"rotation,omitempty"`
	Points       []Point        `json:"points,omitempty"`
	Text         string         `json:"text,omitempty"`
	Link         string         `json:"link,omitempty"`
	AttachmentID string         `json:"attachmentId,omitempty"`
	Deleted      bool           `json:"deleted,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Attachment is inline binary content referenced from nodes by map key.
type Attachment struct {
	MIME string `json:"mime"`
	Name string `json:"name,omitempty"`
	Data []byte `json:"data"`
}

// Payload is the full persistable snapshot of a canvas document.
type Payload struct {
	Nodes       []Node                `json:"nodes"`
	Attachments map[string]Attachment `json:"attachments,omitempty"`
	ViewState   json.RawMessage       `json:"viewState,omitempty"`
}
