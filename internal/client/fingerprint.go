// Package client holds the editor-side save machinery: change detection via a
// content fingerprint, and the autosave session controller that funnels every
// save trigger through one serialized save loop.
package client

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/crypto/blake2b"

	"canvaskeep/api/internal/scene"
)

// nodeDigest is the whitelist of persistable, mutable node fields the
// fingerprint covers. Encoding a fixed struct (rather than the raw node)
// pins the field order; map values inside Meta are key-sorted by encoding/json.
type nodeDigest struct {
	X            float64        `json:"x"`
	Y            float64        `json:"y"`
	Width        float64        `json:"w"`
	Height       float64        `json:"h"`
	Rotation     float64        `json:"r"`
	Points       []scene.Point  `json:"points,omitempty"`
	Text         string         `json:"text,omitempty"`
	Link         string         `json:"link,omitempty"`
	AttachmentID string         `json:"att,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Fingerprint computes a stable digest over the persistable parts of a scene:
// the whitelisted fields of each non-deleted node, in node order, plus the
// sorted attachment id set. Equal inputs always produce equal output. It is a
// local "did anything change" gate, not a security hash.
func Fingerprint(nodes []scene.Node, attachmentIDs []string) string {
	h, _ := blake2b.New256(nil)
	enc := json.NewEncoder(h)

	for _, n := range nodes {
		if n.Deleted {
			continue
		}
		_ = enc.Encode(nodeDigest{
			X:            n.X,
			Y:            n.Y,
			Width:        n.Width,
			Height:       n.Height,
			Rotation:     n.Rotation,
			Points:       n.Points,
			Text:         n.Text,
			Link:         n.Link,
			AttachmentID: n.AttachmentID,
			Meta:         n.Meta,
		})
	}

	ids := make([]string, len(attachmentIDs))
	copy(ids, attachmentIDs)
	sort.Strings(ids)
	_ = enc.Encode(ids)

	return hex.EncodeToString(h.Sum(nil))
}

// PayloadFingerprint fingerprints a full payload.
func PayloadFingerprint(p scene.Payload) string {
	ids := make([]string, 0, len(p.Attachments))
	for id := range p.Attachments {
		ids = append(ids, id)
	}
	return Fingerprint(p.Nodes, ids)
}
