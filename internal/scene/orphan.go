package scene

import "encoding/json"

// CleanupReport describes what orphan collection removed.
type CleanupReport struct {
	Removed    []string `json:"removed"`
	BytesFreed int64    `json:"bytesFreed"`
}

// ReferencedAttachmentIDs returns the set of attachment ids referenced by
// non-deleted attachment-bearing nodes.
func ReferencedAttachmentIDs(p Payload) map[string]struct{} {
	refs := make(map[string]struct{})
	for _, n := range p.Nodes {
		if n.Deleted {
			continue
		}
		if ResolveRole(n) == RoleAttachment {
			refs[n.AttachmentID] = struct{}{}
		}
	}
	return refs
}

// Collect prunes attachments that no non-deleted node references. Nodes are
// never modified or removed; only unreferenced attachment map entries are
// dropped. Collect is idempotent: Collect(Collect(p)) == Collect(p).
func Collect(p Payload) (Payload, CleanupReport) {
	if len(p.Attachments) == 0 {
		return p, CleanupReport{}
	}

	refs := ReferencedAttachmentIDs(p)

	kept := make(map[string]Attachment, len(p.Attachments))
	var report CleanupReport
	for id, att := range p.Attachments {
		if _, ok := refs[id]; ok {
			kept[id] = att
			continue
		}
		report.Removed = append(report.Removed, id)
		report.BytesFreed += entrySize(id, att)
	}

	cleaned := p
	cleaned.Attachments = kept
	return cleaned, report
}

// entrySize is the serialized size of one attachment map entry: the key plus
// the JSON encoding of its value. This is what CleanupAttachments reports as
// bytesFreed.
func entrySize(id string, att Attachment) int64 {
	encoded, err := json.Marshal(att)
	if err != nil {
		return int64(len(id))
	}
	return int64(len(id) + len(encoded))
}
