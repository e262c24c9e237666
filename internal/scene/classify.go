package scene

import "strings"

// Role classifies a node for the derived computations: text extraction reads
// text, markup and rich-doc cards; the orphan scan reads attachment nodes;
// hidden-index nodes are excluded from extraction entirely.
type Role int

const (
	RoleOther Role = iota
	RoleText
	RoleMarkupCard
	RoleRichDocCard
	RoleHiddenIndex
	RoleAttachment
)

func (r Role) String() string {
	switch r {
	case RoleText:
		return "text"
	case RoleMarkupCard:
		return "markup-card"
	case RoleRichDocCard:
		return "richdoc-card"
	case RoleHiddenIndex:
		return "hidden-index"
	case RoleAttachment:
		return "attachment"
	default:
		return "other"
	}
}

// hiddenIndexIDPrefix is the legacy naming convention for hidden-index nodes.
// Documents persisted before the explicit meta marker existed only carry the
// prefix, so both checks must stay.
const hiddenIndexIDPrefix = "idx-"

// Meta keys recognized by ResolveRole.
const (
	metaCard        = "card"
	metaHiddenIndex = "hiddenIndex"
	metaMarkup      = "markup"
	metaDoc         = "doc"

	cardMarkdown = "markdown"
	cardRichDoc  = "richdoc"
)

var attachmentNodeTypes = map[string]struct{}{
	"image": {},
	"video": {},
	"file":  {},
}

// ResolveRole determines what a node contributes to derived computations.
// Hidden-index detection is deliberately dual: the explicit meta marker, then
// the legacy id-prefix convention. Unknown or malformed metadata degrades to
// RoleOther; this function never fails.
func ResolveRole(n Node) Role {
	if hidden, ok := n.Meta[metaHiddenIndex].(bool); ok && hidden {
		return RoleHiddenIndex
	}
	if strings.HasPrefix(n.ID, hiddenIndexIDPrefix) {
		return RoleHiddenIndex
	}
	if card, ok := n.Meta[metaCard].(string); ok {
		switch card {
		case cardMarkdown:
			return RoleMarkupCard
		case cardRichDoc:
			return RoleRichDocCard
		}
	}
	if _, ok := attachmentNodeTypes[n.Type]; ok && n.AttachmentID != "" {
		return RoleAttachment
	}
	if n.Text != "" {
		return RoleText
	}
	return RoleOther
}

// MarkupSource returns the raw flavored-markup string of a markup card.
func MarkupSource(n Node) string {
	raw, _ := n.Meta[metaMarkup].(string)
	return raw
}

// RichDocTree returns the structured node tree of a rich-document card. The
// shape is whatever JSON decoding produced; callers must not assume it is
// well-formed.
func RichDocTree(n Node) any {
	return n.Meta[metaDoc]
}
