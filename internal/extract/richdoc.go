package extract

import "strings"

// RichDocText recovers plain text from a rich-document card's node tree by a
// depth-first walk. The tree is duck-typed JSON: a leaf with a "text" string
// contributes that value, a container contributes the space-joined extraction
// of its "content" children, and any other shape contributes nothing.
// Malformed trees never fail; they contribute empty string.
func RichDocText(doc any) string {
	node, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	return nodeText(node)
}

func nodeText(node map[string]any) string {
	if text, ok := node["text"].(string); ok {
		return text
	}
	if content, ok := node["content"]; ok {
		return contentText(content)
	}
	return ""
}

func contentText(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}

	var parts []string
	for _, item := range items {
		child, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text := nodeText(child); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
