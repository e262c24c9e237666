package extract

import "testing"

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "headings keep text",
			in:   "# Title\n## Section",
			want: "Title\nSection",
		},
		{
			name: "emphasis markers removed",
			in:   "some **bold** and _italic_ and ~~struck~~ text",
			want: "some bold and italic and struck text",
		},
		{
			name: "links collapse to text",
			in:   "see [the docs](https://example.com) for details",
			want: "see the docs for details",
		},
		{
			name: "images collapse to alt text",
			in:   "![diagram](https://example.com/d.png)",
			want: "diagram",
		},
		{
			name: "inline code removed",
			in:   "run `make build` before tests",
			want: "run before tests",
		},
		{
			name: "fenced code removed entirely",
			in:   "before\n```go\nfunc main() {}\n```\nafter",
			want: "before\nafter",
		},
		{
			name: "list and quote markers removed",
			in:   "- first\n* second\n1. third\n> quoted",
			want: "first\nsecond\nthird\nquoted",
		},
		{
			name: "horizontal rule removed",
			in:   "above\n---\nbelow",
			want: "above\nbelow",
		},
		{
			name: "blank line runs collapse",
			in:   "one\n\n\n\ntwo",
			want: "one\n\ntwo",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkup(tt.in); got != tt.want {
				t.Errorf("StripMarkup(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRichDocText(t *testing.T) {
	doc := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{
				"type": "heading",
				"content": []any{
					map[string]any{"type": "text", "text": "Design notes"},
				},
			},
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": "First point."},
					map[string]any{"type": "text", "text": "Second point."},
				},
			},
		},
	}

	want := "Design notes First point. Second point."
	if got := RichDocText(doc); got != want {
		t.Errorf("RichDocText() = %q, want %q", got, want)
	}
}

func TestRichDocTextMalformed(t *testing.T) {
	cases := []any{
		nil,
		"just a string",
		42,
		[]any{"not", "a", "map"},
		map[string]any{"type": "doc", "content": "not a slice"},
		map[string]any{"type": "doc", "content": []any{nil, 7, []any{}}},
		map[string]any{"unknown": true},
	}
	for i, c := range cases {
		if got := RichDocText(c); got != "" {
			t.Errorf("case %d: RichDocText(%v) = %q, want empty", i, c, got)
		}
	}
}
