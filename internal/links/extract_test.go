package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single https link in sentence",
			text: "check this https://example.com/page out",
			want: []string{"https://example.com/page"},
		},
		{
			name: "two http links",
			text: "http://a.com http://b.com",
			want: []string{"http://a.com", "http://b.com"},
		},
		{
			name: "duplicates keep first occurrence order",
			text: "https://a.com https://b.com https://a.com https://c.com https://b.com",
			want: []string{"https://a.com", "https://b.com", "https://c.com"},
		},
		{
			name: "www and bare domain forms",
			text: "see www.example.org and golang.org/doc for details",
			want: []string{"www.example.org", "golang.org/doc"},
		},
		{
			name: "trailing punctuation stripped",
			text: "read https://example.com/article.",
			want: []string{"https://example.com/article"},
		},
		{
			name: "no links",
			text: "just some words here",
			want: nil,
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
		{
			name: "whitespace only",
			text: "   \n\t ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "https://example.com", Normalize("https://example.com"))
	assert.Equal(t, "http://example.com", Normalize("http://example.com"))
	assert.Equal(t, "https://www.example.com", Normalize("www.example.com"))
	assert.Equal(t, "https://example.com/path", Normalize("example.com/path"))
}
