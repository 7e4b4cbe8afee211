package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short kept whole", "hello world", "Hello world"},
		{"trimmed", "  what is go?  ", "What is go?"},
		{"empty", "   ", DefaultTitle},
		{
			"cut at late space",
			strings.Repeat("a", 45) + " " + strings.Repeat("b", 30),
			"A" + strings.Repeat("a", 44) + "...",
		},
		{
			"hard cut when space is early",
			"abc " + strings.Repeat("x", 70),
			"Abc " + strings.Repeat("x", 56) + "...",
		},
		{
			"punctuation before ellipsis stripped",
			strings.Repeat("a", 44) + ", " + strings.Repeat("b", 30),
			"A" + strings.Repeat("a", 43) + "...",
		},
		{"exactly sixty", strings.Repeat("z", 60), "Z" + strings.Repeat("z", 59)},
		{"multibyte", "éclair " + strings.Repeat("é", 70), "Éclair " + strings.Repeat("é", 53) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateTitle(tt.content))
		})
	}
}
