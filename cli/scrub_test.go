package cli

import (
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestScrub(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"EraseWithinLines", "abc\bd\n$a\bbc", "abd\n$bc"},
		{"LeadingBackspace", "\bcd", "cd"},
		{"NoBackspace", "show version", "show version"},
		{"MaskedPasswordRedraw", "Password: ****\b\b\b\b\nrouter#", "Password: \nrouter#"},
		{"EraseMultiByteRune", "café\bx", "cafx"},
		{"EraseEverything", "ab\b\b\b\b", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scrubbed := Scrub([]byte(tt.input))
			assert.Equal(t, tt.expect, string(scrubbed))
			assert.Equal(t, string(scrubbed), string(Scrub(scrubbed)), "Scrub should be idempotent")
		})
	}
}

func TestMask(t *testing.T) {
	input := []byte("héllo €#")
	masked := Mask(input)
	assert.Len(t, masked, len(input), "Masking must preserve offsets")
	assert.Equal(t, "h\x1a\x1allo \x1a\x1a\x1a#", string(masked))
	assert.Equal(t, "héllo €#", string(input), "Input must not be modified")
}

func TestPromptOffset(t *testing.T) {
	defaults := []string{"#", "$"}
	tests := []struct {
		name       string
		input      string
		candidates []string
		expect     int
	}{
		{"Hash", "router#", defaults, 6},
		{"TrailingBlank", "user@host:~$ ", defaults, 11},
		{"NoPrompt", "Building configuration...", defaults, -1},
		{"PromptBeforeNewline", "router#\n", defaults, -1},
		{"MultiByteBeforePrompt", "röuter€#", defaults, len("röuter€")},
		{"MultiByteOnly", "é€", defaults, -1},
		{"CandidateOrder", "sw(config)#", []string{")#", "#"}, 9},
		{"CustomPrompt", "prompt> ", []string{">"}, 6},
		{"EmptyCandidate", "router#", []string{"", "#"}, 6},
		{"Empty", "", defaults, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, PromptOffset([]byte(tt.input), tt.candidates))
		})
	}
}
