package cli

import (
	"bytes"
	"unicode/utf8"
)

// placeholder replaces every non-ASCII byte in a masked copy.
const placeholder = '\x1a'

// Scrub erases every backspace together with the character preceding it, left to
// right, undoing terminal redraws such as masked password echoes. A backspace with
// nothing before it is dropped. Scrub(Scrub(b)) == Scrub(b).
func Scrub(b []byte) []byte {
	if bytes.IndexByte(b, '\b') < 0 {
		return b
	}
	out := make([]byte, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == '\b' {
			if len(out) > 0 {
				_, last := utf8.DecodeLastRune(out)
				out = out[:len(out)-last]
			}
		} else {
			out = append(out, b[:size]...)
		}
		b = b[size:]
	}
	return out
}

// Mask delivers a copy of b with every non-ASCII byte replaced by a placeholder.
// Offsets in the copy are offsets in b.
func Mask(b []byte) []byte {
	masked := make([]byte, len(b))
	for i, c := range b {
		if c >= utf8.RuneSelf {
			c = placeholder
		}
		masked[i] = c
	}
	return masked
}

// PromptOffset searches the end of buf, ignoring trailing blanks, for each candidate
// prompt in turn. It returns the offset of the first candidate found, or -1.
func PromptOffset(buf []byte, candidates []string) int {
	tail := bytes.TrimRight(Mask(buf), " \t")
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if bytes.HasSuffix(tail, Mask([]byte(candidate))) {
			return len(tail) - len(candidate)
		}
	}
	return -1
}

func containsMasked(text []byte, substr string) bool {
	return substr != "" && bytes.Contains(Mask(text), Mask([]byte(substr)))
}
