package harvest

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// SanitizeText repairs text copied out of a rendered DOM. Surrogate halves that
// were encoded one by one as three-byte sequences are recombined into a single
// rune, unpaired halves and invalid bytes become U+FFFD, and the result is NFC
// normalised. Applying it twice gives the same result as applying it once.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	if utf8.ValidString(s) {
		return norm.NFC.String(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if hi, ok := surrogateAt(s, i); ok {
			if utf16.IsSurrogate(hi) && hi < 0xDC00 {
				if lo, ok := surrogateAt(s, i+3); ok && lo >= 0xDC00 {
					b.WriteRune(utf16.DecodeRune(hi, lo))
					i += 6
					continue
				}
			}
			b.WriteRune(utf8.RuneError)
			i += 3
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		b.WriteRune(r)
		i += size
	}
	return norm.NFC.String(b.String())
}

// surrogateAt decodes a three-byte sequence in the surrogate range
// (ED A0..BF 80..BF), which utf8 itself rejects.
func surrogateAt(s string, i int) (rune, bool) {
	if i+3 > len(s) || s[i] != 0xED {
		return 0, false
	}
	b1, b2 := s[i+1], s[i+2]
	if b1 < 0xA0 || b1 > 0xBF || b2 < 0x80 || b2 > 0xBF {
		return 0, false
	}
	return rune(0xD000) | rune(b1&0x3F)<<6 | rune(b2&0x3F), true
}
