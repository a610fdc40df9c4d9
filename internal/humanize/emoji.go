package humanize

import (
	"strings"
	"unicode"
)

// pictographs approximates Unicode Extended_Pictographic with the blocks
// that actually show up in LLM output. Flags and keycap bases are included
// so strips do not leave dangling halves.
var pictographs = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x2600, Hi: 0x27BF, Stride: 1}, // misc symbols + dingbats
		{Lo: 0x2B00, Hi: 0x2BFF, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1F1E6, Hi: 0x1F1FF, Stride: 1}, // regional indicators
		{Lo: 0x1F300, Hi: 0x1F5FF, Stride: 1},
		{Lo: 0x1F600, Hi: 0x1F64F, Stride: 1},
		{Lo: 0x1F680, Hi: 0x1F6FF, Stride: 1},
		{Lo: 0x1F700, Hi: 0x1F77F, Stride: 1},
		{Lo: 0x1F900, Hi: 0x1F9FF, Stride: 1},
		{Lo: 0x1FA70, Hi: 0x1FAFF, Stride: 1},
	},
}

func isPictograph(r rune) bool { return unicode.Is(pictographs, r) }

// isFacial reports whether r is a face-style emoji. Faces read as human in
// chat; object pictographs read as decoration and are rationed harder.
func isFacial(r rune) bool {
	switch {
	case r >= 0x1F600 && r <= 0x1F64F:
		return true
	case r >= 0x1F910 && r <= 0x1F92F:
		return true
	case r >= 0x1F970 && r <= 0x1F97A:
		return true
	}
	return false
}

// emoji plumbing characters that are meaningless once their pictograph is gone
func isEmojiJoiner(r rune) bool {
	return r == 0xFE0F || r == 0x200D || (r >= 0x1F3FB && r <= 0x1F3FF)
}

// ApplyEmojiPolicy enforces the at-most-one-emoji rule. With allowEmoji=false
// every pictograph is stripped. Otherwise the first facial emoji survives;
// if there is none and allowNonFacial is set, the first pictograph of any
// kind survives instead. Everything else goes.
func ApplyEmojiPolicy(s string, allowEmoji, allowNonFacial bool) string {
	runes := []rune(s)

	keep := -1
	if allowEmoji {
		for i, r := range runes {
			if isFacial(r) {
				keep = i
				break
			}
		}
		if keep < 0 && allowNonFacial {
			for i, r := range runes {
				if isPictograph(r) {
					keep = i
					break
				}
			}
		}
	}

	out := make([]rune, 0, len(runes))
	for i, r := range runes {
		if i == keep {
			out = append(out, r)
			continue
		}
		if isPictograph(r) || isEmojiJoiner(r) {
			continue
		}
		out = append(out, r)
	}
	return strings.TrimSpace(collapseSpaceRuns(string(out)))
}

func collapseSpaceRuns(s string) string {
	return whitespaceRe.ReplaceAllString(s, " ")
}
