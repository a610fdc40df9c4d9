// Package humanize cleans up LLM output before it is posted to chat.
//
// The pipeline is deterministic and idempotent:
//
//  1. SKIP sentinel passes through unchanged
//  2. strip markdown scaffolding (headings, bullets, bold)
//  3. strip canned assistant openers ("Great question", ...)
//  4. drop repeated sentences (global, not just consecutive)
//  5. apply the emoji policy (at most one pictograph survives)
//  6. trim to a sentence budget, then a character budget
package humanize

import (
	"regexp"
	"strings"
	"unicode"
)

// Options bound the shape of a humanized message.
type Options struct {
	MaxSentences   int
	MaxChars       int
	AllowEmoji     bool
	AllowNonFacial bool
}

// Defaults returns the options used for ordinary persona replies.
func Defaults() Options {
	return Options{MaxSentences: 2, MaxChars: 440, AllowEmoji: true, AllowNonFacial: true}
}

// Skip is the sentinel an agent returns to decline a turn.
const Skip = "SKIP"

// IsSkip reports whether s is the opt-out sentinel, tolerating
// surrounding whitespace and any casing.
func IsSkip(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), Skip)
}

var (
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletRe     = regexp.MustCompile(`(?m)^\s*[-*]\s+`)
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// cannedOpeners are assistant-flavored prefixes that give the bot away.
var cannedOpeners = []string{
	"great question",
	"of course",
	"certainly",
	"you're absolutely right",
	"i hope this helps",
}

// Humanize runs the full cleanup pipeline over raw LLM output.
func Humanize(raw string, opts Options) string {
	if IsSkip(raw) {
		return Skip
	}
	if opts.MaxSentences <= 0 {
		opts.MaxSentences = Defaults().MaxSentences
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = Defaults().MaxChars
	}

	s := raw
	s = headingRe.ReplaceAllString(s, "")
	s = bulletRe.ReplaceAllString(s, "")
	s = boldRe.ReplaceAllString(s, "$1")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	s = stripCannedOpeners(s)
	s = DedupeRepeatedSentences(s)
	s = ApplyEmojiPolicy(s, opts.AllowEmoji, opts.AllowNonFacial)
	s = trimSentences(s, opts.MaxSentences)

	if len(s) > opts.MaxChars {
		s = hardTrim(s, opts.MaxChars)
	}
	return strings.TrimSpace(s)
}

func stripCannedOpeners(s string) string {
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(s)
		for _, opener := range cannedOpeners {
			if !strings.HasPrefix(lower, opener) {
				continue
			}
			rest := s[len(opener):]
			rest = strings.TrimLeft(rest, " \t")
			rest = strings.TrimLeft(rest, ",.!:;")
			rest = strings.TrimLeft(rest, " \t")
			s = rest
			changed = true
			break
		}
	}
	return s
}

// DedupeRepeatedSentences removes every later occurrence of a sentence that
// appears more than once anywhere in the text. The first occurrence stays.
func DedupeRepeatedSentences(s string) string {
	sentences := splitSentences(s)
	if len(sentences) < 2 {
		return s
	}
	seen := make(map[string]bool, len(sentences))
	kept := sentences[:0]
	for _, sent := range sentences {
		key := strings.ToLower(strings.TrimRight(strings.TrimSpace(sent), ".!?"))
		if key == "" {
			kept = append(kept, sent)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, sent)
	}
	return strings.Join(kept, " ")
}

// splitSentences splits after runs of terminal punctuation followed by
// whitespace, keeping the punctuation attached. Go regexp has no lookbehind,
// so the scan is manual.
func splitSentences(s string) []string {
	var out []string
	start := 0
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		// Consume the full punctuation run ("...", "?!").
		j := i
		for j+1 < len(runes) && (runes[j+1] == '.' || runes[j+1] == '!' || runes[j+1] == '?') {
			j++
		}
		if j+1 < len(runes) && !unicode.IsSpace(runes[j+1]) {
			i = j
			continue
		}
		sent := strings.TrimSpace(string(runes[start : j+1]))
		if sent != "" {
			out = append(out, sent)
		}
		i = j
		start = j + 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func trimSentences(s string, max int) string {
	sentences := splitSentences(s)
	if len(sentences) <= max {
		return s
	}
	return strings.Join(sentences[:max], " ")
}

func hardTrim(s string, maxChars int) string {
	cut := maxChars - 3
	if cut < 0 {
		cut = 0
	}
	// Do not split a multibyte rune.
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
