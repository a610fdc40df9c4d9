package replies

import (
	"strings"

	"github.com/nightwatchhq/nightwatch/internal/personas"
)

// ScoreTopicFit measures how well a message matches a persona's domain.
// Expertise hits weigh double; interests and role words weigh one.
func ScoreTopicFit(text string, p personas.Persona) int {
	words := wordSet(text)

	score := 0
	for _, kw := range p.Skill.Expertise {
		if keywordHits(words, kw) {
			score += 2
		}
	}
	for _, kw := range p.Skill.Interests {
		if keywordHits(words, kw) {
			score++
		}
	}
	for _, kw := range strings.Fields(p.Role) {
		if keywordHits(words, kw) {
			score++
		}
	}
	return score
}

// keywordHits matches a keyword against the message word set. Multi-word
// keywords count when every word is present.
func keywordHits(words map[string]bool, keyword string) bool {
	parts := strings.Fields(strings.ToLower(keyword))
	if len(parts) == 0 {
		return false
	}
	for _, part := range parts {
		if !words[part] {
			return false
		}
	}
	return true
}

func wordSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		out[strings.Trim(w, ".,!?:;()[]{}'\"")] = true
	}
	return out
}
