// Package personas defines the identities the bot impersonates and the
// seed roster installed on first run.
package personas

import (
	"strings"
	"time"
)

// Soul is a persona's beliefs and irritations, injected into prompts.
type Soul struct {
	Beliefs   []string `json:"beliefs,omitempty"`
	PetPeeves []string `json:"petPeeves,omitempty"`
}

// Style is a persona's voice: tone, emoji habits, example lines.
type Style struct {
	Voice      string   `json:"voice,omitempty"`
	EmojiRules string   `json:"emojiRules,omitempty"`
	Examples   []string `json:"examples,omitempty"`
}

// Skill carries per-mode instructions and the topic domains used for
// thread handoff scoring.
type Skill struct {
	Modes     map[string]string `json:"modes,omitempty"`
	Expertise []string          `json:"expertise,omitempty"`
	Interests []string          `json:"interests,omitempty"`
}

// ModelConfig optionally pins a persona to a specific provider/model.
// Env values may hold API keys and are encrypted at rest.
type ModelConfig struct {
	Provider string            `json:"provider,omitempty"`
	Model    string            `json:"model,omitempty"`
	BaseURL  string            `json:"baseUrl,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Persona is an identity the bot posts as.
type Persona struct {
	ID          string
	Name        string
	Role        string
	AvatarURL   string
	Soul        Soul
	Style       Style
	Skill       Skill
	ModelConfig *ModelConfig
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Patch is a partial persona update; nil fields are left untouched.
type Patch struct {
	Role        *string
	AvatarURL   *string
	Soul        *Soul
	Style       *Style
	Skill       *Skill
	ModelConfig *ModelConfig
	IsActive    *bool
}

// NormalizeName lowercases and trims a persona name for matching.
// Persona names are case-insensitive unique among active personas.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ByName finds an active persona by case-insensitive name match.
func ByName(list []Persona, name string) (Persona, bool) {
	want := NormalizeName(name)
	for _, p := range list {
		if p.IsActive && NormalizeName(p.Name) == want {
			return p, true
		}
	}
	return Persona{}, false
}

// ByID finds a persona by id.
func ByID(list []Persona, id string) (Persona, bool) {
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// MentionedIn returns the personas whose names appear as whole words in
// text, preserving roster order.
func MentionedIn(list []Persona, text string) []Persona {
	norm := " " + NormalizeName(text) + " "
	var out []Persona
	for _, p := range list {
		if !p.IsActive {
			continue
		}
		name := NormalizeName(p.Name)
		if containsWordBoundary(norm, name) {
			out = append(out, p)
		}
	}
	return out
}

func containsWordBoundary(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := haystack[i-1]
		afterIdx := i + len(word)
		after := byte(' ')
		if afterIdx < len(haystack) {
			after = haystack[afterIdx]
		}
		if isBoundary(before) && isBoundary(after) {
			return true
		}
		idx = i + 1
	}
}

func isBoundary(b byte) bool {
	return !(b >= 'a' && b <= 'z' || b >= '0' && b <= '9')
}
