// Package memory gives each persona a running notebook per project. Reads
// are best-effort and never block a reply; reflection writes run in the
// background and swallow failures.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/store"
)

// Completer is the slice of the LLM surface reflection needs.
type Completer func(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)

const (
	readTimeout    = 2 * time.Second
	reflectTimeout = 90 * time.Second
	maxMemoryChars = 2000
)

// Service reads and maintains persona memories.
type Service struct {
	memories *store.MemoryStore
}

// New wraps the persistent memory table.
func New(memories *store.MemoryStore) *Service {
	return &Service{memories: memories}
}

// Recall returns the persona's memory for a project, or "" when there is
// none or the read fails. Failures are logged and never propagated.
func (s *Service) Recall(ctx context.Context, personaName, projectSlug string) string {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	text, err := s.memories.Get(ctx, personaName, projectSlug)
	if err != nil {
		slog.Warn("memory read failed", "persona", personaName, "project", projectSlug, "error", err)
		return ""
	}
	return text
}

// Reflect asynchronously folds what just happened into the persona's
// memory. The caller never waits on it.
func (s *Service) Reflect(persona personas.Persona, projectSlug, reflectionContext string, llm Completer) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("memory reflection panicked", "persona", persona.Name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), reflectTimeout)
		defer cancel()

		existing, err := s.memories.Get(ctx, persona.Name, projectSlug)
		if err != nil {
			slog.Warn("memory reflection read failed", "persona", persona.Name, "error", err)
			return
		}

		updated, err := llm(ctx, reflectSystemPrompt(persona), reflectUserPrompt(existing, reflectionContext), 600)
		if err != nil {
			slog.Warn("memory reflection failed", "persona", persona.Name, "project", projectSlug, "error", err)
			return
		}
		updated = strings.TrimSpace(updated)
		if updated == "" || strings.EqualFold(updated, "SKIP") {
			return
		}
		if len(updated) > maxMemoryChars {
			updated = updated[:maxMemoryChars]
		}

		if err := s.memories.Set(ctx, persona.Name, projectSlug, updated); err != nil {
			slog.Warn("memory write failed", "persona", persona.Name, "project", projectSlug, "error", err)
		}
	}()
}

func reflectSystemPrompt(p personas.Persona) string {
	return fmt.Sprintf("You maintain the working memory of %s (%s). "+
		"Rewrite the memory to fold in the new events. Keep it under 15 short lines, "+
		"most recent first. Drop stale items. Reply SKIP if nothing is worth keeping.", p.Name, p.Role)
}

func reflectUserPrompt(existing, reflectionContext string) string {
	var sb strings.Builder
	sb.WriteString("Current memory:\n")
	if existing == "" {
		sb.WriteString("(empty)\n")
	} else {
		sb.WriteString(existing)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWhat just happened:\n")
	sb.WriteString(reflectionContext)
	sb.WriteString("\n\nUpdated memory:")
	return sb.String()
}
