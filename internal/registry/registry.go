// Package registry maps watched projects to chat channels and GitHub
// repos. The registry is seeded from config, persisted, and refreshed when
// the config file changes.
package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nightwatchhq/nightwatch/internal/config"
	"github.com/nightwatchhq/nightwatch/internal/store"
)

// Service is a read-mostly view over the persisted project registry.
type Service struct {
	projects *store.ProjectStore

	mu    sync.RWMutex
	cache []store.Project
}

// New creates the service and loads the persisted registry.
func New(ctx context.Context, projects *store.ProjectStore) (*Service, error) {
	s := &Service{projects: projects}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Seed upserts config-declared projects and refreshes the cache. Projects
// already in the database but absent from config are kept; the config is
// additive so operators can register projects at runtime too.
func (s *Service) Seed(ctx context.Context, projects []config.ProjectConfig) error {
	for _, p := range projects {
		name := p.Name
		if name == "" {
			name = filepath.Base(p.Path)
		}
		err := s.projects.Upsert(ctx, store.Project{
			Path:      p.Path,
			Name:      name,
			ChannelID: p.Channel,
			Repo:      p.Repo,
		})
		if err != nil {
			return err
		}
	}
	return s.refresh(ctx)
}

// OnConfigChange is the hot-reload hook for config.Watch.
func (s *Service) OnConfigChange(ctx context.Context) func(*config.Config) {
	return func(cfg *config.Config) {
		if err := s.Seed(ctx, cfg.Projects); err != nil {
			slog.Warn("project registry reload failed", "error", err)
		}
	}
}

func (s *Service) refresh(ctx context.Context) error {
	all, err := s.projects.All(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache = all
	s.mu.Unlock()
	return nil
}

// All returns every registered project.
func (s *Service) All() []store.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Project, len(s.cache))
	copy(out, s.cache)
	return out
}

// ByHint matches a project by name or path basename, case-insensitive.
func (s *Service) ByHint(hint string) (store.Project, bool) {
	if hint == "" {
		return store.Project{}, false
	}
	needle := strings.ToLower(hint)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cache {
		if strings.ToLower(p.Name) == needle || strings.ToLower(filepath.Base(p.Path)) == needle {
			return p, true
		}
	}
	// Substring fallback for hints like "the billing repo".
	for _, p := range s.cache {
		if strings.Contains(needle, strings.ToLower(p.Name)) {
			return p, true
		}
	}
	return store.Project{}, false
}

// ByChannel returns the project bound to a channel.
func (s *Service) ByChannel(channel string) (store.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cache {
		if p.ChannelID == channel {
			return p, true
		}
	}
	return store.Project{}, false
}

// ByPath returns the project registered at path.
func (s *Service) ByPath(path string) (store.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cache {
		if p.Path == path {
			return p, true
		}
	}
	return store.Project{}, false
}

// Single returns the sole registered project, if exactly one exists.
func (s *Service) Single() (store.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.cache) == 1 {
		return s.cache[0], true
	}
	return store.Project{}, false
}

// Resolve applies the hint > channel > single-registered precedence.
func (s *Service) Resolve(hint, channel string) (store.Project, bool) {
	if p, ok := s.ByHint(hint); ok {
		return p, true
	}
	if p, ok := s.ByChannel(channel); ok {
		return p, true
	}
	return s.Single()
}
