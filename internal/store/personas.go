package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nightwatchhq/nightwatch/internal/personas"
)

// EnvMaskSentinel is what update callers send to mean "keep the existing
// decrypted value for this env var".
const EnvMaskSentinel = "***"

// ErrPersonaNotFound is returned for lookups of unknown persona ids.
var ErrPersonaNotFound = errors.New("store: persona not found")

// PersonaStore reads and writes persona records. Model-config env values
// are encrypted at rest and decrypted transparently on read.
type PersonaStore struct {
	db    *sql.DB
	codec envCodec
}

// GetActive returns all active personas in name order.
func (ps *PersonaStore) GetActive(ctx context.Context) ([]personas.Persona, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, name, role, avatar_url, soul, style, skill, model_config, is_active, created_at, updated_at
		FROM agent_personas WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: query active personas: %w", err)
	}
	defer rows.Close()

	var out []personas.Persona
	for rows.Next() {
		p, err := ps.scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByID returns one persona.
func (ps *PersonaStore) GetByID(ctx context.Context, id string) (personas.Persona, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT id, name, role, avatar_url, soul, style, skill, model_config, is_active, created_at, updated_at
		FROM agent_personas WHERE id = ?`, id)
	p, err := ps.scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return personas.Persona{}, ErrPersonaNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (ps *PersonaStore) scanPersona(row rowScanner) (personas.Persona, error) {
	var (
		p           personas.Persona
		soul        string
		style       string
		skill       string
		modelConfig sql.NullString
		active      int
	)
	err := row.Scan(&p.ID, &p.Name, &p.Role, &p.AvatarURL, &soul, &style, &skill,
		&modelConfig, &active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return personas.Persona{}, err
	}
	p.IsActive = active == 1

	if err := json.Unmarshal([]byte(soul), &p.Soul); err != nil {
		return personas.Persona{}, fmt.Errorf("store: persona %s soul: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(style), &p.Style); err != nil {
		return personas.Persona{}, fmt.Errorf("store: persona %s style: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(skill), &p.Skill); err != nil {
		return personas.Persona{}, fmt.Errorf("store: persona %s skill: %w", p.ID, err)
	}
	if modelConfig.Valid && modelConfig.String != "" {
		var mc personas.ModelConfig
		if err := json.Unmarshal([]byte(modelConfig.String), &mc); err != nil {
			return personas.Persona{}, fmt.Errorf("store: persona %s model config: %w", p.ID, err)
		}
		for k, v := range mc.Env {
			mc.Env[k] = ps.codec.Decrypt(v)
		}
		p.ModelConfig = &mc
	}
	return p, nil
}

// Update applies a partial patch. Env values equal to EnvMaskSentinel keep
// the currently stored (decrypted) value; everything else is re-encrypted.
func (ps *PersonaStore) Update(ctx context.Context, id string, patch personas.Patch) error {
	existing, err := ps.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if patch.Role != nil {
		existing.Role = *patch.Role
	}
	if patch.AvatarURL != nil {
		existing.AvatarURL = *patch.AvatarURL
	}
	if patch.Soul != nil {
		existing.Soul = *patch.Soul
	}
	if patch.Style != nil {
		existing.Style = *patch.Style
	}
	if patch.Skill != nil {
		existing.Skill = *patch.Skill
	}
	if patch.IsActive != nil {
		existing.IsActive = *patch.IsActive
	}
	if patch.ModelConfig != nil {
		merged := *patch.ModelConfig
		if merged.Env != nil && existing.ModelConfig != nil {
			for k, v := range merged.Env {
				if v == EnvMaskSentinel {
					merged.Env[k] = existing.ModelConfig.Env[k]
				}
			}
		}
		existing.ModelConfig = &merged
	}

	return ps.write(ctx, existing)
}

func (ps *PersonaStore) write(ctx context.Context, p personas.Persona) error {
	soul, err := json.Marshal(p.Soul)
	if err != nil {
		return fmt.Errorf("store: marshal soul: %w", err)
	}
	style, err := json.Marshal(p.Style)
	if err != nil {
		return fmt.Errorf("store: marshal style: %w", err)
	}
	skill, err := json.Marshal(p.Skill)
	if err != nil {
		return fmt.Errorf("store: marshal skill: %w", err)
	}

	var modelConfig sql.NullString
	if p.ModelConfig != nil {
		mc := *p.ModelConfig
		if mc.Env != nil {
			enc := make(map[string]string, len(mc.Env))
			for k, v := range mc.Env {
				sealed, err := ps.codec.Encrypt(v)
				if err != nil {
					return fmt.Errorf("store: encrypt env %s: %w", k, err)
				}
				enc[k] = sealed
			}
			mc.Env = enc
		}
		raw, err := json.Marshal(mc)
		if err != nil {
			return fmt.Errorf("store: marshal model config: %w", err)
		}
		modelConfig = sql.NullString{String: string(raw), Valid: true}
	}

	active := 0
	if p.IsActive {
		active = 1
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO agent_personas (id, name, role, avatar_url, soul, style, skill, model_config, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role, avatar_url = excluded.avatar_url,
			soul = excluded.soul, style = excluded.style, skill = excluded.skill,
			model_config = excluded.model_config, is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Role, p.AvatarURL, string(soul), string(style), string(skill),
		modelConfig, active, p.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: write persona %s: %w", p.ID, err)
	}
	return nil
}

// seedPersonas installs the default roster once, guarded by the
// agent_personas_seeded sentinel.
func (s *Store) seedPersonas(ctx context.Context) error {
	done, err := s.Meta.Get(ctx, metaSeedSentinel)
	if err != nil {
		return err
	}
	if done != "" {
		return nil
	}

	now := time.Now().UTC()
	for _, p := range personas.SeedRoster() {
		p.ID = uuid.NewString()
		p.CreatedAt = now
		if err := s.Personas.write(ctx, p); err != nil {
			return fmt.Errorf("store: seed persona %s: %w", p.Name, err)
		}
	}
	return s.Meta.Set(ctx, metaSeedSentinel, "1")
}
