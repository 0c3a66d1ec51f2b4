// Package store persists agents and templates in Postgres. Persona and
// config are JSONB columns mapped through pgx's native JSON support.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kandev/crewhub/internal/agent/models"
	"github.com/kandev/crewhub/internal/common/database"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrDuplicateHandle  = errors.New("agent handle already in use")
)

const uniqueViolation = "23505"

// Store is the Postgres-backed agent repository.
type Store struct {
	db *database.DB
}

// New creates an agent store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateAgent inserts an agent. The active-handle unique index enforces
// case-insensitive handle uniqueness.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO agents (id, handle, kind, persona, config, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Handle, string(a.Kind), a.Persona, a.Config, a.Active, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateHandle
	}
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, handle, kind, persona, config, active, created_at, updated_at
		 FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// GetAgentByHandle returns the active agent with the given handle, matched
// case-insensitively.
func (s *Store) GetAgentByHandle(ctx context.Context, handle string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, handle, kind, persona, config, active, created_at, updated_at
		 FROM agents WHERE LOWER(handle) = LOWER($1) AND active`, handle)
	return scanAgent(row)
}

// ListAgents returns agents ordered by handle. Inactive agents are included
// only when requested.
func (s *Store) ListAgents(ctx context.Context, includeInactive bool) ([]*models.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, handle, kind, persona, config, active, created_at, updated_at
		 FROM agents
		 WHERE $1 OR active
		 ORDER BY handle`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent replaces persona and config.
func (s *Store) UpdateAgent(ctx context.Context, a *models.Agent) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET persona = $2, config = $3, updated_at = NOW() WHERE id = $1`,
		a.ID, a.Persona, a.Config)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// DeactivateAgent retires an agent. The handle becomes reusable because the
// unique index only covers active rows.
func (s *Store) DeactivateAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// CreateTemplate inserts a template.
func (s *Store) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO agent_templates (id, name, type, kind, domain, persona, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, string(t.Type), string(t.Kind), t.Domain, t.Persona, t.Config, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// GetTemplate returns the template with the given id.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, type, kind, domain, persona, config, created_at, updated_at
		 FROM agent_templates WHERE id = $1`, id)
	t := &models.Template{}
	var ttype, kind string
	err := row.Scan(&t.ID, &t.Name, &ttype, &kind, &t.Domain, &t.Persona, &t.Config, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	t.Type = models.TemplateType(ttype)
	t.Kind = models.Kind(kind)
	return t, nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, type, kind, domain, persona, config, created_at, updated_at
		 FROM agent_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		t := &models.Template{}
		var ttype, kind string
		if err := rows.Scan(&t.ID, &t.Name, &ttype, &kind, &t.Domain, &t.Persona, &t.Config, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.Type = models.TemplateType(ttype)
		t.Kind = models.Kind(kind)
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// UpdateTemplate replaces a template's persona, config, and domain.
func (s *Store) UpdateTemplate(ctx context.Context, t *models.Template) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agent_templates SET domain = $2, persona = $3, config = $4, updated_at = NOW() WHERE id = $1`,
		t.ID, t.Domain, t.Persona, t.Config)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM agent_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*models.Agent, error) {
	a := &models.Agent{}
	var kind string
	err := scanner.Scan(&a.ID, &a.Handle, &kind, &a.Persona, &a.Config, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Kind = models.Kind(kind)
	return a, nil
}
