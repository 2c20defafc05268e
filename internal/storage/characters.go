package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

// CreateCharacter inserts a new character and fills in its id.
func (s *Store) CreateCharacter(ctx context.Context, c *models.Character) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("character name required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	const insert = `INSERT INTO characters (name, persona_prompt, voice, created_at) VALUES (?, ?, ?, ?)`
	if s.driver == "postgres" {
		err := s.db.QueryRowContext(ctx, s.q(insert+` RETURNING id`),
			c.Name, c.PersonaPrompt, c.Voice, c.CreatedAt).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert character: %w", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, insert, c.Name, c.PersonaPrompt, c.Voice, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (s *Store) GetCharacter(ctx context.Context, id int64) (*models.Character, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, persona_prompt, voice, created_at
		FROM characters WHERE id = ?`), id)
	var c models.Character
	if err := row.Scan(&c.ID, &c.Name, &c.PersonaPrompt, &c.Voice, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCharacterNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCharacters(ctx context.Context) ([]*models.Character, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, persona_prompt, voice, created_at
		FROM characters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Character
	for rows.Next() {
		var c models.Character
		if err := rows.Scan(&c.ID, &c.Name, &c.PersonaPrompt, &c.Voice, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
