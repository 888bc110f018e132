package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"slidegen/internal/project"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const projectColumns = `id, creation_type, idea_prompt, outline_text, description_text, template_image,
extra_requirements, material_images, status, outline, active_task_id, error_message, created_at, updated_at`

func (s *Store) CreateProject(ctx context.Context, p *project.Project) error {
	_, err := transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		materials, outline, err := projectJSON(p)
		if err != nil {
			return struct{}{}, err
		}
		query := `INSERT INTO projects (` + projectColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);`
		if _, err := tx.Exec(ctx, query,
			p.ID, p.CreationType, p.IdeaPrompt, p.OutlineText, p.DescriptionText, p.TemplateImage,
			p.ExtraRequirements, materials, p.Status, outline, p.ActiveTaskID, p.ErrorMessage,
			p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return struct{}{}, fmt.Errorf("insert project: %w", err)
		}
		return struct{}{}, insertPages(ctx, tx, p.ID, p.Pages)
	})
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	return getProject(ctx, s.pool, id, false)
}

func (s *Store) ListProjects(ctx context.Context) ([]*project.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM projects ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan project ids: %w", err)
	}
	out := make([]*project.Project, 0, len(ids))
	for _, id := range ids {
		p, err := getProject(ctx, s.pool, id, false)
		if errors.Is(err, project.ErrProjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// MutateProject locks the project row, applies fn and rewrites the project
// and its pages in the same transaction.
func (s *Store) MutateProject(ctx context.Context, id string, fn func(p *project.Project) error) (*project.Project, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (*project.Project, error) {
		p, err := getProject(ctx, tx, id, true)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			return nil, err
		}
		p.ID = id
		p.UpdatedAt = time.Now().UTC()

		materials, outline, err := projectJSON(p)
		if err != nil {
			return nil, err
		}
		query := `
UPDATE projects
SET creation_type = $2, idea_prompt = $3, outline_text = $4, description_text = $5,
    template_image = $6, extra_requirements = $7, material_images = $8, status = $9,
    outline = $10, active_task_id = $11, error_message = $12, updated_at = $13
WHERE id = $1;
`
		if _, err := tx.Exec(ctx, query,
			p.ID, p.CreationType, p.IdeaPrompt, p.OutlineText, p.DescriptionText,
			p.TemplateImage, p.ExtraRequirements, materials, p.Status,
			outline, p.ActiveTaskID, p.ErrorMessage, p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("update project: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM pages WHERE project_id = $1;`, id); err != nil {
			return nil, fmt.Errorf("clear pages: %w", err)
		}
		if err := insertPages(ctx, tx, id, p.Pages); err != nil {
			return nil, err
		}
		return p, nil
	})
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return project.ErrProjectNotFound
	}
	return nil
}

func getProject(ctx context.Context, q querier, id string, forUpdate bool) (*project.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		p         project.Project
		materials []byte
		outline   []byte
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.CreationType, &p.IdeaPrompt, &p.OutlineText, &p.DescriptionText, &p.TemplateImage,
		&p.ExtraRequirements, &materials, &p.Status, &outline, &p.ActiveTaskID, &p.ErrorMessage,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, project.ErrProjectNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	if err := json.Unmarshal(materials, &p.MaterialImages); err != nil {
		return nil, fmt.Errorf("decode material images: %w", err)
	}
	if err := json.Unmarshal(outline, &p.Outline); err != nil {
		return nil, fmt.Errorf("decode outline: %w", err)
	}

	rows, err := q.Query(ctx, `
SELECT id, project_id, ordinal, outline, description, image_path, status, error, updated_at
FROM pages WHERE project_id = $1 ORDER BY ordinal;`, id)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()
	p.Pages = []project.Page{}
	for rows.Next() {
		var (
			pg  project.Page
			raw []byte
		)
		if err := rows.Scan(&pg.ID, &pg.ProjectID, &pg.Ordinal, &raw, &pg.Description,
			&pg.ImagePath, &pg.Status, &pg.Error, &pg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if err := json.Unmarshal(raw, &pg.Outline); err != nil {
			return nil, fmt.Errorf("decode page outline: %w", err)
		}
		p.Pages = append(p.Pages, pg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return &p, nil
}

func insertPages(ctx context.Context, tx pgx.Tx, projectID string, pages []project.Page) error {
	if len(pages) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, pg := range pages {
		raw, err := json.Marshal(pg.Outline)
		if err != nil {
			return fmt.Errorf("encode page outline: %w", err)
		}
		batch.Queue(`
INSERT INTO pages (id, project_id, ordinal, outline, description, image_path, status, error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
			pg.ID, projectID, pg.Ordinal, raw, pg.Description, pg.ImagePath, pg.Status, pg.Error, pg.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert pages: %w", err)
	}
	return nil
}

func projectJSON(p *project.Project) (materials, outline []byte, err error) {
	images := p.MaterialImages
	if images == nil {
		images = []string{}
	}
	if materials, err = json.Marshal(images); err != nil {
		return nil, nil, fmt.Errorf("encode material images: %w", err)
	}
	items := p.Outline
	if items == nil {
		items = []project.OutlineItem{}
	}
	if outline, err = json.Marshal(items); err != nil {
		return nil, nil, fmt.Errorf("encode outline: %w", err)
	}
	return materials, outline, nil
}
