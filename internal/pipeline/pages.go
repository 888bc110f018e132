package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"slidegen/internal/project"
)

// UpdatePageOutline replaces a page's title and points. The page keeps its
// part unless a new one is given.
func (s *Service) UpdatePageOutline(ctx context.Context, projectID, pageID string, po project.PageOutline) (*project.Page, error) {
	if strings.TrimSpace(po.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	return s.mutatePage(ctx, projectID, pageID, func(p *project.Project, pg *project.Page) {
		if po.Part == "" {
			po.Part = pg.Outline.Part
		}
		pg.Outline = po
		p.Outline = project.Regroup(p.Pages)
	})
}

// UpdatePageDescription stores a hand-written description.
func (s *Service) UpdatePageDescription(ctx context.Context, projectID, pageID, description string) (*project.Page, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	return s.mutatePage(ctx, projectID, pageID, func(_ *project.Project, pg *project.Page) {
		pg.Description = description
		pg.Status = project.PageDescriptionGenerated
		pg.Error = ""
	})
}

// RegenerateDescription rewrites one page's description with a single model
// call; no task is created.
func (s *Service) RegenerateDescription(ctx context.Context, projectID, pageID string) (*project.Page, error) {
	p, pg, err := s.idlePage(ctx, projectID, pageID)
	if err != nil {
		return nil, err
	}
	outlineJSON, err := json.Marshal(p.Outline)
	if err != nil {
		return nil, fmt.Errorf("encode outline: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	text, err := s.gen.GenerateDescription(callCtx, descriptionInput(p, *pg, string(outlineJSON)), pg.Ordinal)
	if err != nil {
		log.Warn().Str("project_id", projectID).Str("page_id", pageID).Err(err).Msg("regenerate description failed")
		return nil, fmt.Errorf("generate description: %w", err)
	}
	return s.UpdatePageDescription(ctx, projectID, pageID, text)
}

// RegenerateImage renders one page again from its description.
func (s *Service) RegenerateImage(ctx context.Context, projectID, pageID string, useTemplate bool) (*project.Page, error) {
	p, pg, err := s.idlePage(ctx, projectID, pageID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(pg.Description) == "" {
		return nil, ErrNoDescription
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	data, err := s.gen.GenerateImage(callCtx, imageInput(p, *pg, useTemplate))
	if err != nil {
		log.Warn().Str("project_id", projectID).Str("page_id", pageID).Err(err).Msg("regenerate image failed")
		return nil, fmt.Errorf("generate image: %w", err)
	}
	return s.storeImage(ctx, projectID, pageID, data)
}

// EditImage changes a rendered slide following a natural-language
// instruction. The current image is the reference for the edit.
func (s *Service) EditImage(ctx context.Context, projectID, pageID, instruction string) (*project.Page, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, ErrEmptyInstruction
	}
	p, pg, err := s.idlePage(ctx, projectID, pageID)
	if err != nil {
		return nil, err
	}
	if pg.ImagePath == "" {
		return nil, ErrNoImage
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	materials := mergeURLs(append([]string(nil), p.MaterialImages...), project.ExtractImageURLs(instruction))
	data, err := s.gen.EditImage(callCtx, pg.ImagePath, instruction, pg.Description, materials)
	if err != nil {
		log.Warn().Str("project_id", projectID).Str("page_id", pageID).Err(err).Msg("edit image failed")
		return nil, fmt.Errorf("edit image: %w", err)
	}
	return s.storeImage(ctx, projectID, pageID, data)
}

func (s *Service) storeImage(ctx context.Context, projectID, pageID string, data []byte) (*project.Page, error) {
	rel, err := s.slides.SaveSlide(projectID, pageID, data)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}
	pg, err := s.mutatePage(ctx, projectID, pageID, func(_ *project.Project, pg *project.Page) {
		pg.ImagePath = rel
		pg.Status = project.PageCompleted
		pg.Error = ""
	})
	if err != nil {
		if rmErr := s.slides.Remove(rel); rmErr != nil {
			log.Warn().Str("path", rel).Err(rmErr).Msg("remove orphaned image failed")
		}
		return nil, err
	}
	return pg, nil
}

// idlePage returns a snapshot of the project and page, refusing while a
// stage runs.
func (s *Service) idlePage(ctx context.Context, projectID, pageID string) (*project.Project, *project.Page, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck
	}
	if p.Generating() {
		return nil, nil, ErrProjectBusy
	}
	pg, ok := p.Page(pageID)
	if !ok {
		return nil, nil, project.ErrPageNotFound
	}
	return p, pg, nil
}

// mutatePage applies fn to the page unless a stage started meanwhile.
func (s *Service) mutatePage(ctx context.Context, projectID, pageID string, fn func(p *project.Project, pg *project.Page)) (*project.Page, error) {
	var out project.Page
	_, err := s.store.MutateProject(ctx, projectID, func(p *project.Project) error {
		if p.Generating() {
			return ErrProjectBusy
		}
		pg, ok := p.Page(pageID)
		if !ok {
			return project.ErrPageNotFound
		}
		fn(p, pg)
		now := s.now()
		pg.UpdatedAt = now
		p.UpdatedAt = now
		out = *pg
		return nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return &out, nil
}
