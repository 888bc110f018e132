package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"slidegen/internal/project"
)

type CreateProjectRequest struct {
	CreationType      project.CreationType
	IdeaPrompt        string
	OutlineText       string
	DescriptionText   string
	TemplateImage     string
	ExtraRequirements string
}

// CreateProject stores a DRAFT project. Markdown images found in the
// project text become material images for every slide.
func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*project.Project, error) {
	if req.CreationType == "" {
		req.CreationType = project.CreationIdea
	}
	if !req.CreationType.Valid() {
		return nil, fmt.Errorf("%w: %q", project.ErrInvalidCreationType, req.CreationType)
	}
	if strings.TrimSpace(sourceText(req.CreationType, req.IdeaPrompt, req.OutlineText, req.DescriptionText)) == "" {
		return nil, fmt.Errorf("%w: %s project needs its source text", ErrInvalidRequest, req.CreationType)
	}

	now := s.now()
	p := &project.Project{
		ID:                uuid.NewString(),
		CreationType:      req.CreationType,
		IdeaPrompt:        req.IdeaPrompt,
		OutlineText:       req.OutlineText,
		DescriptionText:   req.DescriptionText,
		TemplateImage:     strings.TrimSpace(req.TemplateImage),
		ExtraRequirements: req.ExtraRequirements,
		MaterialImages:    project.ExtractImageURLs(req.IdeaPrompt + "\n" + req.OutlineText + "\n" + req.DescriptionText),
		Status:            project.StatusDraft,
		Pages:             []project.Page{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	log.Info().Str("project_id", p.ID).Str("creation_type", string(p.CreationType)).Msg("project created")
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (*project.Project, error) {
	return s.store.GetProject(ctx, id) //nolint:wrapcheck
}

func (s *Service) ListProjects(ctx context.Context) ([]*project.Project, error) {
	return s.store.ListProjects(ctx) //nolint:wrapcheck
}

// DeleteProject removes the project with its pages, tasks and images. A run
// still in flight finds its rows gone and stops writing.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if err := s.slides.RemoveProject(id); err != nil {
		log.Warn().Str("project_id", id).Err(err).Msg("remove project images failed")
	}
	log.Info().Str("project_id", id).Msg("project deleted")
	return nil
}

// GenerateOutline builds the outline synchronously and replaces the
// project's pages. For description projects the text is also split into
// per-page descriptions. A failure leaves the project as it was.
func (s *Service) GenerateOutline(ctx context.Context, projectID, idea string) (*project.Project, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if p.Generating() {
		return nil, ErrProjectBusy
	}
	if idea = strings.TrimSpace(idea); idea != "" {
		switch p.CreationType {
		case project.CreationOutline:
			p.OutlineText = idea
		case project.CreationDescriptions:
			p.DescriptionText = idea
		default:
			p.IdeaPrompt = idea
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	var (
		outline      []project.OutlineItem
		descriptions []string
	)
	switch p.CreationType {
	case project.CreationOutline:
		outline, err = s.gen.ParseOutlineText(callCtx, p.OutlineText)
	case project.CreationDescriptions:
		outline, err = s.gen.DescriptionToOutline(callCtx, p.DescriptionText)
		if err == nil {
			descriptions, err = s.gen.SplitDescriptions(callCtx, p.DescriptionText, outline)
		}
	default:
		outline, err = s.gen.GenerateOutline(callCtx, p.IdeaPrompt)
	}
	if err != nil {
		log.Warn().Str("project_id", projectID).Err(err).Msg("outline generation failed")
		return nil, fmt.Errorf("generate outline: %w", err)
	}

	now := s.now()
	updated, err := s.store.MutateProject(ctx, projectID, func(cur *project.Project) error {
		if cur.Generating() {
			return ErrProjectBusy
		}
		cur.IdeaPrompt, cur.OutlineText, cur.DescriptionText = p.IdeaPrompt, p.OutlineText, p.DescriptionText
		cur.MaterialImages = mergeURLs(cur.MaterialImages, project.ExtractImageURLs(idea))
		cur.Outline = outline
		cur.Pages = project.BuildPages(cur.ID, outline, now)
		cur.Status = project.StatusOutlineGenerated
		if descriptions != nil {
			for i := range cur.Pages {
				cur.Pages[i].Description = descriptions[i]
				cur.Pages[i].Status = project.PageDescriptionGenerated
			}
			cur.Status = project.StatusDescriptionsGenerated
		}
		cur.ActiveTaskID = ""
		cur.ErrorMessage = ""
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	log.Info().Str("project_id", projectID).Int("pages", len(updated.Pages)).Msg("outline generated")
	return updated, nil
}

func sourceText(ct project.CreationType, idea, outline, description string) string {
	switch ct {
	case project.CreationOutline:
		return outline
	case project.CreationDescriptions:
		return description
	default:
		return idea
	}
}

func mergeURLs(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, u := range have {
		seen[u] = struct{}{}
	}
	for _, u := range add {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			have = append(have, u)
		}
	}
	return have
}
