package pipeline

import (
	"context"
	"fmt"

	"slidegen/internal/archive"
	"slidegen/internal/project"
)

// Export renders every page that has an image, in page order, into a zip
// deck.
func (s *Service) Export(ctx context.Context, projectID string) ([]byte, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if p.Status == project.StatusGeneratingImages {
		return nil, ErrProjectBusy
	}

	slides := make([]archive.Slide, 0, len(p.Pages))
	for _, pg := range p.Pages {
		if pg.ImagePath == "" {
			continue
		}
		path, err := s.slides.Path(pg.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("page %s: %w", pg.ID, err)
		}
		slides = append(slides, archive.Slide{Ordinal: pg.Ordinal, Title: pg.Outline.Title, Source: path})
	}
	if len(slides) == 0 {
		return nil, ErrNoImages
	}

	data, err := archive.Render(archive.WithHTTPTimeout(ctx, s.opts.ExportHTTPTimeout), slides)
	if err != nil {
		return nil, fmt.Errorf("render deck: %w", err)
	}
	return data, nil
}
