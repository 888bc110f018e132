package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"slidegen/internal/project"
	"slidegen/internal/prompt"
	"slidegen/internal/task"
)

const (
	DefaultAspectRatio = "16:9"
	DefaultResolution  = "2K"
)

type ServiceOptions struct {
	AspectRatio string
	Resolution  string
}

// Service builds prompts, calls the models and parses their answers.
type Service struct {
	text        TextModel
	image       ImageModel
	prompts     *prompt.Builder
	refs        *ReferenceLoader
	aspectRatio string
	resolution  string
}

func NewService(text TextModel, image ImageModel, prompts *prompt.Builder, refs *ReferenceLoader, opts ServiceOptions) *Service {
	if opts.AspectRatio == "" {
		opts.AspectRatio = DefaultAspectRatio
	}
	if opts.Resolution == "" {
		opts.Resolution = DefaultResolution
	}
	return &Service{
		text:        text,
		image:       image,
		prompts:     prompts,
		refs:        refs,
		aspectRatio: opts.AspectRatio,
		resolution:  opts.Resolution,
	}
}

// GenerateOutline asks the text model for an outline of the idea.
func (s *Service) GenerateOutline(ctx context.Context, idea string) ([]project.OutlineItem, error) {
	return s.outline(ctx, "generate outline", prompt.KindOutline, prompt.Data{Idea: idea})
}

// ParseOutlineText splits a user-written outline into pages without
// rewriting it.
func (s *Service) ParseOutlineText(ctx context.Context, text string) ([]project.OutlineItem, error) {
	return s.outline(ctx, "parse outline", prompt.KindParseOutline, prompt.Data{Text: text})
}

// DescriptionToOutline recovers the outline a full description follows.
func (s *Service) DescriptionToOutline(ctx context.Context, text string) ([]project.OutlineItem, error) {
	return s.outline(ctx, "description to outline", prompt.KindDescriptionToOutline, prompt.Data{Text: text})
}

func (s *Service) outline(ctx context.Context, op string, kind prompt.Kind, data prompt.Data) ([]project.OutlineItem, error) {
	raw, err := s.complete(ctx, op, kind, data)
	if err != nil {
		return nil, err
	}
	items, err := project.ParseOutline(raw)
	if err != nil {
		return nil, Permanent(op, err)
	}
	return items, nil
}

// SplitDescriptions cuts a full description into one text per flattened
// outline page.
func (s *Service) SplitDescriptions(ctx context.Context, text string, outline []project.OutlineItem) ([]string, error) {
	const op = "split descriptions"
	pages := project.Flatten(outline)
	outlineJSON, err := json.Marshal(outline)
	if err != nil {
		return nil, Permanent(op, err)
	}
	raw, err := s.complete(ctx, op, prompt.KindSplitDescriptions, prompt.Data{
		Text:        text,
		OutlineJSON: string(outlineJSON),
		PageCount:   len(pages),
	})
	if err != nil {
		return nil, err
	}
	var parts []any
	if err := project.DecodeJSON(raw, &parts); err != nil {
		return nil, Permanent(op, err)
	}
	descriptions := make([]string, len(parts))
	for i, p := range parts {
		descriptions[i] = strings.TrimSpace(fmt.Sprint(p))
	}
	if len(descriptions) != len(pages) {
		return nil, Permanent(op, fmt.Errorf("got %d descriptions for %d pages", len(descriptions), len(pages)))
	}
	return descriptions, nil
}

// GenerateDescription writes the text of one page. ordinal is zero-based.
func (s *Service) GenerateDescription(ctx context.Context, in task.Input, ordinal int) (string, error) {
	return s.complete(ctx, "generate description", prompt.KindDescription, prompt.Data{
		Idea:        in.IdeaPrompt,
		OutlineJSON: in.OutlineJSON,
		PageIndex:   ordinal + 1,
		Title:       in.Title,
		Points:      in.Points,
		Part:        in.Part,
	})
}

// GenerateImage renders one slide from its description.
func (s *Service) GenerateImage(ctx context.Context, in task.Input) ([]byte, error) {
	const op = "generate image"
	if strings.TrimSpace(in.Description) == "" {
		return nil, Permanent(op, errors.New("page has no description"))
	}
	var primary *Image
	if in.TemplateImage != "" {
		img, err := s.refs.Load(ctx, in.TemplateImage)
		if err != nil {
			return nil, err
		}
		primary = &img
	}
	materials := s.refs.LoadOptional(ctx, in.MaterialImages)

	text, err := s.prompts.Build(prompt.KindImage, prompt.Data{
		OutlineText:       in.OutlineText,
		Section:           in.Section,
		Description:       in.Description,
		ExtraRequirements: in.ExtraRequirements,
		HasTemplate:       primary != nil,
		HasMaterialImages: len(materials) > 0,
	})
	if err != nil {
		return nil, Permanent(op, err)
	}
	return s.render(ctx, op, ImageRequest{Prompt: text, Primary: primary, References: materials})
}

// EditImage regenerates a slide from its current image and an instruction.
func (s *Service) EditImage(ctx context.Context, currentImage, instruction, description string, materials []string) ([]byte, error) {
	const op = "edit image"
	if strings.TrimSpace(instruction) == "" {
		return nil, Permanent(op, errors.New("empty edit instruction"))
	}
	current, err := s.refs.Load(ctx, currentImage)
	if err != nil {
		return nil, err
	}
	text, err := s.prompts.Build(prompt.KindEditImage, prompt.Data{Instruction: instruction, Description: description})
	if err != nil {
		return nil, Permanent(op, err)
	}
	return s.render(ctx, op, ImageRequest{
		Prompt:     text,
		Primary:    &current,
		References: s.refs.LoadOptional(ctx, materials),
	})
}

func (s *Service) render(ctx context.Context, op string, req ImageRequest) ([]byte, error) {
	req.AspectRatio = s.aspectRatio
	req.Resolution = s.resolution
	data, err := s.image.GenerateImage(ctx, req)
	if err != nil {
		return nil, Classify(op, err)
	}
	if len(data) == 0 {
		return nil, Permanent(op, ErrNoImage)
	}
	return data, nil
}

func (s *Service) complete(ctx context.Context, op string, kind prompt.Kind, data prompt.Data) (string, error) {
	text, err := s.prompts.Build(kind, data)
	if err != nil {
		return "", Permanent(op, err)
	}
	out, err := s.text.GenerateText(ctx, text)
	if err != nil {
		return "", Classify(op, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", Permanent(op, ErrEmptyResponse)
	}
	return out, nil
}
