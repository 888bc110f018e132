// Package prompt renders the text prompts sent to the models.
package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
)

type Kind string

const (
	KindOutline              Kind = "outline"
	KindParseOutline         Kind = "parse_outline"
	KindDescriptionToOutline Kind = "description_to_outline"
	KindSplitDescriptions    Kind = "split_descriptions"
	KindDescription          Kind = "description"
	KindImage                Kind = "image"
	KindEditImage            Kind = "edit_image"
)

var (
	//go:embed outline.tmpl
	outlineTemplate string
	//go:embed parse_outline.tmpl
	parseOutlineTemplate string
	//go:embed description_to_outline.tmpl
	descriptionToOutlineTemplate string
	//go:embed split_descriptions.tmpl
	splitDescriptionsTemplate string
	//go:embed description.tmpl
	descriptionTemplate string
	//go:embed image.tmpl
	imageTemplate string
	//go:embed edit_image.tmpl
	editImageTemplate string
)

var allTemplates = map[Kind]string{
	KindOutline:              outlineTemplate,
	KindParseOutline:         parseOutlineTemplate,
	KindDescriptionToOutline: descriptionToOutlineTemplate,
	KindSplitDescriptions:    splitDescriptionsTemplate,
	KindDescription:          descriptionTemplate,
	KindImage:                imageTemplate,
	KindEditImage:            editImageTemplate,
}

// Data is the union of fields the templates reference.
type Data struct {
	Idea              string
	Text              string
	OutlineJSON       string
	OutlineText       string
	PageCount         int
	PageIndex         int
	Title             string
	Points            []string
	Part              string
	Section           string
	Description       string
	Instruction       string
	ExtraRequirements string
	HasTemplate       bool
	HasMaterialImages bool
}

type Builder struct {
	templates map[Kind]*template.Template
}

// NewBuilder parses every embedded template.
func NewBuilder() (*Builder, error) {
	parsed := make(map[Kind]*template.Template, len(allTemplates))
	for kind, content := range allTemplates {
		if strings.TrimSpace(content) == "" {
			return nil, fmt.Errorf("prompt template %q is empty", kind)
		}
		tmpl, err := template.New(string(kind)).Parse(content)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %q: %w", kind, err)
		}
		parsed[kind] = tmpl
	}
	return &Builder{templates: parsed}, nil
}

func (b *Builder) Build(kind Kind, data Data) (string, error) {
	tmpl, ok := b.templates[kind]
	if !ok {
		return "", fmt.Errorf("unknown prompt kind %q", kind)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", kind, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
