package project

import "time"

type CreationType string

const (
	CreationIdea         CreationType = "idea"
	CreationOutline      CreationType = "outline"
	CreationDescriptions CreationType = "descriptions"
)

// Valid reports whether the creation type is one of the supported inputs.
func (c CreationType) Valid() bool {
	switch c {
	case CreationIdea, CreationOutline, CreationDescriptions:
		return true
	}
	return false
}

type Status string

const (
	StatusDraft                  Status = "DRAFT"
	StatusOutlineGenerated       Status = "OUTLINE_GENERATED"
	StatusGeneratingDescriptions Status = "GENERATING_DESCRIPTIONS"
	StatusDescriptionsGenerated  Status = "DESCRIPTIONS_GENERATED"
	StatusGeneratingImages       Status = "GENERATING_IMAGES"
	StatusCompleted              Status = "COMPLETED"
	StatusFailed                 Status = "FAILED"
)

type PageStatus string

const (
	PageDraft                PageStatus = "DRAFT"
	PageDescriptionGenerated PageStatus = "DESCRIPTION_GENERATED"
	PageGenerating           PageStatus = "GENERATING"
	PageCompleted            PageStatus = "COMPLETED"
	PageFailed               PageStatus = "FAILED"
)

// PageOutline is the outline of a single slide. Part is set when the page
// was nested under a section in the structured outline.
type PageOutline struct {
	Title  string   `json:"title"`
	Points []string `json:"points,omitempty"`
	Part   string   `json:"part,omitempty"`
}

// OutlineItem is a top-level outline entry: either a direct page
// (Title/Points) or a part grouping several pages.
type OutlineItem struct {
	Title  string        `json:"title,omitempty"`
	Points []string      `json:"points,omitempty"`
	Part   string        `json:"part,omitempty"`
	Pages  []PageOutline `json:"pages,omitempty"`
}

// IsPart reports whether the item groups nested pages.
func (o OutlineItem) IsPart() bool { return o.Part != "" && len(o.Pages) > 0 }

type Page struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Ordinal     int         `json:"ordinal"`
	Outline     PageOutline `json:"outline"`
	Description string      `json:"description,omitempty"`
	ImagePath   string      `json:"image_path,omitempty"`
	Status      PageStatus  `json:"status"`
	Error       string      `json:"error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type Project struct {
	ID                string        `json:"id"`
	CreationType      CreationType  `json:"creation_type"`
	IdeaPrompt        string        `json:"idea_prompt,omitempty"`
	OutlineText       string        `json:"outline_text,omitempty"`
	DescriptionText   string        `json:"description_text,omitempty"`
	TemplateImage     string        `json:"template_image,omitempty"`
	ExtraRequirements string        `json:"extra_requirements,omitempty"`
	MaterialImages    []string      `json:"material_images,omitempty"`
	Status            Status        `json:"status"`
	Outline           []OutlineItem `json:"outline,omitempty"`
	Pages             []Page        `json:"pages"`
	ActiveTaskID      string        `json:"active_task_id,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Generating reports whether a background stage is running for the project.
func (p *Project) Generating() bool {
	return p.Status == StatusGeneratingDescriptions || p.Status == StatusGeneratingImages
}

// Page returns a pointer into Pages for the given id.
func (p *Project) Page(pageID string) (*Page, bool) {
	for i := range p.Pages {
		if p.Pages[i].ID == pageID {
			return &p.Pages[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers never share slices with a store.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	cp.MaterialImages = append([]string(nil), p.MaterialImages...)
	cp.Outline = make([]OutlineItem, len(p.Outline))
	for i, item := range p.Outline {
		item.Points = append([]string(nil), item.Points...)
		pages := make([]PageOutline, len(item.Pages))
		for j, po := range item.Pages {
			pages[j] = po.clone()
		}
		if item.Pages == nil {
			pages = nil
		}
		item.Pages = pages
		cp.Outline[i] = item
	}
	if p.Outline == nil {
		cp.Outline = nil
	}
	cp.Pages = make([]Page, len(p.Pages))
	for i, pg := range p.Pages {
		pg.Outline = pg.Outline.clone()
		cp.Pages[i] = pg
	}
	return &cp
}

func (po PageOutline) clone() PageOutline {
	po.Points = append([]string(nil), po.Points...)
	return po
}
