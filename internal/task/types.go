package task

import "time"

type Kind string

const (
	KindDescriptions Kind = "DESCRIPTIONS"
	KindImages       Kind = "IMAGES"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

type Phase string

const (
	PhaseDescription Phase = "DESCRIPTION"
	PhaseImage       Phase = "IMAGE"
)

type UnitStatus string

const (
	UnitPending    UnitStatus = "PENDING"
	UnitInProgress UnitStatus = "IN_PROGRESS"
	UnitCompleted  UnitStatus = "COMPLETED"
	UnitFailed     UnitStatus = "FAILED"
)

const (
	// MaxWorkersCap bounds the concurrency of a single task.
	MaxWorkersCap = 10
	// DefaultMaxAttempts is how many times a unit may enter IN_PROGRESS.
	DefaultMaxAttempts = 3
)

// Input is everything a unit needs to render its page, captured when the
// task is created so later project edits do not leak into a running task.
type Input struct {
	IdeaPrompt        string   `json:"idea_prompt,omitempty"`
	OutlineJSON       string   `json:"outline_json,omitempty"`
	OutlineText       string   `json:"outline_text,omitempty"`
	Title             string   `json:"title,omitempty"`
	Points            []string `json:"points,omitempty"`
	Part              string   `json:"part,omitempty"`
	Section           string   `json:"section,omitempty"`
	Description       string   `json:"description,omitempty"`
	TemplateImage     string   `json:"template_image,omitempty"`
	MaterialImages    []string `json:"material_images,omitempty"`
	ExtraRequirements string   `json:"extra_requirements,omitempty"`
}

type Unit struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	PageID       string     `json:"page_id"`
	Ordinal      int        `json:"ordinal"`
	Phase        Phase      `json:"phase"`
	Status       UnitStatus `json:"status"`
	Input        Input      `json:"input"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	Retryable    bool       `json:"retryable,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the unit reached COMPLETED or FAILED.
func (u *Unit) Terminal() bool {
	return u.Status == UnitCompleted || u.Status == UnitFailed
}

// Outcome is the result of one attempt: either Result or Err is set.
type Outcome struct {
	Result    string
	Err       string
	Retryable bool
}

func (o Outcome) Failed() bool { return o.Err != "" }

// Valid reports whether exactly one of Result and Err is set.
func (o Outcome) Valid() bool { return (o.Result == "") != (o.Err == "") }

type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	Total        int        `json:"total"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	MaxWorkers   int        `json:"max_workers"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Warning      string     `json:"warning,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Units        []Unit     `json:"units"`
}

func (t *Task) Progress() Progress {
	return Progress{Total: t.Total, Completed: t.Completed, Failed: t.Failed}
}

// Done reports whether every unit is terminal.
func (t *Task) Done() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Unit returns a pointer into Units for the given id.
func (t *Task) Unit(unitID string) (*Unit, bool) {
	for i := range t.Units {
		if t.Units[i].ID == unitID {
			return &t.Units[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the task and its units.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		cp.FinishedAt = &v
	}
	cp.Units = make([]Unit, len(t.Units))
	for i, u := range t.Units {
		u.Input.Points = append([]string(nil), u.Input.Points...)
		u.Input.MaterialImages = append([]string(nil), u.Input.MaterialImages...)
		cp.Units[i] = u
	}
	return &cp
}
