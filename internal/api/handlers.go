package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"slidegen/internal/ai"
	"slidegen/internal/pipeline"
	"slidegen/internal/project"
	"slidegen/internal/task"
)

// Pipeline is what the handlers need from the orchestrator.
type Pipeline interface {
	CreateProject(ctx context.Context, req pipeline.CreateProjectRequest) (*project.Project, error)
	GetProject(ctx context.Context, id string) (*project.Project, error)
	ListProjects(ctx context.Context) ([]*project.Project, error)
	DeleteProject(ctx context.Context, id string) error
	GenerateOutline(ctx context.Context, projectID, idea string) (*project.Project, error)
	StartDescriptions(ctx context.Context, projectID string, maxWorkers int) (*task.Task, error)
	StartImages(ctx context.Context, projectID string, req pipeline.ImagesRequest) (*task.Task, error)
	GetTask(ctx context.Context, projectID, taskID string) (*task.Task, error)
	RetryTask(ctx context.Context, projectID, taskID string, unitIDs []string) (*task.Task, error)
	UpdatePageOutline(ctx context.Context, projectID, pageID string, po project.PageOutline) (*project.Page, error)
	UpdatePageDescription(ctx context.Context, projectID, pageID, description string) (*project.Page, error)
	RegenerateDescription(ctx context.Context, projectID, pageID string) (*project.Page, error)
	RegenerateImage(ctx context.Context, projectID, pageID string, useTemplate bool) (*project.Page, error)
	EditImage(ctx context.Context, projectID, pageID, instruction string) (*project.Page, error)
	Export(ctx context.Context, projectID string) ([]byte, error)
}

type createProjectRequest struct {
	CreationType      project.CreationType `json:"creation_type"`
	IdeaPrompt        string               `json:"idea_prompt"`
	OutlineText       string               `json:"outline_text"`
	DescriptionText   string               `json:"description_text"`
	TemplateImage     string               `json:"template_image"`
	ExtraRequirements string               `json:"extra_requirements"`
}

type generateOutlineRequest struct {
	IdeaPrompt string `json:"idea_prompt"`
}

type generateDescriptionsRequest struct {
	MaxWorkers int `json:"max_workers"`
}

type generateImagesRequest struct {
	MaxWorkers        int     `json:"max_workers"`
	UseTemplate       *bool   `json:"use_template"`
	ExtraRequirements *string `json:"extra_requirements"`
}

type retryRequest struct {
	UnitIDs []string `json:"unit_ids"`
}

type pageOutlineRequest struct {
	Title  string   `json:"title"`
	Points []string `json:"points"`
	Part   string   `json:"part"`
}

type pageDescriptionRequest struct {
	Description string `json:"description"`
}

type regenerateImageRequest struct {
	UseTemplate *bool `json:"use_template"`
}

type editImageRequest struct {
	Instruction string `json:"instruction"`
}

type startTaskResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

type unitResponse struct {
	UnitID       string          `json:"unit_id"`
	PageID       string          `json:"page_id"`
	Ordinal      int             `json:"ordinal"`
	Status       task.UnitStatus `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	Error        string          `json:"error,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
}

type taskResponse struct {
	TaskID       string         `json:"task_id"`
	Kind         task.Kind      `json:"kind"`
	Status       task.Status    `json:"status"`
	Progress     task.Progress  `json:"progress"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Warning      string         `json:"warning,omitempty"`
	CreatedAt    string         `json:"created_at"`
	StartedAt    string         `json:"started_at,omitempty"`
	FinishedAt   string         `json:"finished_at,omitempty"`
	Units        []unitResponse `json:"units"`
}

type API struct {
	pipeline Pipeline
}

func NewAPI(p Pipeline) *API {
	return &API{pipeline: p}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", a.Health)
	api := router.Group("/api/v1")
	{
		api.POST("/projects", a.CreateProject)
		api.GET("/projects", a.ListProjects)
		api.GET("/projects/:id", a.GetProject)
		api.DELETE("/projects/:id", a.DeleteProject)
		api.POST("/projects/:id/generate/outline", a.GenerateOutline)
		api.POST("/projects/:id/generate/descriptions", a.GenerateDescriptions)
		api.POST("/projects/:id/generate/images", a.GenerateImages)
		api.GET("/projects/:id/tasks/:task_id", a.GetTask)
		api.POST("/projects/:id/tasks/:task_id/retry", a.RetryTask)
		api.PUT("/projects/:id/pages/:page_id/outline", a.UpdatePageOutline)
		api.PUT("/projects/:id/pages/:page_id/description", a.UpdatePageDescription)
		api.POST("/projects/:id/pages/:page_id/generate/description", a.RegenerateDescription)
		api.POST("/projects/:id/pages/:page_id/generate/image", a.RegenerateImage)
		api.POST("/projects/:id/pages/:page_id/edit/image", a.EditImage)
		api.GET("/projects/:id/export", a.Export)
	}
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateProject stores a new DRAFT project
func (a *API) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid create project request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	p, err := a.pipeline.CreateProject(c.Request.Context(), pipeline.CreateProjectRequest{
		CreationType:      req.CreationType,
		IdeaPrompt:        req.IdeaPrompt,
		OutlineText:       req.OutlineText,
		DescriptionText:   req.DescriptionText,
		TemplateImage:     req.TemplateImage,
		ExtraRequirements: req.ExtraRequirements,
	})
	if err != nil {
		respondError(c, err, "create project failed")
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *API) ListProjects(c *gin.Context) {
	projects, err := a.pipeline.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err, "list projects failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (a *API) GetProject(c *gin.Context) {
	p, err := a.pipeline.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get project failed")
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *API) DeleteProject(c *gin.Context) {
	if err := a.pipeline.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err, "delete project failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// GenerateOutline runs outline generation synchronously
func (a *API) GenerateOutline(c *gin.Context) {
	var req generateOutlineRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	p, err := a.pipeline.GenerateOutline(c.Request.Context(), c.Param("id"), req.IdeaPrompt)
	if err != nil {
		respondError(c, err, "generate outline failed")
		return
	}
	c.JSON(http.StatusOK, p)
}

// GenerateDescriptions starts the description task and answers at once
func (a *API) GenerateDescriptions(c *gin.Context) {
	var req generateDescriptionsRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	t, err := a.pipeline.StartDescriptions(c.Request.Context(), c.Param("id"), req.MaxWorkers)
	if err != nil {
		respondError(c, err, "start descriptions failed")
		return
	}
	c.JSON(http.StatusAccepted, startTaskResponse{TaskID: t.ID, Status: t.Status})
}

// GenerateImages starts the image task and answers at once
func (a *API) GenerateImages(c *gin.Context) {
	var req generateImagesRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	t, err := a.pipeline.StartImages(c.Request.Context(), c.Param("id"), pipeline.ImagesRequest{
		MaxWorkers:        req.MaxWorkers,
		UseTemplate:       req.UseTemplate == nil || *req.UseTemplate,
		ExtraRequirements: req.ExtraRequirements,
	})
	if err != nil {
		respondError(c, err, "start images failed")
		return
	}
	c.JSON(http.StatusAccepted, startTaskResponse{TaskID: t.ID, Status: t.Status})
}

// GetTask returns task progress; it never waits for the run
func (a *API) GetTask(c *gin.Context) {
	t, err := a.pipeline.GetTask(c.Request.Context(), c.Param("id"), c.Param("task_id"))
	if err != nil {
		respondError(c, err, "get task failed")
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(t))
}

// RetryTask requeues failed units and starts a new run
func (a *API) RetryTask(c *gin.Context) {
	var req retryRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	t, err := a.pipeline.RetryTask(c.Request.Context(), c.Param("id"), c.Param("task_id"), req.UnitIDs)
	if err != nil {
		respondError(c, err, "retry task failed")
		return
	}
	c.JSON(http.StatusAccepted, startTaskResponse{TaskID: t.ID, Status: t.Status})
}

func (a *API) UpdatePageOutline(c *gin.Context) {
	var req pageOutlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	pg, err := a.pipeline.UpdatePageOutline(c.Request.Context(), c.Param("id"), c.Param("page_id"),
		project.PageOutline{Title: req.Title, Points: req.Points, Part: req.Part})
	if err != nil {
		respondError(c, err, "update page outline failed")
		return
	}
	c.JSON(http.StatusOK, pg)
}

func (a *API) UpdatePageDescription(c *gin.Context) {
	var req pageDescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	pg, err := a.pipeline.UpdatePageDescription(c.Request.Context(), c.Param("id"), c.Param("page_id"), req.Description)
	if err != nil {
		respondError(c, err, "update page description failed")
		return
	}
	c.JSON(http.StatusOK, pg)
}

func (a *API) RegenerateDescription(c *gin.Context) {
	pg, err := a.pipeline.RegenerateDescription(c.Request.Context(), c.Param("id"), c.Param("page_id"))
	if err != nil {
		respondError(c, err, "regenerate description failed")
		return
	}
	c.JSON(http.StatusOK, pg)
}

func (a *API) RegenerateImage(c *gin.Context) {
	var req regenerateImageRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	useTemplate := req.UseTemplate == nil || *req.UseTemplate
	pg, err := a.pipeline.RegenerateImage(c.Request.Context(), c.Param("id"), c.Param("page_id"), useTemplate)
	if err != nil {
		respondError(c, err, "regenerate image failed")
		return
	}
	c.JSON(http.StatusOK, pg)
}

func (a *API) EditImage(c *gin.Context) {
	var req editImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	pg, err := a.pipeline.EditImage(c.Request.Context(), c.Param("id"), c.Param("page_id"), req.Instruction)
	if err != nil {
		respondError(c, err, "edit image failed")
		return
	}
	c.JSON(http.StatusOK, pg)
}

// Export serves the deck as a zip attachment
func (a *API) Export(c *gin.Context) {
	id := c.Param("id")
	data, err := a.pipeline.Export(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "export failed")
		return
	}
	log.Info().Str("project_id", id).Int("bytes", len(data)).Msg("serving deck export")
	c.Header("Content-Disposition", `attachment; filename="deck-`+id+`.zip"`)
	c.Data(http.StatusOK, "application/zip", data)
}

// bindOptionalJSON accepts an empty body; on a malformed one it answers 400
// and returns false.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		// chunked requests report an unknown length, so an empty body shows up here
		if errors.Is(err, io.EOF) {
			return true
		}
		log.Warn().Str("path", c.FullPath()).Err(err).Msg("invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

// respondError maps pipeline errors to HTTP statuses.
func respondError(c *gin.Context, err error, msg string) {
	status := errorStatus(err)
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Str("project_id", c.Param("id")).
		Str("task_id", c.Param("task_id")).
		Str("page_id", c.Param("page_id")).
		Int("status", status).
		Err(err).
		Msg(msg)

	body := gin.H{"error": err.Error()}
	var ge *ai.GenerationError
	if errors.As(err, &ge) {
		body["retryable"] = ge.Retryable()
	}
	c.JSON(status, body)
}

func errorStatus(err error) int {
	var ge *ai.GenerationError
	switch {
	case errors.Is(err, project.ErrProjectNotFound),
		errors.Is(err, project.ErrPageNotFound),
		errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, task.ErrUnitNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrProjectBusy),
		errors.Is(err, pipeline.ErrStaleTask),
		errors.Is(err, task.ErrTaskRunning),
		errors.Is(err, task.ErrNothingToRetry),
		errors.Is(err, task.ErrRetryLimit),
		errors.Is(err, task.ErrUnitNotFailed):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, project.ErrInvalidCreationType),
		errors.Is(err, pipeline.ErrNoOutline),
		errors.Is(err, pipeline.ErrNoDescriptions),
		errors.Is(err, pipeline.ErrNoDescription),
		errors.Is(err, pipeline.ErrNoImage),
		errors.Is(err, pipeline.ErrNoImages),
		errors.Is(err, pipeline.ErrEmptyInstruction):
		return http.StatusBadRequest
	case errors.As(err, &ge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toTaskResponse(t *task.Task) taskResponse {
	resp := taskResponse{
		TaskID:       t.ID,
		Kind:         t.Kind,
		Status:       t.Status,
		Progress:     t.Progress(),
		ErrorMessage: t.ErrorMessage,
		Warning:      t.Warning,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
		Units:        make([]unitResponse, 0, len(t.Units)),
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if t.FinishedAt != nil {
		resp.FinishedAt = t.FinishedAt.UTC().Format(time.RFC3339)
	}
	for _, u := range t.Units {
		resp.Units = append(resp.Units, unitResponse{
			UnitID:       u.ID,
			PageID:       u.PageID,
			Ordinal:      u.Ordinal,
			Status:       u.Status,
			AttemptCount: u.AttemptCount,
			Error:        u.Error,
			Retryable:    u.Retryable,
		})
	}
	return resp
}
