package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"slidegen/internal/ai"
	"slidegen/internal/dispatch"
	"slidegen/internal/media"
	"slidegen/internal/pipeline"
	"slidegen/internal/project"
	"slidegen/internal/store"
	"slidegen/internal/task"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{3}, 32)...)

// stubGenerator answers every model call instantly; failImages names page
// titles whose image generation fails.
type stubGenerator struct {
	failImages map[string]bool
	block      chan struct{}
}

func (g *stubGenerator) GenerateOutline(context.Context, string) ([]project.OutlineItem, error) {
	return []project.OutlineItem{
		{Title: "Intro"},
		{Part: "Body", Pages: []project.PageOutline{{Title: "One"}, {Title: "Two"}}},
	}, nil
}

func (g *stubGenerator) ParseOutlineText(ctx context.Context, text string) ([]project.OutlineItem, error) {
	return g.GenerateOutline(ctx, text)
}

func (g *stubGenerator) DescriptionToOutline(ctx context.Context, text string) ([]project.OutlineItem, error) {
	return g.GenerateOutline(ctx, text)
}

func (g *stubGenerator) SplitDescriptions(context.Context, string, []project.OutlineItem) ([]string, error) {
	return []string{"a", "b", "c"}, nil
}

func (g *stubGenerator) GenerateDescription(ctx context.Context, in task.Input, _ int) (string, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "about " + in.Title, nil
}

func (g *stubGenerator) GenerateImage(_ context.Context, in task.Input) ([]byte, error) {
	if g.failImages[in.Title] {
		return nil, ai.Transient("generate image", errors.New("http 503"))
	}
	return pngBytes, nil
}

func (g *stubGenerator) EditImage(context.Context, string, string, string, []string) ([]byte, error) {
	return pngBytes, nil
}

func setupRouter(t *testing.T, gen *stubGenerator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := pipeline.New(st, gen, media.NewStore(dir), dispatch.New(st, dispatch.Options{}), pipeline.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.WaitAll(ctx)
	})
	testRouter := gin.New()
	apiHandler := NewAPI(svc)
	apiHandler.RegisterRoutes(testRouter)
	apiHandler.RegisterUIRoutes(testRouter)
	return testRouter
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return resp
}

// outlinedProject creates a project and generates its three-page outline.
func outlinedProject(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/projects", `{"creation_type":"idea","idea_prompt":"bakery pitch"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	id := decode(t, w)["id"].(string)

	w = do(t, router, http.MethodPost, "/api/v1/projects/"+id+"/generate/outline", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != string(project.StatusOutlineGenerated) {
		t.Fatalf("expected status %q, got %v", project.StatusOutlineGenerated, resp["status"])
	}
	if pages := resp["pages"].([]any); len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	return id
}

// startTask posts to a stage endpoint and returns the task id.
func startTask(t *testing.T, router *gin.Engine, path, body string) string {
	t.Helper()
	w := do(t, router, http.MethodPost, path, body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != string(task.StatusPending) {
		t.Fatalf("expected PENDING, got %v", resp["status"])
	}
	return resp["task_id"].(string)
}

// waitTask polls the task until it is finished.
func waitTask(t *testing.T, router *gin.Engine, projectID, taskID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := do(t, router, http.MethodGet, "/api/v1/projects/"+projectID+"/tasks/"+taskID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		resp := decode(t, w)
		if resp["status"] == string(task.StatusCompleted) || resp["status"] == string(task.StatusFailed) {
			if _, ok := resp["finished_at"]; !ok {
				t.Fatalf("finished task without finished_at: %v", resp)
			}
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for task %s", taskID)
	return nil
}

func getProject(t *testing.T, router *gin.Engine, id string) map[string]any {
	t.Helper()
	w := do(t, router, http.MethodGet, "/api/v1/projects/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	return decode(t, w)
}

// waitProjectStatus polls until the project leaves its generating state.
func waitProjectStatus(t *testing.T, router *gin.Engine, id string, want project.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if getProject(t, router, id)["status"] == string(want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for project status %s", want)
}

func TestHealth(t *testing.T) {
	router := setupRouter(t, &stubGenerator{})
	w := do(t, router, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Fatalf("unexpected health answer %d %s", w.Code, w.Body.String())
	}
}

func TestCreateProjectValidation(t *testing.T) {
	router := setupRouter(t, &stubGenerator{})
	cases := []string{
		`{"creation_type":"poem","idea_prompt":"x"}`,
		`{"creation_type":"outline"}`,
		`not json`,
	}
	for _, body := range cases {
		if w := do(t, router, http.MethodPost, "/api/v1/projects", body); w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestUnknownProjectAndTask(t *testing.T) {
	router := setupRouter(t, &stubGenerator{})
	if w := do(t, router, http.MethodGet, "/api/v1/projects/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	id := outlinedProject(t, router)
	if w := do(t, router, http.MethodGet, "/api/v1/projects/"+id+"/tasks/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDescriptionsThenImagesWithPartialFailure(t *testing.T) {
	router := setupRouter(t, &stubGenerator{failImages: map[string]bool{"Two": true}})
	id := outlinedProject(t, router)

	taskID := startTask(t, router, "/api/v1/projects/"+id+"/generate/descriptions", `{"max_workers":2}`)
	resp := waitTask(t, router, id, taskID)
	progress := resp["progress"].(map[string]any)
	if progress["total"] != float64(3) || progress["completed"] != float64(3) || progress["failed"] != float64(0) {
		t.Fatalf("unexpected progress %v", progress)
	}
	waitProjectStatus(t, router, id, project.StatusDescriptionsGenerated)

	imagesID := startTask(t, router, "/api/v1/projects/"+id+"/generate/images", "")
	resp = waitTask(t, router, id, imagesID)
	if resp["status"] != string(task.StatusCompleted) || resp["warning"] != "1 of 3 units failed" {
		t.Fatalf("expected partial completion, got %v", resp)
	}
	units := resp["units"].([]any)
	failed := units[2].(map[string]any)
	if failed["status"] != string(task.UnitFailed) || failed["retryable"] != true {
		t.Fatalf("expected retryable failed unit, got %v", failed)
	}
	waitProjectStatus(t, router, id, project.StatusCompleted)

	w := do(t, router, http.MethodGet, "/api/v1/projects/"+id+"/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("expected zip, got %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "deck-"+id+".zip") {
		t.Fatalf("unexpected disposition %q", cd)
	}
}

func TestRetryEndpoint(t *testing.T) {
	gen := &stubGenerator{failImages: map[string]bool{"Intro": true}}
	router := setupRouter(t, gen)
	id := outlinedProject(t, router)
	waitTask(t, router, id, startTask(t, router, "/api/v1/projects/"+id+"/generate/descriptions", ""))
	waitProjectStatus(t, router, id, project.StatusDescriptionsGenerated)
	taskID := startTask(t, router, "/api/v1/projects/"+id+"/generate/images", `{"use_template":false}`)
	waitTask(t, router, id, taskID)
	waitProjectStatus(t, router, id, project.StatusCompleted)

	if w := do(t, router, http.MethodPost, "/api/v1/projects/"+id+"/tasks/"+taskID+"/retry", `{"unit_ids":["missing"]}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown unit, got %d", w.Code)
	}

	delete(gen.failImages, "Intro")
	w := do(t, router, http.MethodPost, "/api/v1/projects/"+id+"/tasks/"+taskID+"/retry", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := waitTask(t, router, id, taskID)
	if progress := resp["progress"].(map[string]any); progress["completed"] != float64(3) {
		t.Fatalf("expected all units completed after retry, got %v", progress)
	}
	waitProjectStatus(t, router, id, project.StatusCompleted)

	if w := do(t, router, http.MethodPost, "/api/v1/projects/"+id+"/tasks/"+taskID+"/retry", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 when nothing is left to retry, got %d", w.Code)
	}
}

func TestStageRefusedWhileGenerating(t *testing.T) {
	gen := &stubGenerator{block: make(chan struct{})}
	router := setupRouter(t, gen)
	id := outlinedProject(t, router)
	taskID := startTask(t, router, "/api/v1/projects/"+id+"/generate/descriptions", "")

	if w := do(t, router, http.MethodPost, "/api/v1/projects/"+id+"/generate/descriptions", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	w := do(t, router, http.MethodGet, "/api/v1/projects/"+id+"/tasks/"+taskID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("poll must not block, got %d", w.Code)
	}
	close(gen.block)
	waitTask(t, router, id, taskID)
}

func TestPageEndpoints(t *testing.T) {
	router := setupRouter(t, &stubGenerator{})
	id := outlinedProject(t, router)
	pages := getProject(t, router, id)["pages"].([]any)
	pageID := pages[1].(map[string]any)["id"].(string)
	base := fmt.Sprintf("/api/v1/projects/%s/pages/%s", id, pageID)

	if w := do(t, router, http.MethodPut, base+"/outline", `{"title":"First","points":["x"]}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodPost, base+"/generate/image", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without description, got %d", w.Code)
	}
	w := do(t, router, http.MethodPost, base+"/generate/description", "")
	if w.Code != http.StatusOK || decode(t, w)["description"] != "about First" {
		t.Fatalf("unexpected regenerate answer %d %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodPut, base+"/description", `{"description":"manual"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, base+"/generate/image", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, http.MethodPost, base+"/edit/image", `{"instruction":"darker background"}`)
	if w.Code != http.StatusOK || decode(t, w)["status"] != string(project.PageCompleted) {
		t.Fatalf("unexpected edit answer %d %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodDelete, "/api/v1/projects/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", project.ErrProjectNotFound), http.StatusNotFound},
		{pipeline.ErrProjectBusy, http.StatusConflict},
		{task.ErrRetryLimit, http.StatusConflict},
		{pipeline.ErrNoImages, http.StatusBadRequest},
		{ai.Transient("generate outline", errors.New("503")), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := errorStatus(c.err); got != c.want {
			t.Fatalf("errorStatus(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestUIPages(t *testing.T) {
	router := setupRouter(t, &stubGenerator{})
	if w := do(t, router, http.MethodGet, "/", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	id := outlinedProject(t, router)
	w := do(t, router, http.MethodGet, "/ui/projects/"+id, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Intro") {
		t.Fatalf("unexpected project page %d", w.Code)
	}
}

func TestChunkedEmptyBodyIsOptional(t *testing.T) {
	router := setupRouter(t, &stubGenerator{})
	id := outlinedProject(t, router)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+id+"/generate/descriptions", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for empty chunked body, got %d: %s", w.Code, w.Body.String())
	}
	waitTask(t, router, id, decode(t, w)["task_id"].(string))
	waitProjectStatus(t, router, id, project.StatusDescriptionsGenerated)
}
