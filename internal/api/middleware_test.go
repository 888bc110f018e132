package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestZerologLoggerLogsRouteTemplateAndIDs(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ZerologLogger())
	r.GET("/api/v1/projects/:id/tasks/:task_id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p-1/tasks/t-2?verbose=1", nil)
	r.ServeHTTP(w, req)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"level":      "warn",
		"route":      "/api/v1/projects/:id/tasks/:task_id",
		"project_id": "p-1",
		"task_id":    "t-2",
		"method":     http.MethodGet,
		"status":     float64(http.StatusNotFound),
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("field %s: expected %v, got %v (line %v)", k, v, line[k], line)
		}
	}
	if _, ok := line["page_id"]; ok {
		t.Fatalf("page_id must be absent on routes without it: %v", line)
	}
}

func TestZerologLoggerMarksUnmatchedRoutes(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ZerologLogger())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["route"] != "unmatched" {
		t.Fatalf("expected unmatched route, got %v", line["route"])
	}
}
