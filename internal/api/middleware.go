package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// routeParams are copied onto the request log line when the route has them.
var routeParams = [...]struct{ param, field string }{
	{"id", "project_id"},
	{"task_id", "task_id"},
	{"page_id", "page_id"},
}

// ZerologLogger logs one line per request. The route template is logged
// instead of the raw path so ids do not split the series; the ids go into
// their own fields.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		evt = evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("route", route).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size())
		addRouteParams(evt, c)
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Msg("http request completed")
	}
}

func addRouteParams(evt *zerolog.Event, c *gin.Context) {
	for _, p := range routeParams {
		if v := c.Param(p.param); v != "" {
			evt.Str(p.field, v)
		}
	}
}
