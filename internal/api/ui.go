package api

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"slidegen/internal/pipeline"
	"slidegen/internal/project"
	"slidegen/internal/task"
)

var uiTemplates = template.Must(template.New("layout").Parse(`{{define "layout"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>slidegen</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:960px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444}
    textarea,select{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px;width:100%}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .list{margin:0;padding-left:18px}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1><a href="/">slidegen</a></h1>
    <div class="muted">Minimal no-JS helper for API</div>
  </header>
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  {{if .Project}}{{template "content-project" .}}{{else}}{{template "content-home" .}}{{end}}
  <footer>
    <div>API base: <span class="mono">/api/v1</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "content-home"}}
  <div class="card">
    <h2>New project</h2>
    <form method="post" action="/ui/projects">
      <select name="creation_type">
        <option value="idea">From an idea</option>
        <option value="outline">From an outline</option>
        <option value="descriptions">From full page descriptions</option>
      </select>
      <textarea name="text" rows="5" placeholder="Describe the deck" required style="margin-top:8px"></textarea>
      <div style="margin-top:12px"><button class="btn" type="submit">Create</button></div>
    </form>
    <div class="muted">POST /api/v1/projects</div>
  </div>

  <div class="card">
    <h2>Projects</h2>
    {{if .Projects}}
      <ul class="list">
      {{range .Projects}}
        <li><a class="mono" href="/ui/projects/{{.ID}}">{{.ID}}</a> <span class="status">{{.Status}}</span> <span class="muted">{{len .Pages}} pages</span></li>
      {{end}}
      </ul>
    {{else}}
      <div class="muted">No projects yet</div>
    {{end}}
  </div>
{{end}}

{{define "content-project"}}
  <div class="card">
    <h2>Project <span class="mono">{{.Project.ID}}</span></h2>
    <div>Status: <span class="status">{{.Project.Status}}</span></div>
    {{if .Project.ErrorMessage}}<div class="muted">{{.Project.ErrorMessage}}</div>{{end}}
    <div class="row" style="margin-top:12px">
      <form method="post" action="/ui/projects/{{.Project.ID}}/outline"><button class="btn" type="submit">Outline</button></form>
      <form method="post" action="/ui/projects/{{.Project.ID}}/descriptions"><button class="btn" type="submit">Descriptions</button></form>
      <form method="post" action="/ui/projects/{{.Project.ID}}/images"><button class="btn" type="submit">Images</button></form>
      <a class="btn secondary" href="/ui/projects/{{.Project.ID}}">Refresh</a>
      <a class="btn secondary" href="/api/v1/projects/{{.Project.ID}}/export">Download zip</a>
    </div>
  </div>

  {{if .Task}}
  <div class="card">
    <h3>Task <span class="mono">{{.Task.ID}}</span> · {{.Task.Kind}}</h3>
    <div>Status: <span class="status">{{.Task.Status}}</span>
      {{.Task.Completed}} done, {{.Task.Failed}} failed of {{.Task.Total}}</div>
    {{if .Task.Warning}}<div class="muted">{{.Task.Warning}}</div>{{end}}
    {{if .Task.ErrorMessage}}<div class="muted">{{.Task.ErrorMessage}}</div>{{end}}
    {{if .Task.Failed}}
    <form method="post" action="/ui/projects/{{.Project.ID}}/retry" style="margin-top:12px">
      <button class="btn" type="submit">Retry failed</button>
    </form>
    {{end}}
    <div class="muted">GET /api/v1/projects/{{.Project.ID}}/tasks/{{.Task.ID}}</div>
  </div>
  {{end}}

  <div class="card">
    <h3>Pages</h3>
    {{if .Project.Pages}}
      <ul class="list">
      {{range .Project.Pages}}
        <li>
          <div><strong>{{.Outline.Title}}</strong>{{if .Outline.Part}} <span class="muted">· {{.Outline.Part}}</span>{{end}} <span class="status">{{.Status}}</span></div>
          {{if .Description}}<div class="muted">{{.Description}}</div>{{end}}
          {{if .Error}}<div class="muted">error: {{.Error}}</div>{{end}}
        </li>
      {{end}}
      </ul>
    {{else}}
      <div class="muted">No outline yet</div>
    {{end}}
  </div>
{{end}}
`))

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.POST("/ui/projects", a.UICreateProject)
	router.GET("/ui/projects/:id", a.UIProject)
	router.POST("/ui/projects/:id/:action", a.UIAction)
}

// UIHome renders the project list
func (a *API) UIHome(c *gin.Context) {
	projects, err := a.pipeline.ListProjects(c.Request.Context())
	if err != nil {
		c.HTML(http.StatusInternalServerError, "layout", gin.H{"Error": err.Error()})
		return
	}
	c.HTML(http.StatusOK, "layout", gin.H{"Projects": projects})
}

// UICreateProject creates a project from the form and redirects to its page
func (a *API) UICreateProject(c *gin.Context) {
	ct := project.CreationType(c.PostForm("creation_type"))
	text := strings.TrimSpace(c.PostForm("text"))
	req := pipeline.CreateProjectRequest{CreationType: ct}
	switch ct {
	case project.CreationOutline:
		req.OutlineText = text
	case project.CreationDescriptions:
		req.DescriptionText = text
	default:
		req.IdeaPrompt = text
	}
	p, err := a.pipeline.CreateProject(c.Request.Context(), req)
	if err != nil {
		c.HTML(errorStatus(err), "layout", gin.H{"Error": err.Error()})
		return
	}
	c.Redirect(http.StatusFound, "/ui/projects/"+p.ID)
}

// UIProject renders a project with its latest task
func (a *API) UIProject(c *gin.Context) {
	a.renderProject(c, http.StatusOK, "")
}

// UIAction runs one pipeline step from a form button and redirects back
func (a *API) UIAction(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	var err error
	switch c.Param("action") {
	case "outline":
		_, err = a.pipeline.GenerateOutline(ctx, id, "")
	case "descriptions":
		_, err = a.pipeline.StartDescriptions(ctx, id, 0)
	case "images":
		_, err = a.pipeline.StartImages(ctx, id, pipeline.ImagesRequest{UseTemplate: true})
	case "retry":
		var p *project.Project
		if p, err = a.pipeline.GetProject(ctx, id); err == nil {
			_, err = a.pipeline.RetryTask(ctx, id, p.ActiveTaskID, nil)
		}
	default:
		c.HTML(http.StatusNotFound, "layout", gin.H{"Error": "unknown action"})
		return
	}
	if err != nil {
		a.renderProject(c, errorStatus(err), err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/ui/projects/"+id)
}

func (a *API) renderProject(c *gin.Context, status int, errMsg string) {
	ctx := c.Request.Context()
	p, err := a.pipeline.GetProject(ctx, c.Param("id"))
	if err != nil {
		c.HTML(errorStatus(err), "layout", gin.H{"Error": err.Error()})
		return
	}
	data := gin.H{"Project": p}
	if errMsg != "" {
		data["Error"] = errMsg
	}
	if p.ActiveTaskID != "" {
		var t *task.Task
		if t, err = a.pipeline.GetTask(ctx, p.ID, p.ActiveTaskID); err == nil {
			data["Task"] = t
		}
	}
	c.HTML(status, "layout", data)
}
