package amagent

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/fsnotify/fsnotify"

	"github.com/openam-community/am-agent-go/shield"
)

// ErrorPageContext carries the data available to error templates and
// custom ErrorPage functions.
type ErrorPageContext struct {
	Status  int
	Message string
	Details string
}

const defaultErrorTemplate = `<!DOCTYPE html>
<html>
<head><title>{{.Status}} {{.Message}}</title></head>
<body>
<h1>{{.Status}} {{.Message}}</h1>
{{if .Details}}<p>{{.Details}}</p>{{end}}
</body>
</html>
`

// errorResponder renders evaluation errors as HTML or JSON depending on
// the request's Accept header. The HTML body comes from a custom page
// function, a watched template file, or a built-in template, in that order.
type errorResponder struct {
	log     *slog.Logger
	custom  func(ErrorPageContext) string
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	tmpl *template.Template
}

func newErrorResponder(log *slog.Logger, custom func(ErrorPageContext) string, templateFile string) (*errorResponder, error) {
	r := &errorResponder{
		log:    log,
		custom: custom,
		tmpl:   template.Must(template.New("error").Parse(defaultErrorTemplate)),
	}

	if templateFile == "" {
		return r, nil
	}

	if err := r.loadTemplate(templateFile); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("amagent: watch error template: %w", err)
	}
	if err := w.Add(templateFile); err != nil {
		w.Close()
		return nil, fmt.Errorf("amagent: watch error template: %w", err)
	}
	r.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := r.loadTemplate(templateFile); err != nil {
					log.Error("agent.errorpage.reload.fail", slog.String("err", err.Error()))
					continue
				}
				log.Info("agent.errorpage.reload", slog.String("file", templateFile))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("agent.errorpage.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()

	return r, nil
}

func (r *errorResponder) loadTemplate(file string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("amagent: read error template: %w", err)
	}
	t, err := template.New("error").Parse(string(raw))
	if err != nil {
		return fmt.Errorf("amagent: parse error template: %w", err)
	}

	r.mu.Lock()
	r.tmpl = t
	r.mu.Unlock()
	return nil
}

var errorMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/html"),
	contenttype.NewMediaType("application/json"),
}

// respond writes evalErr to w, negotiating between HTML and JSON. HTML
// wins when the client expresses no usable preference.
func (r *errorResponder) respond(w http.ResponseWriter, req *http.Request, evalErr *shield.EvaluationError) {
	pc := ErrorPageContext{
		Status:  evalErr.StatusCode,
		Message: evalErr.Message,
		Details: evalErr.Details,
	}

	accepted, _, err := contenttype.GetAcceptableMediaType(req, errorMediaTypes)
	if err == nil && accepted.Subtype == "json" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(pc.Status)
		if encErr := json.NewEncoder(w).Encode(map[string]any{
			"status":  pc.Status,
			"message": pc.Message,
			"details": pc.Details,
		}); encErr != nil {
			r.log.Error("agent.errorpage.write.fail", slog.String("err", encErr.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(pc.Status)

	if r.custom != nil {
		if _, err := fmt.Fprint(w, r.custom(pc)); err != nil {
			r.log.Error("agent.errorpage.write.fail", slog.String("err", err.Error()))
		}
		return
	}

	r.mu.RLock()
	t := r.tmpl
	r.mu.RUnlock()

	if err := t.Execute(w, pc); err != nil {
		r.log.Error("agent.errorpage.write.fail", slog.String("err", err.Error()))
	}
}

func (r *errorResponder) close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}
