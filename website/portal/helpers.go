package portal

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-playground/form/v4"
	"github.com/justinas/nosurf"

	"furitingoasis/farmnode/website/ui"
)

const sessionAuthenticated = "authenticated"

type templateData struct {
	CurrentYear     int
	APName          string
	Form            any
	Flash           string
	Status          map[string]string
	AuthRequired    bool
	IsAuthenticated bool
	CSRFToken       string
}

func newTemplateCache() (map[string]*template.Template, error) {
	cache := map[string]*template.Template{}

	pages, err := fs.Glob(ui.Files, "html/pages/*.html")
	if err != nil {
		return nil, err
	}
	for _, page := range pages {
		name := filepath.Base(page)
		patterns := []string{
			"html/base.html",
			"html/partials/*.html",
			page,
		}
		ts, err := template.New(name).ParseFS(ui.Files, patterns...)
		if err != nil {
			return nil, err
		}
		cache[name] = ts
	}
	return cache, nil
}

func (p *Portal) newTemplateData(r *http.Request) templateData {
	p.mu.Lock()
	apName := p.apName
	p.mu.Unlock()

	data := templateData{
		CurrentYear:     time.Now().Year(),
		APName:          apName,
		Flash:           p.sessionManager.PopString(r.Context(), "flash"),
		AuthRequired:    p.cfg.AdminPasswordHash != "",
		IsAuthenticated: p.isAuthenticated(r),
		CSRFToken:       nosurf.Token(r),
	}
	if p.Status != nil {
		data.Status = p.Status()
	}
	return data
}

func (p *Portal) render(w http.ResponseWriter, r *http.Request, status int, page string, data templateData) {
	ts, ok := p.templateCache[page]
	if !ok {
		p.serverError(w, r, fmt.Errorf("the template %s does not exist", page))
		return
	}

	buf := new(bytes.Buffer)
	if err := ts.ExecuteTemplate(buf, "base", data); err != nil {
		p.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (p *Portal) decodePostForm(r *http.Request, dst any) error {
	if err := r.ParseForm(); err != nil {
		return err
	}
	err := p.formDecoder.Decode(dst, r.PostForm)
	if err != nil {
		var invalidDecoderError *form.InvalidDecoderError
		if errors.As(err, &invalidDecoderError) {
			panic(err)
		}
		return err
	}
	return nil
}

func (p *Portal) serverError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error(err.Error(), "method", r.Method, "uri", r.URL.RequestURI())
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (p *Portal) clientError(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}

func (p *Portal) isAuthenticated(r *http.Request) bool {
	if p.cfg.AdminPasswordHash == "" {
		return true
	}
	ok, _ := r.Context().Value(isAuthenticatedContextKey).(bool)
	return ok
}
