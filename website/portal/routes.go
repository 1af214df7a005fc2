package portal

import (
	"net/http"

	"github.com/justinas/alice"

	"furitingoasis/farmnode/website/ui"
)

func (p *Portal) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.FileServerFS(ui.Files))
	mux.HandleFunc("GET /ping", ping)
	mux.Handle("GET /status", alice.New(enableCORS).ThenFunc(p.status))

	dynamic := alice.New(p.sessionManager.LoadAndSave, noSurf, p.authenticate)
	mux.Handle("GET /login", dynamic.ThenFunc(p.userLogin))
	mux.Handle("POST /login", dynamic.ThenFunc(p.userLoginPost))

	protected := dynamic.Append(p.requireAuthentication)
	mux.Handle("GET /{$}", protected.ThenFunc(p.home))
	mux.Handle("POST /settings", protected.ThenFunc(p.settingsPost))
	mux.Handle("POST /logout", protected.ThenFunc(p.userLogoutPost))

	// operating systems probe arbitrary URLs to detect a captive portal
	mux.HandleFunc("/", captive)

	standard := alice.New(p.recoverPanic, p.logRequest, securityHeaders)
	return standard.Then(mux)
}
