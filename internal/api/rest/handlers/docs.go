package handlers

import (
	"embed"
	"net/http"
)

//go:embed apidocs/openapi.yaml apidocs/swagger-ui.html
var apiDocs embed.FS

// DocsHandler handles API documentation endpoints
type DocsHandler struct {
	files embed.FS
}

// NewDocsHandler creates a new docs handler
func NewDocsHandler() *DocsHandler {
	return &DocsHandler{files: apiDocs}
}

// ServeSwaggerUI serves the Swagger UI HTML page
func (h *DocsHandler) ServeSwaggerUI(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "apidocs/swagger-ui.html", "text/html; charset=utf-8")
}

// ServeOpenAPISpec serves the OpenAPI specification YAML file
func (h *DocsHandler) ServeOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "apidocs/openapi.yaml", "application/x-yaml; charset=utf-8")
}

// RedirectToDocs redirects /api/v1/docs to the Swagger UI
func (h *DocsHandler) RedirectToDocs(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/api/v1/docs/ui", http.StatusMovedPermanently)
}

func (h *DocsHandler) serve(w http.ResponseWriter, name, contentType string) {
	content, err := h.files.ReadFile(name)
	if err != nil {
		RespondError(w, http.StatusNotFound, "NOT_FOUND", "Documentation not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	// the UI page loads its assets from a CDN
	w.Header().Set("Content-Security-Policy", "default-src 'self' https://unpkg.com; style-src 'self' 'unsafe-inline' https://unpkg.com; script-src 'self' 'unsafe-inline' https://unpkg.com")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
