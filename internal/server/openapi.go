package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

var authSchemes = map[string]*huma.SecurityScheme{
	"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	"apiKeyAuth": {Type: "apiKey", In: "header", Name: "X-Api-Key"},
}

// registerOpenAPI serves the generated description at <base>/openapi.json and
// a Swagger UI at /docs. The document is built on first request, after every
// operation has been registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	specPath := path.Join("/", basePath, "openapi.json")
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, docsPage, specPath)
	})
}

// decorateSpec adds the error envelope as every operation's default response
// and requires a bearer token or API key everywhere except health.
func decorateSpec(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	for name, scheme := range authSchemes {
		oas.Components.SecuritySchemes[name] = scheme
	}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security

	errResponse := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResponse
			if route == healthPath {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Callsheet phase API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});</script>
</body>
</html>`
