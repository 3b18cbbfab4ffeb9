package transport

import (
	"context"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/doorhub/model"
)

// Catalog lists and resolves widget packages.
type Catalog interface {
	Search(ctx context.Context, query, category string) ([]model.WidgetManifest, error)
	Load(ctx context.Context, widgetID string) (*model.WidgetPackage, error)
}

type catalogResponse struct {
	Widgets []model.WidgetManifest `json:"widgets"`
}

type widgetResponse struct {
	Manifest       model.WidgetManifest `json:"manifest"`
	RequiredConfig []string             `json:"requiredConfig,omitempty"`
	ConfigSchema   *openapi3.Schema     `json:"configSchema,omitempty"`
	HasBinding     bool                 `json:"hasBinding"`
	Legacy         bool                 `json:"legacy,omitempty"`
}

func handleListWidgets(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		widgets, err := catalog.Search(r.Context(), "", "")
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, catalogResponse{Widgets: nonNil(widgets)})
	}
}

func handleSearchWidgets(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		widgets, err := catalog.Search(r.Context(), q.Get("q"), q.Get("category"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, catalogResponse{Widgets: nonNil(widgets)})
	}
}

func handleGetWidget(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pkg, err := catalog.Load(r.Context(), chi.URLParam(r, "widgetId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, widgetResponse{
			Manifest:       pkg.Manifest,
			RequiredConfig: pkg.RequiredConfig(),
			ConfigSchema:   pkg.ConfigSchema,
			HasBinding:     pkg.Binding != nil,
			Legacy:         pkg.Legacy,
		})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
