package transport

import (
	"context"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/internal/render"
	"github.com/pitabwire/doorhub/model"
)

// defaultLanguage is used when neither the request nor the instance
// configuration names one.
const defaultLanguage = "en"

// Dashboard manages placed instances.
type Dashboard interface {
	List() []model.WidgetInstance
	Get(instanceID string) (model.WidgetInstance, bool)
	Add(ctx context.Context, widgetID, size string) (model.WidgetInstance, model.InstanceState, error)
	Remove(ctx context.Context, instanceID string) error
	SetSize(ctx context.Context, instanceID, size string) (model.WidgetInstance, error)
	Move(ctx context.Context, geometry []model.WidgetInstance) ([]model.WidgetInstance, error)
}

// Lifecycle exposes instance state and configuration.
type Lifecycle interface {
	State(instanceID string) (model.InstanceState, bool)
	Config(ctx context.Context, instanceID, widgetID string) (model.Configuration, error)
	Configure(ctx context.Context, instanceID string, cfg model.Configuration) (model.InstanceState, error)
	ClearConfig(ctx context.Context, instanceID string) (model.InstanceState, error)
	Refresh(ctx context.Context, instanceID string) error
}

type instanceView struct {
	model.WidgetInstance
	State *model.InstanceState `json:"state,omitempty"`
}

type instancesResponse struct {
	Instances []instanceView `json:"instances"`
}

type addInstanceRequest struct {
	WidgetID string `json:"widgetId"`
	Size     string `json:"size,omitempty"`
}

type setSizeRequest struct {
	Size string `json:"size"`
}

type layoutRequest struct {
	Instances []model.WidgetInstance `json:"instances"`
}

type configResponse struct {
	InstanceID string              `json:"instanceId"`
	Config     model.Configuration `json:"config"`
	Missing    []string            `json:"missing,omitempty"`
}

type renderResponse struct {
	InstanceID string               `json:"instanceId"`
	Language   string               `json:"language"`
	State      *model.InstanceState `json:"state,omitempty"`
	Tree       *render.VisualNode   `json:"tree"`
}

func (h *handlers) view(w model.WidgetInstance) instanceView {
	v := instanceView{WidgetInstance: w}
	if st, ok := h.lifecycle.State(w.InstanceID); ok {
		v.State = &st
	}
	return v
}

func (h *handlers) listInstances(w http.ResponseWriter, _ *http.Request) {
	items := h.dashboard.List()
	out := make([]instanceView, 0, len(items))
	for _, it := range items {
		out = append(out, h.view(it))
	}
	WriteJSON(w, http.StatusOK, instancesResponse{Instances: out})
}

func (h *handlers) addInstance(w http.ResponseWriter, r *http.Request) {
	var req addInstanceRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.WidgetID == "" {
		WriteError(w, model.NewBadRequestError("widgetId is required"))
		return
	}
	inst, st, err := h.dashboard.Add(r.Context(), req.WidgetID, req.Size)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, instanceView{WidgetInstance: inst, State: &st})
}

// removeInstance keeps the instance configuration unless purge=true.
func (h *handlers) removeInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	if err := h.dashboard.Remove(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	if r.URL.Query().Get("purge") == "true" {
		if _, err := h.lifecycle.ClearConfig(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setSize(w http.ResponseWriter, r *http.Request) {
	var req setSizeRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	inst, err := h.dashboard.SetSize(r.Context(), chi.URLParam(r, "instanceId"), req.Size)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.view(inst))
}

func (h *handlers) updateLayout(w http.ResponseWriter, r *http.Request) {
	var req layoutRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	items, err := h.dashboard.Move(r.Context(), req.Instances)
	if err != nil {
		WriteError(w, err)
		return
	}
	out := make([]instanceView, 0, len(items))
	for _, it := range items {
		out = append(out, h.view(it))
	}
	WriteJSON(w, http.StatusOK, instancesResponse{Instances: out})
}

func (h *handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	inst, pkg, ok := h.resolve(w, r)
	if !ok {
		return
	}
	cfg, err := h.lifecycle.Config(r.Context(), inst.InstanceID, pkg.Manifest.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if cfg == nil {
		cfg = model.Configuration{}
	}
	WriteJSON(w, http.StatusOK, configResponse{
		InstanceID: inst.InstanceID,
		Config:     cfg,
		Missing:    cfg.Missing(pkg.RequiredConfig()),
	})
}

func (h *handlers) putConfig(w http.ResponseWriter, r *http.Request) {
	inst, pkg, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var cfg model.Configuration
	if err := DecodeJSON(r, &cfg); err != nil {
		WriteError(w, err)
		return
	}
	if cfg == nil {
		cfg = model.Configuration{}
	}
	if pkg.ConfigSchema != nil {
		if err := pkg.ConfigSchema.VisitJSON(map[string]any(cfg)); err != nil {
			// Required fields are reported through the config_missing state.
			observability.RequestLogger(r.Context(), h.logger).Warn("configuration does not match schema",
				zap.String("instance_id", inst.InstanceID),
				zap.String("widget_id", inst.WidgetID),
				zap.Any("config", observability.RedactBody(cfg, secretFields(pkg.ConfigSchema))),
				zap.Error(err),
			)
		}
	}
	if _, err := h.lifecycle.Configure(r.Context(), inst.InstanceID, cfg); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, configResponse{
		InstanceID: inst.InstanceID,
		Config:     cfg,
		Missing:    cfg.Missing(pkg.RequiredConfig()),
	})
}

func (h *handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.resolve(w, r)
	if !ok {
		return
	}
	st, err := h.lifecycle.ClearConfig(r.Context(), inst.InstanceID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	if err := h.lifecycle.Refresh(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	st, _ := h.lifecycle.State(id)
	WriteJSON(w, http.StatusAccepted, st)
}

func (h *handlers) getState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	st, ok := h.lifecycle.State(id)
	if !ok {
		WriteNotFound(w, "instance "+id+" is not mounted")
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (h *handlers) renderInstance(w http.ResponseWriter, r *http.Request) {
	inst, pkg, ok := h.resolve(w, r)
	if !ok {
		return
	}
	cfg, err := h.lifecycle.Config(r.Context(), inst.InstanceID, pkg.Manifest.ID)
	if err != nil {
		WriteError(w, err)
		return
	}

	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = cfg.Language()
	}
	if lang == "" {
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			lang = rctx.Language
		}
	}
	if lang == "" {
		lang = defaultLanguage
	}

	resp := renderResponse{InstanceID: inst.InstanceID, Language: lang}
	rc := render.Context{
		InstanceID: inst.InstanceID,
		Language:   lang,
		Config:     cfg,
	}
	if st, ok := h.lifecycle.State(inst.InstanceID); ok {
		resp.State = &st
		rc.Data = st.Data
	}
	resp.Tree = h.renderer.RenderInstance(pkg, inst.Size, rc)
	WriteJSON(w, http.StatusOK, resp)
}

// resolve looks up the placed instance named in the URL and its package.
func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) (model.WidgetInstance, *model.WidgetPackage, bool) {
	id := chi.URLParam(r, "instanceId")
	inst, ok := h.dashboard.Get(id)
	if !ok {
		WriteNotFound(w, "instance "+id+" not found")
		return model.WidgetInstance{}, nil, false
	}
	pkg, err := h.catalog.Load(r.Context(), inst.WidgetID)
	if err != nil {
		WriteError(w, err)
		return model.WidgetInstance{}, nil, false
	}
	return inst, pkg, true
}

// secretFields lists the configuration properties the schema marks as
// passwords or write-only.
func secretFields(schema *openapi3.Schema) []string {
	var out []string
	for name, ref := range schema.Properties {
		if ref == nil || ref.Value == nil {
			continue
		}
		if ref.Value.Format == "password" || ref.Value.WriteOnly {
			out = append(out, name)
		}
	}
	return out
}
