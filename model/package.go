package model

import (
	"context"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// Layout component tags understood by the renderer.
const (
	ComponentCard            = "Card"
	ComponentRow             = "Row"
	ComponentColumn          = "Column"
	ComponentText            = "Text"
	ComponentSpacer          = "Spacer"
	ComponentImage           = "Image"
	ComponentStatusIndicator = "StatusIndicator"
)

// LayoutNode is one element of a declarative widget layout tree.
type LayoutNode struct {
	Component string         `json:"component"`
	Props     map[string]any `json:"props,omitempty"`
	Children  []*LayoutNode  `json:"children,omitempty"`
}

// Prop returns the named prop, or nil.
func (n *LayoutNode) Prop(name string) any {
	if n == nil || n.Props == nil {
		return nil
	}
	return n.Props[name]
}

// I18nTable maps language code to translation key to string.
type I18nTable map[string]map[string]string

// Binding declares how a widget fetches its remote data.
type Binding struct {
	URLTemplate string            `json:"urlTemplate"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	// Timeout is in milliseconds.
	Timeout   int    `json:"timeout,omitempty"`
	CORSProxy string `json:"corsProxy,omitempty"`
}

// TimeoutDuration returns the binding timeout, or fallback when unset.
func (b *Binding) TimeoutDuration(fallback time.Duration) time.Duration {
	if b.Timeout <= 0 {
		return fallback
	}
	return time.Duration(b.Timeout) * time.Millisecond
}

// Transform shapes a raw API response into the display DTO for a widget.
// Implementations must not mutate their input.
type Transform interface {
	ToDTO(ctx context.Context, api any) any
}

// TransformFunc adapts a plain function to Transform.
type TransformFunc func(ctx context.Context, api any) any

// ToDTO calls f.
func (f TransformFunc) ToDTO(ctx context.Context, api any) any {
	return f(ctx, api)
}

// WidgetPackage is a fully hydrated widget package. It is immutable once
// returned by the loader.
type WidgetPackage struct {
	Manifest     WidgetManifest         `json:"manifest"`
	UI           map[string]*LayoutNode `json:"ui"`
	I18n         I18nTable              `json:"i18n,omitempty"`
	Binding      *Binding               `json:"binding,omitempty"`
	ConfigSchema *openapi3.Schema       `json:"configSchema,omitempty"`
	DataSchema   *openapi3.Schema       `json:"dataSchema,omitempty"`
	Transform    Transform              `json:"-"`
	Legacy       bool                   `json:"legacy,omitempty"`
	LoadedAt     time.Time              `json:"loadedAt"`
}

// RequiredConfig returns the config schema's top-level required fields.
func (p *WidgetPackage) RequiredConfig() []string {
	if p.ConfigSchema == nil {
		return nil
	}
	return p.ConfigSchema.Required
}

// Layout returns the layout for size, falling back to the manifest's
// preferred size.
func (p *WidgetPackage) Layout(size string) (*LayoutNode, bool) {
	if n, ok := p.UI[size]; ok && n != nil {
		return n, true
	}
	if n, ok := p.UI[p.Manifest.PreferredSize()]; ok && n != nil {
		return n, true
	}
	return nil, false
}

// PackageIndex is the index.json descriptor of a structured package.
// All paths are relative to the package directory.
type PackageIndex struct {
	Manifest string            `json:"manifest"`
	UI       map[string]string `json:"ui"`
	I18n     map[string]string `json:"i18n,omitempty"`
	Bindings string            `json:"bindings,omitempty"`
	Logic    string            `json:"logic,omitempty"`
	Schemas  struct {
		Config string `json:"config,omitempty"`
		Data   string `json:"data,omitempty"`
	} `json:"schemas"`
	Assets map[string]string `json:"assets,omitempty"`
}

// LegacyPackage is the single-document package format served at
// <base>/<widgetId>.json.
type LegacyPackage struct {
	Manifest WidgetManifest         `json:"manifest"`
	UI       map[string]*LayoutNode `json:"ui"`
}
