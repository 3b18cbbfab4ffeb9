// Package render turns widget layout trees into visual trees for the
// dashboard client.
//
// A layout node is first decoded into a closed set of components and then
// rendered by an exhaustive switch, substituting placeholders in every
// textual field. Rendering is a pure function of the node and the Context
// and never fails: unknown tags, over-deep trees and faults inside a
// subtree all render as a visible placeholder naming the problem.
package render

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/internal/substitute"
	"github.com/pitabwire/doorhub/model"
)

// Kind names a visual node type.
type Kind string

const (
	KindCard        Kind = "card"
	KindRow         Kind = "row"
	KindColumn      Kind = "column"
	KindText        Kind = "text"
	KindSpacer      Kind = "spacer"
	KindImage       Kind = "image"
	KindStatus      Kind = "status"
	KindPlaceholder Kind = "placeholder"
)

// Text scale.
const (
	fontSizeLargeTitle = 28
	fontSizeTitle1     = 20
	fontSizeCaption    = 12
	fontSizeBody       = 14

	fontWeightTitle = 600
	fontWeightBody  = 400

	mutedOpacity = 0.75
	cardPadding  = 16
)

// VisualNode is one element of a rendered tree.
type VisualNode struct {
	Kind       Kind              `json:"kind"`
	Style      map[string]any    `json:"style,omitempty"`
	StyleToken string            `json:"styleToken,omitempty"`
	ClassName  string            `json:"className,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	Text       string            `json:"text,omitempty"`
	Src        string            `json:"src,omitempty"`
	Alt        string            `json:"alt,omitempty"`
	Status     string            `json:"status,omitempty"`
	Children   []*VisualNode     `json:"children,omitempty"`
}

// Context carries everything a render pass may substitute.
type Context struct {
	InstanceID string
	Data       any
	I18n       model.I18nTable
	Language   string
	Config     model.Configuration
	Now        func() time.Time
}

func (c Context) resolver() *substitute.Resolver {
	return &substitute.Resolver{
		Config:   c.Config,
		I18n:     c.I18n,
		Language: c.Language,
		Data:     c.Data,
		Now:      c.Now,
	}
}

// Renderer renders layout trees. The zero value is not usable; use New.
type Renderer struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Renderer) { r.metrics = m }
}

// New creates a Renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render renders node against ctx.
func (r *Renderer) Render(node *model.LayoutNode, ctx Context) *VisualNode {
	return r.renderComponent(Decode(node), ctx.resolver(), ctx.InstanceID)
}

// RenderInstance renders the layout of pkg for size, falling back to the
// manifest's preferred size. When neither exists the result is a card
// saying so.
func (r *Renderer) RenderInstance(pkg *model.WidgetPackage, size string, ctx Context) *VisualNode {
	if ctx.I18n == nil {
		ctx.I18n = pkg.I18n
	}
	layout, ok := pkg.Layout(size)
	if !ok {
		return &VisualNode{
			Kind:     KindCard,
			Style:    map[string]any{"padding": cardPadding},
			Children: []*VisualNode{{Kind: KindText, Text: "No layout for " + size}},
		}
	}
	return r.Render(layout, ctx)
}

func (r *Renderer) renderComponent(c Component, res *substitute.Resolver, instanceID string) (out *VisualNode) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("layout subtree panicked",
				zap.String("instance_id", instanceID),
				zap.Any("panic", rec),
			)
			out = r.placeholder(ReasonPanic, "render error")
		}
	}()

	switch n := c.(type) {
	case Card:
		v := &VisualNode{
			Kind:       KindCard,
			Style:      map[string]any{"padding": cardPadding},
			StyleToken: n.StyleToken,
			ClassName:  res.DataOnly(n.ClassName),
			Children:   r.renderChildren(n.Children, res, instanceID),
		}
		for k, val := range n.Style {
			v.Style[k] = val
		}
		if len(n.Attrs) > 0 {
			v.Attrs = make(map[string]string, len(n.Attrs))
			for k, val := range n.Attrs {
				v.Attrs[k] = res.DataThenI18n(fmt.Sprint(val))
			}
		}
		return v
	case Row:
		return &VisualNode{
			Kind: KindRow,
			Style: map[string]any{
				"display":    "flex",
				"gap":        n.Space,
				"alignItems": n.Align,
			},
			Children: r.renderChildren(n.Children, res, instanceID),
		}
	case Column:
		style := map[string]any{
			"display":       "flex",
			"flexDirection": "column",
			"gap":           n.Space,
		}
		if n.Align != "" {
			style["alignItems"] = n.Align
		}
		return &VisualNode{
			Kind:     KindColumn,
			Style:    style,
			Children: r.renderChildren(n.Children, res, instanceID),
		}
	case Text:
		opacity := 1.0
		if n.Muted {
			opacity = mutedOpacity
		}
		return &VisualNode{
			Kind: KindText,
			Text: res.Text(n.Text),
			Style: map[string]any{
				"fontSize":   textSize(n.Style),
				"fontWeight": textWeight(n.Style),
				"opacity":    opacity,
			},
		}
	case Spacer:
		return &VisualNode{Kind: KindSpacer, Style: map[string]any{"flex": 1}}
	case Image:
		return &VisualNode{
			Kind: KindImage,
			Src:  res.DataOnly(n.Src),
			Alt:  res.DataThenI18n(n.Alt),
		}
	case StatusIndicator:
		return &VisualNode{Kind: KindStatus, Status: res.DataOnly(n.Status)}
	case Unknown:
		return r.placeholder(n.Reason, n.Tag)
	default:
		return r.placeholder(ReasonUnsupported, "unsupported component")
	}
}

func (r *Renderer) renderChildren(children []Component, res *substitute.Resolver, instanceID string) []*VisualNode {
	if len(children) == 0 {
		return nil
	}
	out := make([]*VisualNode, 0, len(children))
	for _, c := range children {
		out = append(out, r.renderComponent(c, res, instanceID))
	}
	return out
}

// placeholder is the dashed box shown in place of something that cannot be
// rendered. label is displayed; reason is the metric label.
func (r *Renderer) placeholder(reason, label string) *VisualNode {
	if reason == "" {
		reason = ReasonUnknownComponent
	}
	if label == "" {
		label = "(missing component)"
	}
	r.metrics.RecordRenderPlaceholder(reason)
	return &VisualNode{
		Kind: KindPlaceholder,
		Text: label,
		Style: map[string]any{
			"border":       "1px dashed rgba(255,255,255,.2)",
			"borderRadius": 8,
			"padding":      6,
		},
	}
}

func textSize(style string) int {
	switch style {
	case "largeTitle":
		return fontSizeLargeTitle
	case "title1":
		return fontSizeTitle1
	case "caption":
		return fontSizeCaption
	default:
		return fontSizeBody
	}
}

func textWeight(style string) int {
	if strings.Contains(strings.ToLower(style), "title") {
		return fontWeightTitle
	}
	return fontWeightBody
}
