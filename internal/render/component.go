package render

import (
	"fmt"
	"strings"

	"github.com/pitabwire/doorhub/model"
)

// Component is the decoded form of a layout node. The set of implementations
// is closed: Card, Row, Column, Text, Spacer, Image, StatusIndicator and
// Unknown.
type Component interface {
	component()
}

// Card is a padded container.
type Card struct {
	// StyleToken is set when props.style is a string, Style when it is a map.
	StyleToken string
	Style      map[string]any
	ClassName  string
	Attrs      map[string]any
	Children   []Component
}

// Row lays its children out horizontally.
type Row struct {
	Space    float64
	Align    string
	Children []Component
}

// Column lays its children out vertically.
type Column struct {
	Space    float64
	Align    string
	Children []Component
}

// Text is a line of substituted text.
type Text struct {
	Text  string
	Style string
	Muted bool
}

// Spacer absorbs the free space of its container.
type Spacer struct{}

// Image shows a picture.
type Image struct {
	Src string
	Alt string
}

// StatusIndicator is a status-coloured marker.
type StatusIndicator struct {
	Status string
}

// Unknown stands in for a tag outside the vocabulary. Tag is shown to the
// user; Reason is one of the Reason constants.
type Unknown struct {
	Tag    string
	Reason string
}

// Reasons a placeholder is rendered. They are the only values of the
// placeholder metric label.
const (
	ReasonUnknownComponent = "unknown_component"
	ReasonEmpty            = "empty"
	ReasonTooDeep          = "too_deep"
	ReasonPanic            = "render_error"
	ReasonUnsupported      = "unsupported"
)

func (Card) component()            {}
func (Row) component()             {}
func (Column) component()          {}
func (Text) component()            {}
func (Spacer) component()          {}
func (Image) component()           {}
func (StatusIndicator) component() {}
func (Unknown) component()         {}

// DefaultSpace is the gap between children of a Row or Column.
const DefaultSpace = 8

// DefaultRowAlign is a Row's cross-axis alignment when none is given.
const DefaultRowAlign = "center"

// aliasColumn is accepted in place of Column.
const aliasColumn = "Col"

// maxDepth bounds decoding; deeper subtrees become Unknown.
const maxDepth = 64

// Decode converts a layout tree into components. It never fails: nil nodes,
// unknown tags and over-deep subtrees decode to Unknown.
func Decode(node *model.LayoutNode) Component {
	return decode(node, 0)
}

func decode(node *model.LayoutNode, depth int) Component {
	if node == nil {
		return Unknown{Reason: ReasonEmpty}
	}
	if depth >= maxDepth {
		return Unknown{Tag: node.Component + " (nested too deeply)", Reason: ReasonTooDeep}
	}

	switch node.Component {
	case model.ComponentCard:
		c := Card{
			ClassName: stringProp(node, "className"),
			Children:  decodeChildren(node, depth),
		}
		switch s := node.Prop("style").(type) {
		case string:
			c.StyleToken = s
		case map[string]any:
			c.Style = s
		}
		if attrs, ok := node.Prop("attrs").(map[string]any); ok {
			c.Attrs = attrs
		}
		return c
	case model.ComponentRow:
		align := stringProp(node, "align")
		if align == "" {
			align = DefaultRowAlign
		}
		return Row{
			Space:    spaceProp(node),
			Align:    align,
			Children: decodeChildren(node, depth),
		}
	case model.ComponentColumn, aliasColumn:
		return Column{
			Space:    spaceProp(node),
			Align:    stringProp(node, "align"),
			Children: decodeChildren(node, depth),
		}
	case model.ComponentText:
		return Text{
			Text:  stringProp(node, "text"),
			Style: stringProp(node, "style"),
			Muted: truthy(node.Prop("muted")),
		}
	case model.ComponentSpacer:
		return Spacer{}
	case model.ComponentImage:
		return Image{
			Src: stringProp(node, "src"),
			Alt: stringProp(node, "alt"),
		}
	case model.ComponentStatusIndicator:
		return StatusIndicator{Status: stringProp(node, "status")}
	default:
		reason := ReasonUnknownComponent
		if node.Component == "" {
			reason = ReasonEmpty
		}
		return Unknown{Tag: node.Component, Reason: reason}
	}
}

func decodeChildren(node *model.LayoutNode, depth int) []Component {
	if len(node.Children) == 0 {
		return nil
	}
	out := make([]Component, 0, len(node.Children))
	for _, child := range node.Children {
		out = append(out, decode(child, depth+1))
	}
	return out
}

// stringProp reads a text-like prop. Numbers and booleans are formatted;
// other values read as empty.
func stringProp(node *model.LayoutNode, name string) string {
	switch v := node.Prop(name).(type) {
	case string:
		return v
	case float64, int, int64, bool:
		return fmt.Sprint(v)
	}
	return ""
}

func spaceProp(node *model.LayoutNode) float64 {
	if n, ok := number(node.Prop("space")); ok && n >= 0 {
		return n
	}
	return DefaultSpace
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != "" && !strings.EqualFold(b, "false")
	case float64:
		return b != 0
	}
	return false
}
