package substitute

import (
	"testing"
	"time"

	"github.com/pitabwire/doorhub/model"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 14, 9, 5, 0, 0, time.Local)
}

func TestBuiltins(t *testing.T) {
	got := Builtins("{TIME} in {CITY}: {TEMP}° {COND}", fixedNow())
	want := "09:05 in Berlin: 22° Cloudy"
	if got != want {
		t.Errorf("Builtins() = %q, want %q", got, want)
	}
}

func TestConfig(t *testing.T) {
	cfg := model.Configuration{
		"orderNo": "42",
		"count":   float64(3),
		"zero":    float64(0),
		"off":     false,
		"on":      true,
		"tags":    []any{"a", "b"},
	}
	tests := []struct {
		in, want string
	}{
		{"Order {config.orderNo}", "Order 42"},
		{"{config.count} items", "3 items"},
		{"[{config.missing}]", "[]"},
		{"[{config.zero}]", "[]"},
		{"[{config.off}]", "[]"},
		{"[{config.on}]", "[true]"},
		{"{config.tags}", `["a","b"]`},
		{"{config.orderNo}/{config.orderNo}", "42/42"},
	}
	for _, tt := range tests {
		if got := Config(tt.in, cfg); got != tt.want {
			t.Errorf("Config(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTemplate_resolvesBindingURL(t *testing.T) {
	got := Template("https://api.example.com/{config.id}", model.Configuration{"id": "42"})
	if got != "https://api.example.com/42" {
		t.Errorf("Template() = %q, want https://api.example.com/42", got)
	}
}

func TestTemplate_doesNotEscape(t *testing.T) {
	got := Template("https://api.example.com/?q={config.q}", model.Configuration{"q": "a b&c"})
	if got != "https://api.example.com/?q=a b&c" {
		t.Errorf("Template() = %q, want raw insertion", got)
	}
}

func TestI18n_fallsBackToEnglish(t *testing.T) {
	table := model.I18nTable{"en": {"status_unknown": "Unknown"}}
	if got := I18n("{i18n.status_unknown}", table, "de"); got != "Unknown" {
		t.Errorf("I18n() = %q, want Unknown", got)
	}
}

func TestI18n_prefersActiveLanguage(t *testing.T) {
	table := model.I18nTable{
		"en": {"title": "Order"},
		"de": {"title": "Bestellung"},
	}
	if got := I18n("{i18n.title}", table, "de"); got != "Bestellung" {
		t.Errorf("I18n() = %q, want Bestellung", got)
	}
}

func TestI18n_unresolvedStaysLiteral(t *testing.T) {
	table := model.I18nTable{"en": {"a": "A"}}
	if got := I18n("{i18n.nope}", table, "de"); got != "{i18n.nope}" {
		t.Errorf("I18n() = %q, want literal placeholder", got)
	}
}

func TestResolver_DataOnly(t *testing.T) {
	r := &Resolver{Data: map[string]any{
		"status": "delivered",
		"count":  float64(7),
		"flag":   true,
		"nested": map[string]any{"name": "inner"},
		"list":   []any{"x"},
	}}
	tests := []struct {
		in, want string
	}{
		{"{data.status}", "delivered"},
		{"{data.count}", "7"},
		{"{data.flag}", "{data.flag}"},
		{"{data.list}", "{data.list}"},
		{"{data.nested}", "{data.nested}"},
		{"{data.nested.name}", "inner"},
		{"{data.missing}", "{data.missing}"},
	}
	for _, tt := range tests {
		if got := r.DataOnly(tt.in); got != tt.want {
			t.Errorf("DataOnly(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolver_DataCarryingI18nKey(t *testing.T) {
	r := &Resolver{
		I18n:     model.I18nTable{"en": {"status_delivered": "Delivered"}},
		Language: "en",
		Data:     map[string]any{"stateText": "{i18n.status_delivered}"},
	}
	if got := r.Substitute("{data.stateText}"); got != "Delivered" {
		t.Errorf("Substitute() = %q, want Delivered", got)
	}
}

func TestResolver_Text_order(t *testing.T) {
	r := &Resolver{
		Config:   model.Configuration{"orderNo": "42"},
		I18n:     model.I18nTable{"en": {"label": "Order"}},
		Language: "en",
		Data:     map[string]any{"status": "ready"},
		Now:      fixedNow,
	}
	got := r.Text("{TIME} {i18n.label} {config.orderNo}: {data.status}")
	want := "09:05 Order 42: ready"
	if got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestResolver_idempotentWithoutPlaceholders(t *testing.T) {
	r := &Resolver{
		Config: model.Configuration{"a": "b"},
		I18n:   model.I18nTable{"en": {"a": "b"}},
		Data:   map[string]any{"a": "b"},
		Now:    fixedNow,
	}
	inputs := []string{"", "plain text", "{not a token", "braces {} and {x}"}
	for _, in := range inputs {
		once := r.Text(in)
		twice := r.Text(once)
		if once != in || twice != in {
			t.Errorf("Text(%q) = %q then %q, want unchanged", in, once, twice)
		}
	}
}
