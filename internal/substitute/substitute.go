// Package substitute resolves {namespace.key} placeholders in widget layout
// text and binding templates.
//
// Namespaces:
//   - {TIME} {CITY} {TEMP} {COND}  built-in demo values
//   - {config.key}                 instance configuration, missing keys become ""
//   - {i18n.key}                   active language, then "en", else left as-is
//   - {data.key}                   scalar DTO fields, anything else left as-is
//
// Every namespace is a literal replace-all. Replacement values are never
// re-scanned, with one exception: a string pulled from the data namespace is
// passed through i18n first so transforms can emit {i18n.*} keys.
package substitute

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/doorhub/model"
)

// FallbackLanguage is consulted when the active language has no entry.
const FallbackLanguage = "en"

// Built-in demo values.
const (
	BuiltinCity = "Berlin"
	BuiltinTemp = "22"
	BuiltinCond = "Cloudy"
)

var (
	configToken = regexp.MustCompile(`\{config\.([^{}]+)\}`)
	i18nToken   = regexp.MustCompile(`\{i18n\.([^{}]+)\}`)
	dataToken   = regexp.MustCompile(`\{data\.([^{}]+)\}`)
)

// Resolver holds the namespaces available to one render or fetch pass.
// The zero value substitutes nothing but built-ins.
type Resolver struct {
	Config   model.Configuration
	I18n     model.I18nTable
	Language string
	Data     any
	Now      func() time.Time
}

// Text applies every namespace: built-ins, config, i18n, data.
func (r *Resolver) Text(s string) string {
	return r.Substitute(Builtins(s, r.now()))
}

// Substitute applies config, i18n and data in that order.
func (r *Resolver) Substitute(s string) string {
	s = Config(s, r.Config)
	s = r.I18nOnly(s)
	return r.DataOnly(s)
}

// I18nOnly applies the i18n namespace.
func (r *Resolver) I18nOnly(s string) string {
	return I18n(s, r.I18n, r.Language)
}

// DataOnly applies the data namespace.
func (r *Resolver) DataOnly(s string) string {
	if !strings.Contains(s, "{data.") {
		return s
	}
	return dataToken.ReplaceAllStringFunc(s, func(tok string) string {
		key := tok[len("{data.") : len(tok)-1]
		v, ok := scalar(navigatePath(r.Data, key))
		if !ok {
			return tok
		}
		return r.I18nOnly(v)
	})
}

// DataThenI18n applies data and then i18n. Used for pass-through attributes.
func (r *Resolver) DataThenI18n(s string) string {
	return r.I18nOnly(r.DataOnly(s))
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Builtins replaces the built-in demo placeholders. TIME is now formatted as
// HH:MM.
func Builtins(s string, now time.Time) string {
	if !strings.Contains(s, "{") {
		return s
	}
	s = strings.ReplaceAll(s, "{TIME}", now.Format("15:04"))
	s = strings.ReplaceAll(s, "{CITY}", BuiltinCity)
	s = strings.ReplaceAll(s, "{TEMP}", BuiltinTemp)
	return strings.ReplaceAll(s, "{COND}", BuiltinCond)
}

// Config replaces {config.key} placeholders. Missing or empty values become "".
func Config(s string, cfg model.Configuration) string {
	if !strings.Contains(s, "{config.") {
		return s
	}
	return configToken.ReplaceAllStringFunc(s, func(tok string) string {
		key := tok[len("{config.") : len(tok)-1]
		return stringify(cfg[key])
	})
}

// Template resolves a binding URL or header template. Only the config
// namespace applies and values are inserted raw, without URI escaping.
func Template(tmpl string, cfg model.Configuration) string {
	return Config(tmpl, cfg)
}

// I18n replaces {i18n.key} placeholders from table[lang], then table["en"].
// Keys found in neither stay unresolved.
func I18n(s string, table model.I18nTable, lang string) string {
	if len(table) == 0 || !strings.Contains(s, "{i18n.") {
		return s
	}
	return i18nToken.ReplaceAllStringFunc(s, func(tok string) string {
		key := tok[len("{i18n.") : len(tok)-1]
		if v, ok := Lookup(table, lang, key); ok {
			return v
		}
		return tok
	})
}

// Lookup finds key for lang, falling back to FallbackLanguage.
func Lookup(table model.I18nTable, lang, key string) (string, bool) {
	if strs, ok := table[lang]; ok {
		if v, ok := strs[key]; ok {
			return v, true
		}
	}
	if strs, ok := table[FallbackLanguage]; ok {
		if v, ok := strs[key]; ok {
			return v, true
		}
	}
	return "", false
}

// stringify renders a config value. Falsy values (nil, false, 0, "") render as
// the empty string.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if !val {
			return ""
		}
		return "true"
	case float64:
		if val == 0 {
			return ""
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		if val == 0 {
			return ""
		}
		return strconv.Itoa(val)
	case int64:
		if val == 0 {
			return ""
		}
		return strconv.FormatInt(val, 10)
	case json.Number:
		if f, err := val.Float64(); err == nil && f == 0 {
			return ""
		}
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// scalar returns the display string of a string or number DTO field.
func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}

// navigatePath walks a dot-separated path through nested maps.
func navigatePath(data any, path string) any {
	current := data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
