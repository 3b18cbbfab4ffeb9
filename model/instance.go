package model

import (
	"math"
	"time"
)

// Fixed storage keys for persisted dashboard state.
const (
	ConfigStorageKey = "doorhub.widget-configs.v1"
	LayoutStorageKey = "doorhub.dashboard.v1"
)

// DefaultRefreshRate is the poll interval used when a configuration does not
// set refreshRate.
const DefaultRefreshRate = 300 * time.Second

// WidgetInstance is one placed widget on the dashboard grid.
type WidgetInstance struct {
	InstanceID string `json:"instanceId"`
	WidgetID   string `json:"widgetId"`
	Size       string `json:"size"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	W          int    `json:"w"`
	H          int    `json:"h"`
}

// Configuration is the per-instance, user-supplied widget configuration.
type Configuration map[string]any

// Has reports whether key is present with a non-empty value.
func (c Configuration) Has(key string) bool {
	v, ok := c[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// Missing returns the subset of required keys that are absent.
func (c Configuration) Missing(required []string) []string {
	var missing []string
	for _, k := range required {
		if !c.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// MaxRefreshRate bounds RefreshRate; larger values would overflow
// time.Duration.
const MaxRefreshRate = time.Duration(math.MaxInt64)

// RefreshRate returns the configured refreshRate in seconds, or
// DefaultRefreshRate. Rates too large for a time.Duration, including
// +Inf, yield MaxRefreshRate.
func (c Configuration) RefreshRate() time.Duration {
	var secs float64
	switch v := c["refreshRate"].(type) {
	case float64:
		secs = v
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	}
	if math.IsNaN(secs) || secs <= 0 {
		return DefaultRefreshRate
	}
	if secs >= float64(math.MaxInt64/int64(time.Second)) {
		return MaxRefreshRate
	}
	return time.Duration(secs * float64(time.Second))
}

// Language returns the configured language, or "".
func (c Configuration) Language() string {
	s, _ := c["language"].(string)
	return s
}

// Clone returns a shallow copy.
func (c Configuration) Clone() Configuration {
	if c == nil {
		return nil
	}
	out := make(Configuration, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
