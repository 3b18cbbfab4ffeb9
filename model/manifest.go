package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Well-known manifest capabilities.
const (
	CapabilityConfigRuntime = "config:runtime"
	CapabilityRefreshAuto   = "refresh:auto"
	CapabilityRefreshManual = "refresh:manual"
)

var sizePattern = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)

// WidgetManifest is the identity and capability declaration of a widget package.
type WidgetManifest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Sizes        []string `json:"sizes"`
	DefaultSize  string   `json:"defaultSize,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`

	// Passive metadata. None of it changes runtime behaviour except SDK.Min,
	// which gates loading.
	Description  string              `json:"description,omitempty"`
	Author       *ManifestAuthor     `json:"author,omitempty"`
	License      string              `json:"license,omitempty"`
	Keywords     []string            `json:"keywords,omitempty"`
	Category     string              `json:"category,omitempty"`
	SDK          *ManifestSDK        `json:"sdk,omitempty"`
	Security     *ManifestSecurity   `json:"security,omitempty"`
	I18n         *ManifestI18n       `json:"i18n,omitempty"`
	Rating       float64             `json:"rating,omitempty"`
	Downloads    int64               `json:"downloads,omitempty"`
	Assets       *ManifestAssets     `json:"assets,omitempty"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Platform     *ManifestPlatform   `json:"platform,omitempty"`
}

// ManifestAssets points at catalog artwork shipped with the package.
type ManifestAssets struct {
	Icon        string   `json:"icon,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
	Preview     string   `json:"preview,omitempty"`
}

// ManifestAuthor identifies the package author.
type ManifestAuthor struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// ManifestSDK declares the host SDK range a package was built against.
type ManifestSDK struct {
	Min    string   `json:"min,omitempty"`
	Target string   `json:"target,omitempty"`
	APIs   []string `json:"apis,omitempty"`
}

// ManifestSecurity carries the package's declared security policy.
type ManifestSecurity struct {
	ContentSecurityPolicy string   `json:"contentSecurityPolicy,omitempty"`
	Sandbox               []string `json:"sandbox,omitempty"`
}

// ManifestI18n lists the languages a package ships.
type ManifestI18n struct {
	Supported []string `json:"supported,omitempty"`
	Default   string   `json:"default,omitempty"`
}

// ManifestPlatform constrains the hosts a package runs on.
type ManifestPlatform struct {
	Min      string   `json:"min,omitempty"`
	Browsers []string `json:"browsers,omitempty"`
}

// HasCapability reports whether the manifest declares the given capability.
func (m *WidgetManifest) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// SupportsSize reports whether size is one of the declared sizes.
func (m *WidgetManifest) SupportsSize(size string) bool {
	for _, s := range m.Sizes {
		if s == size {
			return true
		}
	}
	return false
}

// PreferredSize returns DefaultSize if set, otherwise the first declared size.
func (m *WidgetManifest) PreferredSize() string {
	if m.DefaultSize != "" {
		return m.DefaultSize
	}
	if len(m.Sizes) > 0 {
		return m.Sizes[0]
	}
	return ""
}

// IsValidSize reports whether s has the WxH form with positive integers.
func IsValidSize(s string) bool {
	return sizePattern.MatchString(s)
}

// ParseSize splits a WxH size string into grid width and height.
func ParseSize(s string) (w, h int, err error) {
	if !IsValidSize(s) {
		return 0, 0, fmt.Errorf("invalid size %q: want WxH", s)
	}
	parts := strings.SplitN(s, "x", 2)
	w, _ = strconv.Atoi(parts[0])
	h, _ = strconv.Atoi(parts[1])
	return w, h, nil
}
