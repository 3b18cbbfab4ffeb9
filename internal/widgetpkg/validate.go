package widgetpkg

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/pitabwire/doorhub/model"
)

// ValidateManifest checks a manifest and the UI keys that accompany it.
// hostSDK is the host SDK version without a "v" prefix; when empty the SDK
// check is skipped. All problems are collected into one MANIFEST_INVALID
// error.
func ValidateManifest(m *model.WidgetManifest, uiSizes []string, hostSDK string) error {
	var problems []string

	if m.ID == "" {
		problems = append(problems, "id is required")
	}
	if m.Name == "" {
		problems = append(problems, "name is required")
	}
	if m.Version == "" {
		problems = append(problems, "version is required")
	}
	if len(m.Sizes) == 0 {
		problems = append(problems, "at least one size is required")
	}
	for _, s := range m.Sizes {
		if !model.IsValidSize(s) {
			problems = append(problems, fmt.Sprintf("size %q does not match WxH", s))
		}
	}
	if m.DefaultSize != "" && !m.SupportsSize(m.DefaultSize) {
		problems = append(problems, fmt.Sprintf("defaultSize %q is not a declared size", m.DefaultSize))
	}
	for _, s := range uiSizes {
		if !m.SupportsSize(s) {
			problems = append(problems, fmt.Sprintf("ui size %q is not a declared size", s))
		}
	}

	if hostSDK != "" && m.SDK != nil && m.SDK.Min != "" {
		min := canonicalVersion(m.SDK.Min)
		host := canonicalVersion(hostSDK)
		switch {
		case !semver.IsValid(min):
			problems = append(problems, fmt.Sprintf("sdk.min %q is not a semantic version", m.SDK.Min))
		case semver.Compare(min, host) > 0:
			problems = append(problems, fmt.Sprintf("requires SDK %s, host provides %s", m.SDK.Min, hostSDK))
		}
	}

	if len(problems) > 0 {
		return model.NewManifestInvalidError(m.ID, problems)
	}
	return nil
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
