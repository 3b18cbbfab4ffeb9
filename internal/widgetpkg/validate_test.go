package widgetpkg

import (
	"errors"
	"strings"
	"testing"

	"github.com/pitabwire/doorhub/model"
)

func validManifest() model.WidgetManifest {
	return model.WidgetManifest{
		ID:          "order-status",
		Name:        "Order Status",
		Version:     "1.0.0",
		Sizes:       []string{"2x2", "4x2"},
		DefaultSize: "2x2",
	}
}

func TestValidateManifest_valid(t *testing.T) {
	m := validManifest()
	if err := ValidateManifest(&m, []string{"2x2", "4x2"}, "1.2.0"); err != nil {
		t.Errorf("ValidateManifest() error = %v, want nil", err)
	}
}

func TestValidateManifest_problems(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*model.WidgetManifest)
		ui     []string
		want   string
	}{
		{"missing id", func(m *model.WidgetManifest) { m.ID = "" }, nil, "id is required"},
		{"missing version", func(m *model.WidgetManifest) { m.Version = "" }, nil, "version is required"},
		{"no sizes", func(m *model.WidgetManifest) { m.Sizes = nil; m.DefaultSize = "" }, nil, "at least one size"},
		{"zero size", func(m *model.WidgetManifest) { m.Sizes = []string{"0x2"}; m.DefaultSize = "" }, nil, `size "0x2" does not match`},
		{"default not declared", func(m *model.WidgetManifest) { m.DefaultSize = "4x4" }, nil, `defaultSize "4x4"`},
		{"ui not declared", func(m *model.WidgetManifest) {}, []string{"2x2", "6x6"}, `ui size "6x6"`},
		{"sdk too new", func(m *model.WidgetManifest) { m.SDK = &model.ManifestSDK{Min: "1.3.0"} }, nil, "requires SDK 1.3.0"},
		{"sdk garbage", func(m *model.WidgetManifest) { m.SDK = &model.ManifestSDK{Min: "latest"} }, nil, "not a semantic version"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			tc.mutate(&m)
			err := ValidateManifest(&m, tc.ui, "1.2.0")
			if err == nil {
				t.Fatal("ValidateManifest() error = nil, want MANIFEST_INVALID")
			}
			if code := model.CodeOf(err); code != model.ErrManifestInvalid {
				t.Errorf("code = %q, want %q", code, model.ErrManifestInvalid)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to mention %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateManifest_collectsEveryProblem(t *testing.T) {
	m := model.WidgetManifest{Sizes: []string{"big"}}
	err := ValidateManifest(&m, nil, "")

	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *model.ErrorEnvelope", err)
	}
	if got := len(ee.Details); got != 4 {
		t.Errorf("len(Details) = %d, want 4 (id, name, version, size)", got)
	}
}

func TestValidateManifest_sdkSkippedWithoutHostVersion(t *testing.T) {
	m := validManifest()
	m.SDK = &model.ManifestSDK{Min: "9.0.0"}
	if err := ValidateManifest(&m, nil, ""); err != nil {
		t.Errorf("ValidateManifest() error = %v, want nil", err)
	}
}

func TestValidateManifest_sdkAcceptsVPrefix(t *testing.T) {
	m := validManifest()
	m.SDK = &model.ManifestSDK{Min: "v1.2.0"}
	if err := ValidateManifest(&m, nil, "1.2.0"); err != nil {
		t.Errorf("ValidateManifest() error = %v, want nil", err)
	}
}
