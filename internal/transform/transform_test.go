package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/doorhub/model"
)

const trackingSource = `package tracking

import "strings"

func ToDTO(api map[string]any) map[string]any {
	fallback := map[string]any{"primaryField": "-", "secondaryField": "No data", "status": "unknown", "logo": "/x.svg"}
	if api == nil {
		return fallback
	}
	shipments, _ := api["shipments"].([]any)
	if len(shipments) == 0 {
		return fallback
	}
	shipment, _ := shipments[0].(map[string]any)
	status, _ := shipment["status"].(string)
	out := map[string]any{"primaryField": shipment["id"], "logo": "/x.svg"}
	switch strings.ToLower(status) {
	case "delivered":
		out["status"] = "delivered"
		out["secondaryField"] = "Delivered"
	default:
		out["status"] = "processing"
		out["secondaryField"] = "In transit"
	}
	return out
}
`

func TestValidateSource(t *testing.T) {
	name, err := ValidateSource(trackingSource)
	require.NoError(t, err)
	assert.Equal(t, "tracking", name)
}

func TestValidateSource_rejectsBlockedImport(t *testing.T) {
	src := `package evil

import "os"

func ToDTO(api map[string]any) map[string]any { os.Exit(1); return nil }
`
	_, err := ValidateSource(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"os"`)
}

func TestValidateSource_requiresEntryPoint(t *testing.T) {
	_, err := ValidateSource("package x\n\nfunc Other() {}\n")
	require.Error(t, err)
}

func TestValidateSource_syntaxError(t *testing.T) {
	_, err := ValidateSource("package x\n\nfunc ToDTO( {")
	require.Error(t, err)
}

func TestCompileGo_delivered(t *testing.T) {
	tr, err := Compile("transform.go", trackingSource, nil)
	require.NoError(t, err)

	api := map[string]any{
		"shipments": []any{map[string]any{"id": "JD0001", "status": "delivered"}},
	}
	dto, ok := tr.ToDTO(context.Background(), api).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "delivered", dto["status"])
	assert.Equal(t, "/x.svg", dto["logo"])
	assert.Equal(t, "JD0001", dto["primaryField"])
}

func TestCompileGo_nonObjectInput(t *testing.T) {
	tr, err := Compile("transform.go", trackingSource, nil)
	require.NoError(t, err)

	dto, ok := tr.ToDTO(context.Background(), []any{1, 2}).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unknown", dto["status"])
}

func TestCompileGo_anySignature(t *testing.T) {
	src := `package echo

func ToDTO(api any) any {
	return map[string]any{"status": "ok", "raw": api}
}
`
	tr, err := Compile("logic/transform.go", src, nil)
	require.NoError(t, err)

	dto := tr.ToDTO(context.Background(), "hello").(map[string]any)
	assert.Equal(t, "ok", dto["status"])
	assert.Equal(t, "hello", dto["raw"])
}

func TestCompileGo_panicYieldsFallback(t *testing.T) {
	src := `package boom

func ToDTO(api map[string]any) map[string]any {
	var m map[string]any
	m["x"] = 1
	return m
}
`
	tr, err := Compile("transform.go", src, nil)
	require.NoError(t, err)

	dto := tr.ToDTO(context.Background(), map[string]any{}).(map[string]any)
	assert.Equal(t, "error", dto["status"])
	assert.Equal(t, "Transform failed", dto["message"])
}

func TestCompile_unsupportedExtension(t *testing.T) {
	_, err := Compile("transform.js", "export function toDTO(api) {}", nil)
	require.Error(t, err)
}

func TestCompileJQ(t *testing.T) {
	tr, err := Compile("transform.jq", `{status: (.summaryStateCode // "UNKNOWN" | ascii_downcase), orderNo: (.orderNo | tostring)}`, nil)
	require.NoError(t, err)

	dto := tr.ToDTO(context.Background(), map[string]any{
		"summaryStateCode": "DELIVERED",
		"orderNo":          float64(42),
	}).(map[string]any)
	assert.Equal(t, "delivered", dto["status"])
	assert.Equal(t, "42", dto["orderNo"])
}

func TestCompileJQ_invalidProgram(t *testing.T) {
	_, err := Compile("transform.jq", `{status: `, nil)
	require.Error(t, err)
}

func TestCompileJQ_runtimeErrorYieldsFallback(t *testing.T) {
	tr, err := Compile("transform.jq", `{status: (.a + 1)}`, nil)
	require.NoError(t, err)

	dto := tr.ToDTO(context.Background(), map[string]any{"a": "text"}).(map[string]any)
	assert.Equal(t, "error", dto["status"])
}

func TestGuard_timeout(t *testing.T) {
	slow := model.TransformFunc(func(ctx context.Context, _ any) any {
		time.Sleep(200 * time.Millisecond)
		return map[string]any{"status": "late"}
	})
	g := Guard(slow, 20*time.Millisecond, nil)

	dto := g.ToDTO(context.Background(), nil).(map[string]any)
	assert.Equal(t, "error", dto["status"])
}

func TestGuard_nonObjectResult(t *testing.T) {
	g := Guard(model.TransformFunc(func(context.Context, any) any { return "text" }), time.Second, nil)
	dto := g.ToDTO(context.Background(), nil).(map[string]any)
	assert.Equal(t, "error", dto["status"])
}

func TestGuard_idempotentWrap(t *testing.T) {
	inner := model.TransformFunc(func(context.Context, any) any { return map[string]any{} })
	g := Guard(inner, time.Second, nil)
	assert.Same(t, g, Guard(g, time.Second, nil))
}
