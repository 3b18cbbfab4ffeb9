package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/doorhub/internal/config"
	"github.com/pitabwire/doorhub/model"
)

func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		LevelKey:    "level",
		MessageKey:  "msg",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel))
}

func TestNewLogger_levels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		logger, err := NewLogger(config.ObservabilityConfig{LogLevel: in})
		if err != nil {
			t.Fatalf("NewLogger(%q) error = %v", in, err)
		}
		if !logger.Core().Enabled(want) {
			t.Errorf("NewLogger(%q): level %v disabled", in, want)
		}
		if want > zapcore.DebugLevel && logger.Core().Enabled(want-1) {
			t.Errorf("NewLogger(%q): level %v enabled, want minimum %v", in, want-1, want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	cases := []struct {
		name   string
		rctx   *model.RequestContext
		want   map[string]string
		absent []string
	}{
		{
			name: "full context",
			rctx: &model.RequestContext{SubjectID: "user-42", CorrelationID: "corr-abc", TraceID: "trace-xyz", Language: "de"},
			want: map[string]string{"subject_id": "user-42", "correlation_id": "corr-abc", "trace_id": "trace-xyz", "language": "de"},
		},
		{
			name:   "no trace or language",
			rctx:   &model.RequestContext{SubjectID: "user-42", CorrelationID: "corr-abc"},
			want:   map[string]string{"subject_id": "user-42"},
			absent: []string{"trace_id", "language"},
		},
		{
			name:   "no request context",
			absent: []string{"subject_id", "correlation_id"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := context.Background()
			if tc.rctx != nil {
				ctx = model.WithRequestContext(ctx, tc.rctx)
			}
			RequestLogger(ctx, newTestLogger(&buf)).Info("instance mounted")

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("parsing log entry: %v", err)
			}
			if entry["msg"] != "instance mounted" {
				t.Errorf("msg = %v", entry["msg"])
			}
			for k, v := range tc.want {
				if entry[k] != v {
					t.Errorf("%s = %v, want %q", k, entry[k], v)
				}
			}
			for _, k := range tc.absent {
				if _, ok := entry[k]; ok {
					t.Errorf("%s present, want absent", k)
				}
			}
		})
	}
}

func TestRedactBody_instanceConfiguration(t *testing.T) {
	cfg := map[string]any{
		"orderNo":       "42",
		"apiKey":        "k-123",
		"auth":          map[string]any{"Token": "t", "user": "ops"},
		"pin":           1234,
		"stationSecret": "s",
	}

	redacted := RedactBody(cfg, []string{"stationSecret"})

	for _, k := range []string{"apiKey", "pin", "stationSecret"} {
		if redacted[k] != "[REDACTED]" {
			t.Errorf("%s = %v, want redacted", k, redacted[k])
		}
	}
	if redacted["orderNo"] != "42" {
		t.Errorf("orderNo = %v, want untouched", redacted["orderNo"])
	}
	auth, _ := redacted["auth"].(map[string]any)
	if auth["Token"] != "[REDACTED]" || auth["user"] != "ops" {
		t.Errorf("nested auth = %v", auth)
	}
	if cfg["apiKey"] != "k-123" {
		t.Error("RedactBody mutated its input")
	}
	if RedactBody(nil, nil) != nil {
		t.Error("RedactBody(nil) != nil")
	}
}
