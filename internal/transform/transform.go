// Package transform compiles widget transform sources into sandboxed
// model.Transform values. Go sources run in a restricted interpreter and
// .jq sources run through gojq. Every compiled transform is wrapped by Guard.
package transform

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/model"
)

// DefaultTimeout bounds one transform invocation.
const DefaultTimeout = 2 * time.Second

// Fallback display message used when a transform faults.
const fallbackMessage = "Transform failed"

// Compile selects a compiler by the source file extension and wraps the
// result in Guard.
func Compile(name, source string, logger *zap.Logger) (model.Transform, error) {
	var (
		t   model.Transform
		err error
	)
	switch strings.ToLower(path.Ext(name)) {
	case ".jq":
		t, err = CompileJQ(source)
	case ".go", "":
		t, err = CompileGo(source)
	default:
		return nil, fmt.Errorf("unsupported transform source %q", name)
	}
	if err != nil {
		return nil, err
	}
	return Guard(t, DefaultTimeout, logger), nil
}

// FallbackDTO is returned in place of a faulted transform's output.
func FallbackDTO(message string) map[string]any {
	return map[string]any{
		"status":  "error",
		"message": message,
	}
}

type guarded struct {
	inner   model.Transform
	timeout time.Duration
	logger  *zap.Logger
}

// Guard wraps t so that it never panics, never blocks past timeout, and
// always yields a JSON object. Faults produce FallbackDTO.
func Guard(t model.Transform, timeout time.Duration, logger *zap.Logger) model.Transform {
	if g, ok := t.(*guarded); ok {
		return g
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &guarded{inner: t, timeout: timeout, logger: logger}
}

func (g *guarded) ToDTO(ctx context.Context, api any) any {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		dto any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("transform panic: %v", r)}
			}
		}()
		ch <- result{dto: g.inner.ToDTO(ctx, api)}
	}()

	// An interpreted transform cannot be interrupted; on timeout its goroutine
	// is abandoned and its eventual result discarded.
	select {
	case <-ctx.Done():
		g.logger.Warn("transform timed out", zap.Error(ctx.Err()))
		return FallbackDTO(fallbackMessage)
	case res := <-ch:
		if res.err != nil {
			g.logger.Warn("transform faulted", zap.Error(res.err))
			return FallbackDTO(fallbackMessage)
		}
		if _, ok := res.dto.(map[string]any); !ok {
			g.logger.Warn("transform returned a non-object DTO",
				zap.String("type", fmt.Sprintf("%T", res.dto)))
			return FallbackDTO(fallbackMessage)
		}
		return res.dto
	}
}
