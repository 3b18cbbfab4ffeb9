// Package widgetpkg resolves widget ids to hydrated, immutable widget
// packages and caches them for the process lifetime.
//
// A package is either structured (<id>/index.json pointing at the manifest,
// per-size layouts, translations, binding, schemas and transform) or legacy
// (a single <id>.json holding the manifest and layouts inline).
package widgetpkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/internal/transform"
	"github.com/pitabwire/doorhub/model"
)

const indexFile = "index.json"

// subResourceConcurrency bounds parallel document reads for one package.
const subResourceConcurrency = 8

// Compiler turns transform source into a Transform. name is the logic path
// and selects the language.
type Compiler func(name, source string, logger *zap.Logger) (model.Transform, error)

// Lister is implemented by sources that can enumerate their packages.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Pinger is implemented by sources that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Loader loads widget packages from a Source. It is safe for concurrent use.
type Loader struct {
	source   Source
	logger   *zap.Logger
	metrics  *observability.Metrics
	hostSDK  string
	catalog  []string
	compile  Compiler
	now      func() time.Time
	inflight singleflight.Group

	mu    sync.RWMutex
	cache map[string]*model.WidgetPackage
	// epoch advances on every invalidation so that a load started before
	// it is not cached.
	epoch atomic.Uint64
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(ld *Loader) { ld.metrics = m }
}

// WithSDKVersion sets the host SDK version manifests are checked against.
func WithSDKVersion(v string) Option {
	return func(ld *Loader) { ld.hostSDK = v }
}

// WithCatalog fixes the widget ids offered by Available.
func WithCatalog(ids []string) Option {
	return func(ld *Loader) { ld.catalog = append([]string(nil), ids...) }
}

// WithCompiler replaces the transform compiler.
func WithCompiler(c Compiler) Option {
	return func(ld *Loader) { ld.compile = c }
}

// NewLoader creates a Loader reading from source.
func NewLoader(source Source, opts ...Option) *Loader {
	l := &Loader{
		source:  source,
		logger:  zap.NewNop(),
		compile: transform.Compile,
		now:     time.Now,
		cache:   make(map[string]*model.WidgetPackage),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the package for widgetID. The first successful load is cached
// and later calls return the same pointer without touching the source.
// Concurrent first loads of one id share a single read.
func (l *Loader) Load(ctx context.Context, widgetID string) (pkg *model.WidgetPackage, err error) {
	if !validWidgetID(widgetID) {
		return nil, model.NewPackageNotFoundError(widgetID, errors.New("invalid widget id"))
	}

	ctx, span := observability.StartSpan(ctx, "package.load",
		observability.AttrWidgetID.String(widgetID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	l.mu.RLock()
	cached, ok := l.cache[widgetID]
	l.mu.RUnlock()
	span.SetAttributes(observability.AttrCacheHit.Bool(ok))
	if ok {
		return cached, nil
	}

	v, err, _ := l.inflight.Do(widgetID, func() (any, error) {
		epoch := l.epoch.Load()
		start := time.Now()
		p, err := l.load(ctx, widgetID)
		l.metrics.RecordPackageLoad(widgetID, loadStatus(p, err), time.Since(start))
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if existing, ok := l.cache[widgetID]; ok {
			return existing, nil
		}
		if l.epoch.Load() == epoch {
			l.cache[widgetID] = p
			l.metrics.SetPackagesCached(len(l.cache))
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.WidgetPackage), nil
}

func loadStatus(p *model.WidgetPackage, err error) string {
	switch {
	case err == nil && p.Legacy:
		return "legacy"
	case err == nil:
		return "ok"
	case model.CodeOf(err) == model.ErrPackageNotFound:
		return "not_found"
	case model.CodeOf(err) == model.ErrManifestInvalid:
		return "invalid"
	default:
		return "error"
	}
}

func (l *Loader) load(ctx context.Context, widgetID string) (*model.WidgetPackage, error) {
	raw, err := l.source.Open(ctx, path.Join(widgetID, indexFile))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			l.logger.Warn("package index unavailable, trying legacy format",
				zap.String("widget_id", widgetID),
				zap.Error(err),
			)
		}
		return l.loadLegacy(ctx, widgetID, err)
	}

	var index model.PackageIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, model.NewManifestInvalidError(widgetID, []string{"index.json: " + err.Error()})
	}
	return l.loadStructured(ctx, widgetID, &index)
}

func (l *Loader) loadStructured(ctx context.Context, widgetID string, index *model.PackageIndex) (*model.WidgetPackage, error) {
	if index.Manifest == "" {
		return nil, model.NewManifestInvalidError(widgetID, []string{"index.json names no manifest"})
	}
	raw, err := l.source.Open(ctx, l.resourcePath(widgetID, index.Manifest))
	if err != nil {
		return nil, model.NewPackageNotFoundError(widgetID, err)
	}
	pkg := &model.WidgetPackage{
		UI:   make(map[string]*model.LayoutNode, len(index.UI)),
		I18n: make(model.I18nTable, len(index.I18n)),
	}
	if err := json.Unmarshal(raw, &pkg.Manifest); err != nil {
		return nil, model.NewManifestInvalidError(widgetID, []string{"manifest: " + err.Error()})
	}

	var (
		mu          sync.Mutex
		logicSource string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subResourceConcurrency)

	// Every read below is optional. A failed read is logged and leaves its
	// field empty; only cancellation aborts the load.
	read := func(kind, rel string, apply func([]byte) error) {
		g.Go(func() error {
			data, err := l.source.Open(gctx, l.resourcePath(widgetID, rel))
			if err == nil {
				mu.Lock()
				err = apply(data)
				mu.Unlock()
			}
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				l.logger.Warn("skipping package resource",
					zap.String("widget_id", widgetID),
					zap.String("resource", kind),
					zap.String("path", rel),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	for size, rel := range index.UI {
		read("ui", rel, func(data []byte) error {
			var node model.LayoutNode
			if err := json.Unmarshal(data, &node); err != nil {
				return err
			}
			pkg.UI[size] = &node
			return nil
		})
	}
	for lang, rel := range index.I18n {
		read("i18n", rel, func(data []byte) error {
			var table map[string]string
			if err := json.Unmarshal(data, &table); err != nil {
				return err
			}
			pkg.I18n[lang] = table
			return nil
		})
	}
	if index.Bindings != "" {
		read("binding", index.Bindings, func(data []byte) error {
			var b model.Binding
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			if b.URLTemplate == "" {
				return errors.New("binding has no urlTemplate")
			}
			pkg.Binding = &b
			return nil
		})
	}
	if index.Schemas.Config != "" {
		read("config_schema", index.Schemas.Config, func(data []byte) error {
			s, err := parseSchema(data)
			pkg.ConfigSchema = s
			return err
		})
	}
	if index.Schemas.Data != "" {
		read("data_schema", index.Schemas.Data, func(data []byte) error {
			s, err := parseSchema(data)
			pkg.DataSchema = s
			return err
		})
	}
	if index.Logic != "" {
		read("logic", index.Logic, func(data []byte) error {
			logicSource = string(data)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading package %s: %w", widgetID, err)
	}

	if len(pkg.UI) == 0 {
		return nil, model.NewManifestInvalidError(widgetID, []string{"no loadable ui layout"})
	}
	if err := ValidateManifest(&pkg.Manifest, sortedKeys(pkg.UI), l.hostSDK); err != nil {
		return nil, err
	}
	if len(pkg.I18n) == 0 {
		pkg.I18n = nil
	}

	if logicSource != "" {
		t, err := l.compile(index.Logic, logicSource, l.logger.With(zap.String("widget_id", widgetID)))
		if err != nil {
			l.logger.Warn("transform unavailable, raw data will be rendered",
				zap.String("widget_id", widgetID),
				zap.Error(model.NewTransformCompileFailedError(widgetID, err)),
			)
		} else {
			pkg.Transform = t
		}
	}

	l.warnOnIDMismatch(widgetID, &pkg.Manifest)
	pkg.LoadedAt = l.now()
	return pkg, nil
}

func (l *Loader) loadLegacy(ctx context.Context, widgetID string, indexErr error) (*model.WidgetPackage, error) {
	raw, err := l.source.Open(ctx, widgetID+".json")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, model.NewPackageNotFoundError(widgetID, indexErr)
		}
		return nil, model.NewPackageNotFoundError(widgetID, err)
	}

	var legacy model.LegacyPackage
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, model.NewManifestInvalidError(widgetID, []string{err.Error()})
	}
	ui := make(map[string]*model.LayoutNode, len(legacy.UI))
	for size, node := range legacy.UI {
		if node != nil {
			ui[size] = node
		}
	}
	if len(ui) == 0 {
		return nil, model.NewManifestInvalidError(widgetID, []string{"no ui layout"})
	}
	if err := ValidateManifest(&legacy.Manifest, sortedKeys(ui), l.hostSDK); err != nil {
		return nil, err
	}

	l.warnOnIDMismatch(widgetID, &legacy.Manifest)
	return &model.WidgetPackage{
		Manifest: legacy.Manifest,
		UI:       ui,
		Legacy:   true,
		LoadedAt: l.now(),
	}, nil
}

func (l *Loader) warnOnIDMismatch(widgetID string, m *model.WidgetManifest) {
	if m.ID != widgetID {
		l.logger.Warn("manifest id differs from the requested widget id",
			zap.String("widget_id", widgetID),
			zap.String("manifest_id", m.ID),
		)
	}
}

// resourcePath joins an index-relative path onto the package directory.
func (l *Loader) resourcePath(widgetID, rel string) string {
	return path.Join(widgetID, strings.TrimPrefix(rel, "./"))
}

func parseSchema(data []byte) (*openapi3.Schema, error) {
	var s openapi3.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Invalidate drops widgetID from the cache. Packages already handed out are
// unaffected; the next Load reads the source again.
func (l *Loader) Invalidate(widgetID string) {
	l.invalidate(widgetID, "invalidate")
}

func (l *Loader) invalidate(widgetID, reason string) {
	l.epoch.Add(1)
	l.inflight.Forget(widgetID)

	l.mu.Lock()
	_, existed := l.cache[widgetID]
	delete(l.cache, widgetID)
	n := len(l.cache)
	l.mu.Unlock()

	if existed {
		l.metrics.RecordPackageInvalidation(reason)
		l.metrics.SetPackagesCached(n)
		l.logger.Info("package invalidated",
			zap.String("widget_id", widgetID),
			zap.String("reason", reason),
		)
	}
}

// ClearCache drops every cached package.
func (l *Loader) ClearCache() {
	l.epoch.Add(1)

	l.mu.Lock()
	ids := make([]string, 0, len(l.cache))
	for id := range l.cache {
		ids = append(ids, id)
	}
	l.cache = make(map[string]*model.WidgetPackage)
	l.mu.Unlock()

	for _, id := range ids {
		l.inflight.Forget(id)
	}
	l.metrics.RecordPackageInvalidation("clear")
	l.metrics.SetPackagesCached(0)
}

// Available returns the widget ids offered to the dashboard: the configured
// catalog, or everything the source can list.
func (l *Loader) Available(ctx context.Context) ([]string, error) {
	if len(l.catalog) > 0 {
		return append([]string(nil), l.catalog...), nil
	}
	lister, ok := l.source.(Lister)
	if !ok {
		return nil, nil
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Search loads every available package and returns the manifests whose
// name, description or keywords contain query (case-insensitive) and whose
// category equals category when one is given. Packages that fail to load
// are skipped.
func (l *Loader) Search(ctx context.Context, query, category string) ([]model.WidgetManifest, error) {
	ids, err := l.Available(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))

	var out []model.WidgetManifest
	for _, id := range ids {
		pkg, err := l.Load(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Debug("search skipped package", zap.String("widget_id", id), zap.Error(err))
			continue
		}
		m := pkg.Manifest
		if category != "" && m.Category != category {
			continue
		}
		if q != "" && !matchesQuery(&m, q) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func matchesQuery(m *model.WidgetManifest, q string) bool {
	if strings.Contains(strings.ToLower(m.Name), q) ||
		strings.Contains(strings.ToLower(m.Description), q) {
		return true
	}
	for _, k := range m.Keywords {
		if strings.Contains(strings.ToLower(k), q) {
			return true
		}
	}
	return false
}

// Ping reports whether the package source is reachable. Sources that cannot
// tell are assumed reachable.
func (l *Loader) Ping(ctx context.Context) error {
	if p, ok := l.source.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// validWidgetID rejects ids that could address outside the package base.
func validWidgetID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

func sortedKeys(m map[string]*model.LayoutNode) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
