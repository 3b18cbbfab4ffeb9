// Package lifecycle drives the data-binding lifecycle of mounted widget
// instances: configuration checks, fetching, transforming, polling and
// manual refresh.
//
// Each instance moves through idle, loading, ready, error and
// config_missing. Every trigger (mount, timer, manual refresh,
// reconfiguration) bumps the instance's generation and cancels the fetch of
// the previous one; a result is applied only if its generation is still
// current and the instance is still mounted.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/fetch"
	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/internal/store"
	"github.com/pitabwire/doorhub/internal/substitute"
	"github.com/pitabwire/doorhub/internal/transform"
	"github.com/pitabwire/doorhub/model"
)

// Trigger names, also used as metric labels.
const (
	TriggerMount     = "mount"
	TriggerTimer     = "timer"
	TriggerManual    = "manual"
	TriggerConfigure = "configure"
	TriggerReload    = "reload"
)

// minInterval is the shortest poll interval, whatever the configuration
// and minimum rate say.
const minInterval = time.Second

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("lifecycle manager closed")

// PackageLoader resolves widget packages.
type PackageLoader interface {
	Load(ctx context.Context, widgetID string) (*model.WidgetPackage, error)
}

// Fetcher performs binding requests.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// TickerFunc starts a ticker firing every d. stop releases it.
type TickerFunc func(d time.Duration) (ticks <-chan time.Time, stop func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// EventType distinguishes lifecycle notifications.
type EventType string

const (
	EventState     EventType = "state"
	EventUnmounted EventType = "unmounted"
)

// Event is a notification about one instance.
type Event struct {
	Type  EventType           `json:"type"`
	State model.InstanceState `json:"state"`
}

type instance struct {
	widget     model.WidgetInstance
	pkg        *model.WidgetPackage
	state      model.InstanceState
	generation uint64
	cancel     context.CancelFunc // in-flight refresh
	stopTimer  context.CancelFunc
}

func (in *instance) stop() {
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
	if in.stopTimer != nil {
		in.stopTimer()
		in.stopTimer = nil
	}
}

// Manager owns the lifecycle of every mounted instance. It is safe for
// concurrent use.
type Manager struct {
	loader      PackageLoader
	fetcher     Fetcher
	configs     store.ConfigStore
	defaults    map[string]model.Configuration
	defaultRate time.Duration
	minRate     time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	ticker      TickerFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	instances map[string]*instance
	subs      map[uint64]chan Event
	nextSub   uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithDefaults sets the fallback configuration per widget id, used when an
// instance has no stored configuration.
func WithDefaults(defaults map[string]model.Configuration) Option {
	return func(m *Manager) {
		m.defaults = make(map[string]model.Configuration, len(defaults))
		for id, cfg := range defaults {
			m.defaults[id] = cfg.Clone()
		}
	}
}

// WithRefreshRates sets the poll interval used when a configuration has no
// refreshRate, and the lower bound applied to every interval.
func WithRefreshRates(defaultRate, minRate time.Duration) Option {
	return func(m *Manager) {
		if defaultRate > 0 {
			m.defaultRate = defaultRate
		}
		m.minRate = minRate
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTicker replaces the poll ticker.
func WithTicker(t TickerFunc) Option {
	return func(m *Manager) { m.ticker = t }
}

// NewManager creates a Manager.
func NewManager(loader PackageLoader, fetcher Fetcher, configs store.ConfigStore, opts ...Option) *Manager {
	m := &Manager{
		loader:      loader,
		fetcher:     fetcher,
		configs:     configs,
		defaults:    map[string]model.Configuration{},
		defaultRate: model.DefaultRefreshRate,
		logger:      zap.NewNop(),
		now:         time.Now,
		ticker:      realTicker,
		instances:   make(map[string]*instance),
		subs:        make(map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	return m
}

// Mount starts the lifecycle of w. Mounting an instance id that is already
// mounted replaces it. The returned state reflects the synchronous part of
// mounting: config_missing, ready for widgets without a binding, or loading.
func (m *Manager) Mount(ctx context.Context, w model.WidgetInstance) (model.InstanceState, error) {
	pkg, err := m.loader.Load(ctx, w.WidgetID)
	if err != nil {
		return model.InstanceState{}, err
	}
	cfg, err := m.effectiveConfig(ctx, w.InstanceID, pkg.Manifest.ID)
	if err != nil {
		return model.InstanceState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.InstanceState{}, ErrClosed
	}

	var generation uint64
	if old, ok := m.instances[w.InstanceID]; ok {
		old.stop()
		generation = old.generation
	}
	in := &instance{
		widget:     w,
		pkg:        pkg,
		generation: generation,
		state: model.InstanceState{
			InstanceID: w.InstanceID,
			WidgetID:   w.WidgetID,
			Phase:      model.PhaseIdle,
		},
	}
	m.instances[w.InstanceID] = in
	m.metrics.SetInstancesMounted(len(m.instances))

	m.logger.Info("instance mounted",
		zap.String("instance_id", w.InstanceID),
		zap.String("widget_id", w.WidgetID),
		zap.String("size", w.Size),
	)

	m.evaluateLocked(in, cfg, TriggerMount)
	return in.state, nil
}

// evaluateLocked applies a trigger that depends on configuration: it parks
// the instance in config_missing, or starts a refresh and (re)arms the poll
// timer.
func (m *Manager) evaluateLocked(in *instance, cfg model.Configuration, trigger string) {
	if in.stopTimer != nil {
		in.stopTimer()
		in.stopTimer = nil
	}

	if missing := cfg.Missing(in.pkg.RequiredConfig()); len(missing) > 0 {
		// Supersede any in-flight refresh so it cannot overwrite this state.
		in.generation++
		if in.cancel != nil {
			in.cancel()
			in.cancel = nil
		}
		err := model.NewConfigurationMissingError(missing)
		m.setStateLocked(in, func(s *model.InstanceState) {
			s.Phase = model.PhaseConfigMissing
			s.Missing = missing
			s.Error = err.Message
			s.ErrorCode = err.Code
		})
		return
	}

	if in.pkg.Binding == nil {
		in.generation++
		m.setStateLocked(in, func(s *model.InstanceState) {
			s.Phase = model.PhaseReady
			s.Missing = nil
			s.Error, s.ErrorCode = "", ""
		})
		return
	}

	m.startRefreshLocked(in, trigger)
	if in.pkg.Manifest.HasCapability(model.CapabilityRefreshAuto) {
		m.armTimerLocked(in, m.refreshInterval(cfg))
	}
}

// Unmount stops the lifecycle of instanceID. An in-flight fetch is
// cancelled and its eventual result discarded. The stored configuration is
// kept.
func (m *Manager) Unmount(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.instances[instanceID]
	if !ok {
		return false
	}
	in.stop()
	in.generation++
	delete(m.instances, instanceID)
	m.metrics.SetInstancesMounted(len(m.instances))
	m.broadcastLocked(Event{Type: EventUnmounted, State: in.state})

	m.logger.Info("instance unmounted",
		zap.String("instance_id", instanceID),
		zap.String("widget_id", in.widget.WidgetID),
	)
	return true
}

// Configure stores cfg for instanceID and, if the instance is mounted,
// re-evaluates it: the timer is re-armed and a refresh starts when the
// configuration is complete.
func (m *Manager) Configure(ctx context.Context, instanceID string, cfg model.Configuration) (model.InstanceState, error) {
	if err := m.configs.Put(ctx, instanceID, cfg); err != nil {
		return model.InstanceState{}, err
	}

	m.mu.Lock()
	in, ok := m.instances[instanceID]
	var widgetID string
	if ok {
		widgetID = in.pkg.Manifest.ID
	}
	m.mu.Unlock()
	if !ok {
		return model.InstanceState{}, nil
	}

	effective, err := m.effectiveConfig(ctx, instanceID, widgetID)
	if err != nil {
		return model.InstanceState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok = m.instances[instanceID]; !ok {
		return model.InstanceState{}, nil
	}
	m.evaluateLocked(in, effective, TriggerConfigure)
	return in.state, nil
}

// ClearConfig deletes the stored configuration of instanceID. A mounted
// instance is re-evaluated against its defaults, which usually parks it in
// config_missing.
func (m *Manager) ClearConfig(ctx context.Context, instanceID string) (model.InstanceState, error) {
	if err := m.configs.Delete(ctx, instanceID); err != nil {
		return model.InstanceState{}, err
	}
	m.logger.Info("instance configuration cleared", zap.String("instance_id", instanceID))

	m.mu.Lock()
	in, ok := m.instances[instanceID]
	var widgetID string
	if ok {
		widgetID = in.pkg.Manifest.ID
	}
	m.mu.Unlock()
	if !ok {
		return model.InstanceState{}, nil
	}

	effective, err := m.effectiveConfig(ctx, instanceID, widgetID)
	if err != nil {
		return model.InstanceState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok = m.instances[instanceID]; !ok {
		return model.InstanceState{}, nil
	}
	m.evaluateLocked(in, effective, TriggerConfigure)
	return in.state, nil
}

// Config returns the effective configuration of instanceID: its stored
// configuration, or the widget's defaults when none is stored.
func (m *Manager) Config(ctx context.Context, instanceID, widgetID string) (model.Configuration, error) {
	return m.effectiveConfig(ctx, instanceID, widgetID)
}

// Refresh requests a manual refresh. It is honoured only for widgets that
// declare refresh:manual and have a binding.
func (m *Manager) Refresh(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	in, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return model.NewNotFoundError("instance " + instanceID + " is not mounted")
	}
	if !in.pkg.Manifest.HasCapability(model.CapabilityRefreshManual) || in.pkg.Binding == nil {
		m.mu.Unlock()
		return model.NewBadRequestError("widget " + in.widget.WidgetID + " does not support manual refresh")
	}
	widgetID := in.pkg.Manifest.ID
	m.mu.Unlock()

	cfg, err := m.effectiveConfig(ctx, instanceID, widgetID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok = m.instances[instanceID]; !ok {
		return model.NewNotFoundError("instance " + instanceID + " is not mounted")
	}
	if missing := cfg.Missing(in.pkg.RequiredConfig()); len(missing) > 0 {
		m.evaluateLocked(in, cfg, TriggerManual)
		return nil
	}
	m.startRefreshLocked(in, TriggerManual)
	return nil
}

// Resize records a new size for instanceID and re-arms its poll timer.
func (m *Manager) Resize(ctx context.Context, instanceID, size string) error {
	m.mu.Lock()
	in, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return model.NewNotFoundError("instance " + instanceID + " is not mounted")
	}
	in.widget.Size = size
	hasTimer := in.stopTimer != nil
	widgetID := in.pkg.Manifest.ID
	m.mu.Unlock()

	if !hasTimer {
		return nil
	}
	cfg, err := m.effectiveConfig(ctx, instanceID, widgetID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok = m.instances[instanceID]; ok && in.stopTimer != nil {
		in.stopTimer()
		m.armTimerLocked(in, m.refreshInterval(cfg))
	}
	return nil
}

// Reload re-resolves the package of every instance mounted for widgetID,
// after the package changed at its source. Each instance has its poll timer
// and in-flight fetch stopped and is re-evaluated against the new package.
// An instance whose package no longer loads moves to the error phase. It
// returns the number of instances reloaded.
func (m *Manager) Reload(ctx context.Context, widgetID string) int {
	m.mu.Lock()
	var ids []string
	for id, in := range m.instances {
		if in.widget.WidgetID == widgetID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return 0
	}

	pkg, loadErr := m.loader.Load(ctx, widgetID)
	reloaded := 0
	for _, id := range ids {
		err := loadErr
		var cfg model.Configuration
		if err == nil {
			cfg, err = m.effectiveConfig(ctx, id, pkg.Manifest.ID)
		}

		m.mu.Lock()
		in, ok := m.instances[id]
		if !ok || in.widget.WidgetID != widgetID {
			m.mu.Unlock()
			continue
		}
		in.stop()
		if err != nil {
			in.generation++
			code, msg := describe(err)
			m.setStateLocked(in, func(s *model.InstanceState) {
				s.Phase = model.PhaseError
				s.Error = msg
				s.ErrorCode = code
			})
			m.logger.Warn("reloading instance package failed",
				zap.String("instance_id", id),
				zap.String("widget_id", widgetID),
				zap.Error(err),
			)
		} else {
			in.pkg = pkg
			m.evaluateLocked(in, cfg, TriggerReload)
		}
		m.mu.Unlock()
		reloaded++
	}

	m.logger.Info("instances reloaded",
		zap.String("widget_id", widgetID),
		zap.Int("count", reloaded),
	)
	return reloaded
}

// State returns the current state of instanceID.
func (m *Manager) State(instanceID string) (model.InstanceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[instanceID]
	if !ok {
		return model.InstanceState{}, false
	}
	return in.state, true
}

// Instance returns the mounted instance and its package.
func (m *Manager) Instance(instanceID string) (model.WidgetInstance, *model.WidgetPackage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[instanceID]
	if !ok {
		return model.WidgetInstance{}, nil, false
	}
	return in.widget, in.pkg, true
}

// Subscribe returns a channel of lifecycle events and a function that ends
// the subscription. Events are dropped for a subscriber whose buffer is
// full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Close unmounts every instance, waits for background work and closes all
// subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, in := range m.instances {
		in.stop()
		delete(m.instances, id)
	}
	m.metrics.SetInstancesMounted(0)
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()
}

// startRefreshLocked supersedes any in-flight refresh and starts a new one.
func (m *Manager) startRefreshLocked(in *instance, trigger string) {
	if in.cancel != nil {
		in.cancel()
	}
	in.generation++
	ctx, cancel := context.WithCancel(m.baseCtx)
	in.cancel = cancel

	m.metrics.RecordRefreshTrigger(trigger)
	m.setStateLocked(in, func(s *model.InstanceState) {
		s.Phase = model.PhaseLoading
		s.Missing = nil
	})

	id := in.widget.InstanceID
	widgetID := in.widget.WidgetID
	gen := in.generation
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.refresh(ctx, id, widgetID, gen, trigger)
	}()
}

func (m *Manager) armTimerLocked(in *instance, interval time.Duration) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	in.stopTimer = cancel
	id := in.widget.InstanceID
	ticks, stop := m.ticker(interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				m.onTick(ctx, id)
			}
		}
	}()
}

func (m *Manager) onTick(ctx context.Context, instanceID string) {
	m.mu.Lock()
	in, ok := m.instances[instanceID]
	if !ok || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.startRefreshLocked(in, TriggerTimer)
	m.mu.Unlock()
}

// refreshInterval is the configured refreshRate, or the default, bounded
// below by the minimum rate and never shorter than minInterval.
func (m *Manager) refreshInterval(cfg model.Configuration) time.Duration {
	interval := m.defaultRate
	if _, set := cfg["refreshRate"]; set {
		interval = cfg.RefreshRate()
	}
	floor := max(m.minRate, minInterval)
	if interval < floor {
		interval = floor
	}
	return interval
}

// effectiveConfig is the stored configuration of instanceID, or the
// defaults registered for widgetID when nothing non-empty is stored.
func (m *Manager) effectiveConfig(ctx context.Context, instanceID, widgetID string) (model.Configuration, error) {
	cfg, found, err := m.configs.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if found && len(cfg) > 0 {
		return cfg, nil
	}
	return m.defaults[widgetID].Clone(), nil
}

// setStateLocked mutates the state of in, records the transition and
// notifies subscribers.
func (m *Manager) setStateLocked(in *instance, mutate func(*model.InstanceState)) {
	prev := in.state.Phase
	mutate(&in.state)
	in.state.Generation = in.generation
	if in.state.Phase != prev {
		m.metrics.RecordInstanceTransition(in.widget.WidgetID, string(in.state.Phase))
		m.logger.Debug("instance phase changed",
			zap.String("instance_id", in.widget.InstanceID),
			zap.String("from", string(prev)),
			zap.String("to", string(in.state.Phase)),
			zap.Uint64("generation", in.generation),
		)
	}
	m.broadcastLocked(Event{Type: EventState, State: in.state})
}

func (m *Manager) broadcastLocked(ev Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("dropping lifecycle event for slow subscriber",
				zap.String("instance_id", ev.State.InstanceID),
			)
		}
	}
}

// applyResult runs mutate if gen is still the current generation of a
// mounted instance. It reports whether the result was applied.
func (m *Manager) applyResult(instanceID string, gen uint64, mutate func(*model.InstanceState)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[instanceID]
	if !ok || in.generation != gen {
		m.logger.Debug("discarding superseded refresh result",
			zap.String("instance_id", instanceID),
			zap.Uint64("generation", gen),
		)
		return false
	}
	in.cancel = nil
	m.setStateLocked(in, mutate)
	return true
}

// refresh runs one fetch-transform cycle for generation gen.
func (m *Manager) refresh(ctx context.Context, instanceID, widgetID string, gen uint64, trigger string) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.refresh",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrWidgetID.String(widgetID),
		observability.AttrTrigger.String(trigger),
		observability.AttrGeneration.Int64(int64(gen)),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	dto, err := m.produce(ctx, instanceID, widgetID)
	if ctx.Err() != nil {
		// Superseded or unmounted.
		return
	}

	if err != nil {
		code, msg := describe(err)
		m.logger.Warn("refresh failed",
			zap.String("instance_id", instanceID),
			zap.String("widget_id", widgetID),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		m.applyResult(instanceID, gen, func(s *model.InstanceState) {
			s.Error = msg
			s.ErrorCode = code
			if code == model.ErrConfigurationMissing {
				s.Phase = model.PhaseConfigMissing
				var ee *model.ErrorEnvelope
				if errors.As(err, &ee) {
					s.Missing = ee.Fields()
				}
				return
			}
			s.Phase = model.PhaseError
		})
		return
	}

	now := m.now()
	m.applyResult(instanceID, gen, func(s *model.InstanceState) {
		s.Phase = model.PhaseReady
		s.Data = dto
		s.Error, s.ErrorCode = "", ""
		s.Missing = nil
		s.UpdatedAt = &now
	})
}

// produce loads the package, checks configuration, fetches and transforms.
func (m *Manager) produce(ctx context.Context, instanceID, widgetID string) (any, error) {
	pkg, err := m.loader.Load(ctx, widgetID)
	if err != nil {
		return nil, err
	}
	if pkg.Binding == nil {
		return nil, nil
	}

	cfg, err := m.effectiveConfig(ctx, instanceID, pkg.Manifest.ID)
	if err != nil {
		return nil, err
	}
	if missing := cfg.Missing(pkg.RequiredConfig()); len(missing) > 0 {
		return nil, model.NewConfigurationMissingError(missing)
	}

	req := BuildRequest(pkg, cfg)
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	dto := resp.Body
	if pkg.Transform != nil {
		_, span := observability.StartSpan(ctx, "transform.to_dto",
			observability.AttrWidgetID.String(widgetID),
		)
		dto = transform.Guard(pkg.Transform, transform.DefaultTimeout, m.logger).ToDTO(ctx, resp.Body)
		span.End()
	}

	if pkg.DataSchema != nil {
		if verr := pkg.DataSchema.VisitJSON(dto); verr != nil {
			m.logger.Warn("data does not match the package data schema",
				zap.String("instance_id", instanceID),
				zap.String("widget_id", widgetID),
				zap.Error(verr),
			)
		}
	}
	return dto, nil
}

// BuildRequest resolves the binding of pkg against cfg. Only the config
// namespace applies and values are inserted raw.
func BuildRequest(pkg *model.WidgetPackage, cfg model.Configuration) fetch.Request {
	b := pkg.Binding
	req := fetch.Request{
		WidgetID:  pkg.Manifest.ID,
		URL:       substitute.Template(b.URLTemplate, cfg),
		Method:    b.Method,
		CORSProxy: b.CORSProxy,
		Timeout:   b.TimeoutDuration(0),
	}
	if len(b.Headers) > 0 {
		req.Headers = make(map[string]string, len(b.Headers))
		for k, v := range b.Headers {
			req.Headers[k] = substitute.Template(v, cfg)
		}
	}
	return req
}

func describe(err error) (code, message string) {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code, ee.Message
	}
	return model.ErrInternalError, err.Error()
}
