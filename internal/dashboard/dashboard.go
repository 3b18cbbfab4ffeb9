// Package dashboard maintains the set of placed widget instances, their grid
// geometry and its persistence, and keeps the lifecycle manager in step with
// it.
package dashboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/store"
	"github.com/pitabwire/doorhub/model"
)

// Grid placement.
const (
	GridColumns   = 6
	placementStep = 2
)

// PackageLoader resolves widget packages.
type PackageLoader interface {
	Load(ctx context.Context, widgetID string) (*model.WidgetPackage, error)
}

// Lifecycle is the part of the lifecycle manager the dashboard drives.
type Lifecycle interface {
	Mount(ctx context.Context, w model.WidgetInstance) (model.InstanceState, error)
	Unmount(instanceID string) bool
	Resize(ctx context.Context, instanceID, size string) error
}

// Dashboard is safe for concurrent use.
type Dashboard struct {
	loader    PackageLoader
	lifecycle Lifecycle
	layouts   store.LayoutStore
	orphans   store.ConfigStore
	logger    *zap.Logger
	newID     func() string

	mu    sync.Mutex
	items []model.WidgetInstance
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dashboard) { d.logger = l }
}

// WithIDGenerator replaces the instance id generator.
func WithIDGenerator(f func() string) Option {
	return func(d *Dashboard) { d.newID = f }
}

// WithOrphanedConfigPurge makes Load delete every configuration in configs
// whose instance is not part of the restored layout.
func WithOrphanedConfigPurge(configs store.ConfigStore) Option {
	return func(d *Dashboard) { d.orphans = configs }
}

// New creates an empty Dashboard. Call Load to restore the persisted layout.
func New(loader PackageLoader, lifecycle Lifecycle, layouts store.LayoutStore, opts ...Option) *Dashboard {
	d := &Dashboard{
		loader:    loader,
		lifecycle: lifecycle,
		layouts:   layouts,
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load restores the persisted layout and mounts every instance. Instances
// whose package can no longer be loaded stay in the layout unmounted so the
// user can remove them.
func (d *Dashboard) Load(ctx context.Context) error {
	items, err := d.layouts.LoadLayout(ctx)
	if err != nil {
		return fmt.Errorf("loading layout: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = items

	mounted := 0
	for _, w := range items {
		if _, err := d.lifecycle.Mount(ctx, w); err != nil {
			d.logger.Warn("could not mount persisted instance",
				zap.String("instance_id", w.InstanceID),
				zap.String("widget_id", w.WidgetID),
				zap.Error(err),
			)
			continue
		}
		mounted++
	}
	d.logger.Info("dashboard restored",
		zap.Int("instances", len(items)),
		zap.Int("mounted", mounted),
	)

	if d.orphans != nil {
		if err := d.purgeOrphansLocked(ctx); err != nil {
			return fmt.Errorf("purging orphaned configurations: %w", err)
		}
	}
	return nil
}

func (d *Dashboard) purgeOrphansLocked(ctx context.Context) error {
	configs, err := d.orphans.All(ctx)
	if err != nil {
		return err
	}
	purged := 0
	for id := range configs {
		if d.indexLocked(id) >= 0 {
			continue
		}
		if err := d.orphans.Delete(ctx, id); err != nil {
			return err
		}
		purged++
	}
	if purged > 0 {
		d.logger.Info("orphaned configurations purged", zap.Int("count", purged))
	}
	return nil
}

// List returns the placed instances in insertion order.
func (d *Dashboard) List() []model.WidgetInstance {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.WidgetInstance, len(d.items))
	copy(out, d.items)
	return out
}

// Get returns one placed instance.
func (d *Dashboard) Get(instanceID string) (model.WidgetInstance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(instanceID); i >= 0 {
		return d.items[i], true
	}
	return model.WidgetInstance{}, false
}

// Add places a new instance of widgetID at the first free grid position and
// mounts it. An empty size selects the manifest's preferred size.
func (d *Dashboard) Add(ctx context.Context, widgetID, size string) (model.WidgetInstance, model.InstanceState, error) {
	pkg, err := d.loader.Load(ctx, widgetID)
	if err != nil {
		return model.WidgetInstance{}, model.InstanceState{}, err
	}
	if size == "" {
		size = pkg.Manifest.PreferredSize()
	}
	w, h, err := d.dimensions(pkg, size)
	if err != nil {
		return model.WidgetInstance{}, model.InstanceState{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	x, y := FirstFree(d.items, w, h)
	inst := model.WidgetInstance{
		InstanceID: d.newID(),
		WidgetID:   widgetID,
		Size:       size,
		X:          x,
		Y:          y,
		W:          w,
		H:          h,
	}

	state, err := d.lifecycle.Mount(ctx, inst)
	if err != nil {
		return model.WidgetInstance{}, model.InstanceState{}, err
	}
	d.items = append(d.items, inst)
	if err := d.saveLocked(ctx); err != nil {
		d.items = d.items[:len(d.items)-1]
		d.lifecycle.Unmount(inst.InstanceID)
		return model.WidgetInstance{}, model.InstanceState{}, err
	}

	d.logger.Info("widget added",
		zap.String("instance_id", inst.InstanceID),
		zap.String("widget_id", inst.WidgetID),
		zap.String("size", size),
		zap.Int("x", x),
		zap.Int("y", y),
	)
	return inst, state, nil
}

// Remove unmounts and removes an instance. Its stored configuration is
// kept.
func (d *Dashboard) Remove(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(instanceID)
	if i < 0 {
		return model.NewNotFoundError("instance " + instanceID + " not found")
	}
	removed := d.items[i]
	d.items = append(d.items[:i:i], d.items[i+1:]...)
	if err := d.saveLocked(ctx); err != nil {
		d.items = append(d.items[:i:i], append([]model.WidgetInstance{removed}, d.items[i:]...)...)
		return err
	}
	d.lifecycle.Unmount(instanceID)
	return nil
}

// SetSize changes the size of an instance. The size must be declared by the
// widget's manifest; width and height follow from it.
func (d *Dashboard) SetSize(ctx context.Context, instanceID, size string) (model.WidgetInstance, error) {
	d.mu.Lock()
	i := d.indexLocked(instanceID)
	if i < 0 {
		d.mu.Unlock()
		return model.WidgetInstance{}, model.NewNotFoundError("instance " + instanceID + " not found")
	}
	widgetID := d.items[i].WidgetID
	d.mu.Unlock()

	pkg, err := d.loader.Load(ctx, widgetID)
	if err != nil {
		return model.WidgetInstance{}, err
	}
	w, h, err := d.dimensions(pkg, size)
	if err != nil {
		return model.WidgetInstance{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i = d.indexLocked(instanceID); i < 0 {
		return model.WidgetInstance{}, model.NewNotFoundError("instance " + instanceID + " not found")
	}
	prev := d.items[i]
	d.items[i].Size, d.items[i].W, d.items[i].H = size, w, h
	if err := d.saveLocked(ctx); err != nil {
		d.items[i] = prev
		return model.WidgetInstance{}, err
	}
	if err := d.lifecycle.Resize(ctx, instanceID, size); err != nil && model.CodeOf(err) != model.ErrNotFound {
		d.logger.Warn("resizing mounted instance failed",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
	}
	return d.items[i], nil
}

// Move applies geometry reported by the grid client. Only x, y, w and h are
// taken from the input; every instance id must be placed already.
func (d *Dashboard) Move(ctx context.Context, geometry []model.WidgetInstance) ([]model.WidgetInstance, error) {
	var details []model.FieldError
	for _, g := range geometry {
		if g.X < 0 || g.Y < 0 || g.W < 1 || g.H < 1 {
			details = append(details, model.FieldError{
				Field:   g.InstanceID,
				Message: "geometry must have x, y >= 0 and w, h >= 1",
			})
		}
	}
	if len(details) > 0 {
		err := model.NewBadRequestError("invalid layout geometry")
		err.Details = details
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := make([]model.WidgetInstance, len(d.items))
	copy(next, d.items)
	for _, g := range geometry {
		i := d.indexLocked(g.InstanceID)
		if i < 0 {
			return nil, model.NewBadRequestError("instance " + g.InstanceID + " is not placed")
		}
		next[i].X, next[i].Y, next[i].W, next[i].H = g.X, g.Y, g.W, g.H
	}

	prev := d.items
	d.items = next
	if err := d.saveLocked(ctx); err != nil {
		d.items = prev
		return nil, err
	}
	out := make([]model.WidgetInstance, len(d.items))
	copy(out, d.items)
	return out, nil
}

func (d *Dashboard) dimensions(pkg *model.WidgetPackage, size string) (w, h int, err error) {
	if !pkg.Manifest.SupportsSize(size) {
		return 0, 0, model.NewBadRequestError(fmt.Sprintf("widget %s does not support size %q", pkg.Manifest.ID, size))
	}
	w, h, err = model.ParseSize(size)
	if err != nil {
		return 0, 0, model.NewBadRequestError(err.Error())
	}
	return w, h, nil
}

func (d *Dashboard) indexLocked(instanceID string) int {
	for i := range d.items {
		if d.items[i].InstanceID == instanceID {
			return i
		}
	}
	return -1
}

func (d *Dashboard) saveLocked(ctx context.Context) error {
	if err := d.layouts.SaveLayout(ctx, d.items); err != nil {
		d.logger.Error("saving layout failed", zap.Error(err))
		return fmt.Errorf("saving layout: %w", err)
	}
	return nil
}

// FirstFree returns the first position for a w by h widget that overlaps no
// item. Candidates are scanned left to right in steps of two columns,
// wrapping at GridColumns, and top to bottom in steps of two rows.
func FirstFree(items []model.WidgetInstance, w, h int) (x, y int) {
	for {
		if !overlapsAny(items, x, y, w, h) {
			return x, y
		}
		x += placementStep
		if x >= GridColumns {
			x = 0
			y += placementStep
		}
	}
}

func overlapsAny(items []model.WidgetInstance, x, y, w, h int) bool {
	for _, it := range items {
		if it.X < x+w && it.X+it.W > x && it.Y < y+h && it.Y+it.H > y {
			return true
		}
	}
	return false
}
