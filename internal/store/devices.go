package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: name already in use")
)

// ValidationError reports a rejected device field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: invalid %s: %s", e.Field, e.Reason)
}

// Registry is the durable device configuration store and the single source
// of truth for the scheduler. Mutations emit a change notification; the
// scheduler rebuilds its bus loops once their in-flight transactions
// complete, without finishing the current cycle.
type Registry struct {
	db      *DB
	changed chan struct{}
}

// NewRegistry wraps the database handle.
func NewRegistry(db *DB) *Registry {
	return &Registry{db: db, changed: make(chan struct{}, 1)}
}

// Changed returns the notification channel. It carries at most one pending
// signal; readers treat it as level-triggered.
func (r *Registry) Changed() <-chan struct{} { return r.changed }

func (r *Registry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func validateDevice(d *Device) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if d.SlaveID < 1 || d.SlaveID > 247 {
		return &ValidationError{Field: "slave_id", Reason: "must be 1..247"}
	}
	if strings.TrimSpace(d.ComPort) == "" {
		return &ValidationError{Field: "com_port", Reason: "must not be empty"}
	}
	if !ValidBaudRate(d.BaudRate) {
		return &ValidationError{Field: "baud_rate", Reason: fmt.Sprintf("%d not in %v", d.BaudRate, BaudRates)}
	}
	if d.FunctionCode != 3 && d.FunctionCode != 4 {
		return &ValidationError{Field: "function_code", Reason: "must be 3 or 4"}
	}
	if d.StartRegister < 0 || d.StartRegister > 0xFFFF {
		return &ValidationError{Field: "start_register", Reason: "must be 0..65535"}
	}
	if d.RegisterCount != 1 && d.RegisterCount != 2 {
		return &ValidationError{Field: "register_count", Reason: "must be 1 or 2"}
	}
	if d.GraphYMin >= d.GraphYMax {
		return &ValidationError{Field: "graph_y_min", Reason: "must be below graph_y_max"}
	}
	return nil
}

// List returns devices ordered by slave id, optionally only enabled ones.
func (r *Registry) List(ctx context.Context, enabledOnly bool) ([]Device, error) {
	q := r.db.orm.WithContext(ctx).Order("slave_id, id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []Device
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

// Get fetches one device by id.
func (r *Registry) Get(ctx context.Context, id uint) (*Device, error) {
	var d Device
	err := r.db.orm.WithContext(ctx).First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %d: %w", id, err)
	}
	return &d, nil
}

// Create validates and inserts a new device.
func (r *Registry) Create(ctx context.Context, d *Device) error {
	if err := validateDevice(d); err != nil {
		return err
	}
	if err := r.checkNameFree(ctx, d.Name, 0); err != nil {
		return err
	}
	d.ID = 0
	if err := r.db.orm.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	r.notify()
	return nil
}

// Update replaces the mutable fields of an existing device. The id is the
// identity and never changes; historical readings keep their link.
func (r *Registry) Update(ctx context.Context, id uint, d *Device) (*Device, error) {
	if err := validateDevice(d); err != nil {
		return nil, err
	}
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.checkNameFree(ctx, d.Name, id); err != nil {
		return nil, err
	}

	existing.Name = d.Name
	existing.SlaveID = d.SlaveID
	existing.ComPort = d.ComPort
	existing.BaudRate = d.BaudRate
	existing.FunctionCode = d.FunctionCode
	existing.StartRegister = d.StartRegister
	existing.RegisterCount = d.RegisterCount
	existing.AmbientSecond = d.AmbientSecond
	existing.Enabled = d.Enabled
	existing.ShowInGraph = d.ShowInGraph
	existing.GraphYMin = d.GraphYMin
	existing.GraphYMax = d.GraphYMax

	if err := r.db.orm.WithContext(ctx).Save(existing).Error; err != nil {
		return nil, fmt.Errorf("update device %d: %w", id, err)
	}
	r.notify()
	return existing, nil
}

// Delete removes a device and its readings in one transaction.
func (r *Registry) Delete(ctx context.Context, id uint) error {
	var affected int64
	err := r.db.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", id).Delete(&Reading{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Device{}, id)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("delete device %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	r.notify()
	return nil
}

// ClearAll wipes the registry. Exposed for the operator's factory-reset
// action; readings are removed in the same transaction.
func (r *Registry) ClearAll(ctx context.Context) error {
	err := r.db.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Reading{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&Device{}).Error
	})
	if err != nil {
		return fmt.Errorf("clear devices: %w", err)
	}
	r.notify()
	return nil
}

func (r *Registry) checkNameFree(ctx context.Context, name string, selfID uint) error {
	var count int64
	q := r.db.orm.WithContext(ctx).Model(&Device{}).Where("name = ?", name)
	if selfID != 0 {
		q = q.Where("id <> ?", selfID)
	}
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrConflict, name)
	}
	return nil
}
