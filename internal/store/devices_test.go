package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pyromon_test.sqlite"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testDevice(name string, slave int) *Device {
	return &Device{
		Name:          name,
		SlaveID:       slave,
		ComPort:       "COM3",
		BaudRate:      9600,
		FunctionCode:  3,
		StartRegister: 0,
		RegisterCount: 2,
		Enabled:       true,
		GraphYMin:     0,
		GraphYMax:     1000,
	}
}

func TestDeviceCRUD(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestDB(t))

	dev := testDevice("furnace-1", 1)
	if err := reg.Create(ctx, dev); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if dev.ID == 0 {
		t.Fatalf("Create did not assign an id")
	}

	got, err := reg.Get(ctx, dev.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "furnace-1" || got.SlaveID != 1 {
		t.Fatalf("got %+v", got)
	}

	got.Name = "furnace-renamed"
	got.BaudRate = 19200
	updated, err := reg.Update(ctx, dev.ID, got)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ID != dev.ID {
		t.Fatalf("Update changed identity: %d -> %d", dev.ID, updated.ID)
	}
	if updated.Name != "furnace-renamed" || updated.BaudRate != 19200 {
		t.Fatalf("updated %+v", updated)
	}

	list, err := reg.List(ctx, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d devices, want 1", len(list))
	}

	if err := reg.Delete(ctx, dev.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.Get(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := reg.Delete(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestDeviceValidation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestDB(t))

	cases := []struct {
		name   string
		mutate func(*Device)
	}{
		{"empty name", func(d *Device) { d.Name = "  " }},
		{"slave too low", func(d *Device) { d.SlaveID = 0 }},
		{"slave too high", func(d *Device) { d.SlaveID = 248 }},
		{"bad baud", func(d *Device) { d.BaudRate = 14400 }},
		{"bad function", func(d *Device) { d.FunctionCode = 5 }},
		{"bad count", func(d *Device) { d.RegisterCount = 3 }},
		{"empty port", func(d *Device) { d.ComPort = "" }},
		{"y range inverted", func(d *Device) { d.GraphYMin = 500; d.GraphYMax = 100 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := testDevice("dev", 1)
			tc.mutate(dev)
			err := reg.Create(ctx, dev)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestDeviceNameConflict(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestDB(t))

	if err := reg.Create(ctx, testDevice("kiln", 1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := reg.Create(ctx, testDevice("kiln", 2))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	other := testDevice("kiln-2", 3)
	if err := reg.Create(ctx, other); err != nil {
		t.Fatalf("Create second: %v", err)
	}
	other.Name = "kiln"
	if _, err := reg.Update(ctx, other.ID, other); !errors.Is(err, ErrConflict) {
		t.Fatalf("Update err = %v, want ErrConflict", err)
	}
}

func TestListEnabledOnlyOrdersBySlave(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestDB(t))

	a := testDevice("a", 7)
	b := testDevice("b", 2)
	c := testDevice("c", 4)
	c.Enabled = false
	for _, d := range []*Device{a, b, c} {
		if err := reg.Create(ctx, d); err != nil {
			t.Fatalf("Create %s: %v", d.Name, err)
		}
	}

	enabled, err := reg.List(ctx, true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(enabled) != 2 {
		t.Fatalf("enabled = %d, want 2", len(enabled))
	}
	if enabled[0].SlaveID != 2 || enabled[1].SlaveID != 7 {
		t.Fatalf("order = %d,%d, want 2,7", enabled[0].SlaveID, enabled[1].SlaveID)
	}
}

func TestChangeNotification(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestDB(t))

	if err := reg.Create(ctx, testDevice("n", 1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	select {
	case <-reg.Changed():
	default:
		t.Fatalf("no change notification after Create")
	}

	// Multiple mutations collapse into at most one pending signal.
	if err := reg.Create(ctx, testDevice("n2", 2)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Create(ctx, testDevice("n3", 3)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	<-reg.Changed()
	select {
	case <-reg.Changed():
		t.Fatalf("more than one pending notification")
	default:
	}
}
