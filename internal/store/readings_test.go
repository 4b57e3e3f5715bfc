package store

import (
	"context"
	"strings"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func seedReadings(t *testing.T, s *Readings, deviceID uint, name string, base time.Time, n int) {
	t.Helper()
	batch := make([]Reading, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, Reading{
			DeviceID:   deviceID,
			DeviceName: name,
			TSUTC:      base.Add(time.Duration(i) * time.Second),
			Value:      f64(20.0 + float64(i)),
			Status:     StatusOK,
			RawHex:     "01 2C",
		})
	}
	if err := s.AppendBatch(context.Background(), batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
}

func TestAppendBatchAndHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	reg := NewRegistry(db)
	readings := NewReadings(db)

	dev := testDevice("hist", 1)
	if err := reg.Create(ctx, dev); err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, readings, dev.ID, dev.Name, base, 10)

	got, err := readings.History(ctx, dev.ID, base.Add(2*time.Second), base.Add(6*time.Second), 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("history = %d rows, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TSUTC.Before(got[i-1].TSUTC) {
			t.Fatalf("history not ascending at %d", i)
		}
	}

	limited, err := readings.History(ctx, dev.ID, base, base.Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("History limited: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("limited history = %d rows, want 3", len(limited))
	}
}

func TestLatestOnePerDevice(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	reg := NewRegistry(db)
	readings := NewReadings(db)

	d1 := testDevice("one", 1)
	d2 := testDevice("two", 2)
	for _, d := range []*Device{d1, d2} {
		if err := reg.Create(ctx, d); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, readings, d1.ID, d1.Name, base, 5)

	latest, err := readings.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest = %d entries, want 2", len(latest))
	}
	if latest[0].Latest == nil {
		t.Fatalf("device one has no latest reading")
	}
	if got := *latest[0].Latest.Value; got != 24.0 {
		t.Fatalf("latest value = %v, want 24.0", got)
	}
	if latest[1].Latest != nil {
		t.Fatalf("device two should have no readings")
	}
}

func TestExportCSVMatchesHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	reg := NewRegistry(db)
	readings := NewReadings(db)

	dev := testDevice("csv", 7)
	if err := reg.Create(ctx, dev); err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedReadings(t, readings, dev.ID, dev.Name, base, 50)

	start, end := base, base.Add(time.Hour)
	var sb strings.Builder
	n, err := readings.ExportCSV(ctx, &sb, dev.ID, start, end)
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	hist, err := readings.History(ctx, dev.ID, start, end, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if n != len(hist) {
		t.Fatalf("csv rows = %d, history rows = %d", n, len(hist))
	}

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	if len(lines) != n+1 {
		t.Fatalf("lines = %d, want %d", len(lines), n+1)
	}
	if lines[0] != "sr_no,timestamp,temperature,ambient_temp,status" {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1,2026-03-01 00:00:00,20.00,,OK") {
		t.Fatalf("first row = %q", lines[1])
	}
}

func TestStatsAndDeletes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	reg := NewRegistry(db)
	readings := NewReadings(db)

	dev := testDevice("stats", 1)
	if err := reg.Create(ctx, dev); err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, readings, dev.ID, dev.Name, base, 10)
	errRow := Reading{
		DeviceID: dev.ID, DeviceName: dev.Name,
		TSUTC: base.Add(time.Minute), Status: StatusErr,
		ErrorMessage: "serial: read timeout",
	}
	if err := readings.AppendBatch(ctx, []Reading{errRow}); err != nil {
		t.Fatalf("AppendBatch err row: %v", err)
	}

	st, err := readings.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.Total != 11 || st.OKCount != 10 || st.ErrCount != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Earliest == nil || !st.Earliest.Equal(base) {
		t.Fatalf("earliest = %v, want %v", st.Earliest, base)
	}

	n, err := readings.DeleteOlderThan(ctx, base.Add(5*time.Second))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 5 {
		t.Fatalf("deleted = %d, want 5", n)
	}

	n, err = readings.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n != 6 {
		t.Fatalf("DeleteAll removed %d, want 6", n)
	}
}
