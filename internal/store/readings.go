package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Readings is the append-only reading history.
type Readings struct {
	db *DB
}

// NewReadings wraps the database handle.
func NewReadings(db *DB) *Readings {
	return &Readings{db: db}
}

// AppendBatch inserts the batch in one transaction; it either fully commits
// or leaves the store untouched, so the write-back buffer can retry the
// whole slot.
func (s *Readings) AppendBatch(ctx context.Context, batch []Reading) error {
	if len(batch) == 0 {
		return nil
	}
	if err := s.db.orm.WithContext(ctx).CreateInBatches(batch, 200).Error; err != nil {
		return fmt.Errorf("append %d readings: %w", len(batch), err)
	}
	return nil
}

// LatestPerDevice pairs a device with its most recent reading, if any.
type LatestPerDevice struct {
	Device Device
	Latest *Reading
}

// Latest returns every registered device with its newest reading.
func (s *Readings) Latest(ctx context.Context) ([]LatestPerDevice, error) {
	var devices []Device
	if err := s.db.orm.WithContext(ctx).Order("slave_id, id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]LatestPerDevice, 0, len(devices))
	for _, d := range devices {
		var latest Reading
		err := s.db.orm.WithContext(ctx).
			Where("device_id = ?", d.ID).
			Order("ts_utc DESC").
			Limit(1).
			Take(&latest).Error
		entry := LatestPerDevice{Device: d}
		if err == nil {
			r := latest
			entry.Latest = &r
		}
		out = append(out, entry)
	}
	return out, nil
}

// Recent returns the newest readings for one device, newest first.
func (s *Readings) Recent(ctx context.Context, deviceID uint, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Reading
	err := s.db.orm.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("ts_utc DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("recent readings for device %d: %w", deviceID, err)
	}
	return out, nil
}

// History returns readings for a device inside [start, end], ascending.
// limit <= 0 means no limit.
func (s *Readings) History(ctx context.Context, deviceID uint, start, end time.Time, limit int) ([]Reading, error) {
	q := s.db.orm.WithContext(ctx).
		Where("device_id = ? AND ts_utc >= ? AND ts_utc <= ?", deviceID, start, end).
		Order("ts_utc ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Reading
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history for device %d: %w", deviceID, err)
	}
	return out, nil
}

// csvTimeLayout is the export timestamp format: UTC, no zone suffix.
const csvTimeLayout = "2006-01-02 15:04:05"

// ExportCSV streams the device's readings inside [start, end] to w as CSV,
// ascending by timestamp. Rows are fetched through a cursor so arbitrarily
// large ranges never materialise in memory.
func (s *Readings) ExportCSV(ctx context.Context, w io.Writer, deviceID uint, start, end time.Time) (int, error) {
	rows, err := s.db.orm.WithContext(ctx).
		Model(&Reading{}).
		Where("device_id = ? AND ts_utc >= ? AND ts_utc <= ?", deviceID, start, end).
		Order("ts_utc ASC").
		Rows()
	if err != nil {
		return 0, fmt.Errorf("export query for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"sr_no", "timestamp", "temperature", "ambient_temp", "status"}); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	n := 0
	for rows.Next() {
		var r Reading
		if err := s.db.orm.ScanRows(rows, &r); err != nil {
			return n, fmt.Errorf("scan reading: %w", err)
		}
		n++
		rec := []string{
			strconv.Itoa(n),
			r.TSUTC.UTC().Format(csvTimeLayout),
			floatField(r.Value),
			floatField(r.Ambient),
			r.Status,
		}
		if err := cw.Write(rec); err != nil {
			return n, fmt.Errorf("write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate readings: %w", err)
	}
	cw.Flush()
	return n, cw.Error()
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// Stats summarises the reading table.
type Stats struct {
	Total      int64      `json:"total_readings"`
	OKCount    int64      `json:"ok_count"`
	ErrCount   int64      `json:"err_count"`
	StaleCount int64      `json:"stale_count"`
	Earliest   *time.Time `json:"earliest,omitempty"`
	Latest     *time.Time `json:"latest,omitempty"`
}

// GetStats counts readings overall and per status.
func (s *Readings) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	orm := s.db.orm.WithContext(ctx).Model(&Reading{})
	if err := orm.Count(&st.Total).Error; err != nil {
		return nil, fmt.Errorf("count readings: %w", err)
	}
	for status, dst := range map[string]*int64{
		StatusOK:    &st.OKCount,
		StatusErr:   &st.ErrCount,
		StatusStale: &st.StaleCount,
	} {
		if err := s.db.orm.WithContext(ctx).Model(&Reading{}).Where("status = ?", status).Count(dst).Error; err != nil {
			return nil, fmt.Errorf("count %s readings: %w", status, err)
		}
	}
	if st.Total > 0 {
		var first, last Reading
		if err := s.db.orm.WithContext(ctx).Order("ts_utc ASC").Limit(1).Take(&first).Error; err == nil {
			t := first.TSUTC
			st.Earliest = &t
		}
		if err := s.db.orm.WithContext(ctx).Order("ts_utc DESC").Limit(1).Take(&last).Error; err == nil {
			t := last.TSUTC
			st.Latest = &t
		}
	}
	return &st, nil
}

// DeleteAll empties the reading table and returns the number removed.
func (s *Readings) DeleteAll(ctx context.Context) (int64, error) {
	res := s.db.orm.WithContext(ctx).Where("1 = 1").Delete(&Reading{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete readings: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes readings with ts_utc before the horizon. This is
// the bulk primitive the retention task applies.
func (s *Readings) DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	res := s.db.orm.WithContext(ctx).Where("ts_utc < ?", horizon).Delete(&Reading{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete readings before %s: %w", horizon, res.Error)
	}
	return res.RowsAffected, nil
}
