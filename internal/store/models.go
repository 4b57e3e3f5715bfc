package store

import "time"

// Reading status values. OK means decoded and in range; Err means the
// attempt failed at any layer; Stale means the last success is older than
// the configured window while the latest failure was only a timeout.
const (
	StatusOK    = "OK"
	StatusStale = "Stale"
	StatusErr   = "Err"
)

// BaudRates enumerates the accepted serial speeds.
var BaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// ValidBaudRate reports whether b is in the accepted set.
func ValidBaudRate(b int) bool {
	for _, v := range BaudRates {
		if v == b {
			return true
		}
	}
	return false
}

// Device is a configured pyrometer head on some RS-485 segment.
type Device struct {
	ID            uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"column:name;size:100;uniqueIndex;not null" json:"name"`
	SlaveID       int       `gorm:"column:slave_id;not null;index" json:"slave_id"`
	ComPort       string    `gorm:"column:com_port;size:64;not null" json:"com_port"`
	BaudRate      int       `gorm:"column:baud_rate;not null;default:9600" json:"baud_rate"`
	FunctionCode  int       `gorm:"column:function_code;not null;default:3" json:"function_code"`
	StartRegister int       `gorm:"column:start_register;not null" json:"start_register"`
	RegisterCount int       `gorm:"column:register_count;not null;default:2" json:"register_count"`
	AmbientSecond bool      `gorm:"column:ambient_second" json:"ambient_second"`
	Enabled       bool      `gorm:"column:enabled;index" json:"enabled"`
	ShowInGraph   bool      `gorm:"column:show_in_graph;default:false" json:"show_in_graph"`
	GraphYMin     float64   `gorm:"column:graph_y_min;default:0" json:"graph_y_min"`
	GraphYMax     float64   `gorm:"column:graph_y_max;default:1000" json:"graph_y_max"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Readings []Reading `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Device) TableName() string { return "device_settings" }

// Reading is one acquisition attempt, successful or not. Value and Ambient
// are nil when the attempt produced no usable temperature.
type Reading struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID     uint      `gorm:"column:device_id;not null;index"`
	DeviceName   string    `gorm:"column:device_name;size:100;not null"`
	TSUTC        time.Time `gorm:"column:ts_utc;not null;index"`
	Value        *float64  `gorm:"column:value"`
	Ambient      *float64  `gorm:"column:ambient_temp"`
	Status       string    `gorm:"column:status;size:10;not null;index"`
	RawHex       string    `gorm:"column:raw_hex;size:120"`
	ErrorMessage string    `gorm:"column:error_message;size:255"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Reading) TableName() string { return "device_readings" }
