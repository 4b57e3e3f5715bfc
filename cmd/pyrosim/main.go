// pyrosim simulates a pyrometer head on a serial port for bench testing:
// it serves the temperature registers plus the runtime parameter registers
// (slope, emissivity, mode, interval, limits) over Modbus RTU, ramping the
// temperature so dashboards have something to draw.
//
// With -socat it first creates a linked pty pair, serves on one end and
// leaves the other for pyromond.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"gopkg.in/yaml.v3"
)

// Profile describes the simulated head.
type Profile struct {
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	UpdateInterval time.Duration `yaml:"update_interval"`

	// Temperature ramp bounds in degrees C.
	TempMin float64 `yaml:"temp_min"`
	TempMax float64 `yaml:"temp_max"`

	// Register layout for the temperature window.
	StartRegister int  `yaml:"start_register"`
	RegisterCount int  `yaml:"register_count"` // 1: i16 tenths, 2: f32 BE
	AmbientSecond bool `yaml:"ambient_second"` // count=2: reg2 = ambient tenths

	// Initial runtime parameters (registers 3,4,6,7,8,9).
	Slope           float64 `yaml:"slope"`
	Emissivity      float64 `yaml:"emissivity"`
	MeasurementMode int     `yaml:"measurement_mode"`
	TimeInterval    int     `yaml:"time_interval"`
	TempLowerLimit  int     `yaml:"temp_lower_limit"`
	TempUpperLimit  int     `yaml:"temp_upper_limit"`
}

func defaultProfile() Profile {
	return Profile{
		BaudRate:       9600,
		UpdateInterval: 2 * time.Second,
		TempMin:        150,
		TempMax:        450,
		StartRegister:  0,
		RegisterCount:  2,
		Slope:          1.00,
		Emissivity:     0.95,
		MeasurementMode: 1,
		TimeInterval:   30,
		TempLowerLimit: 0,
		TempUpperLimit: 1000,
	}
}

func main() {
	var (
		profilePath string
		port        string
		socatPeer   string
	)
	flag.StringVar(&profilePath, "profile", "", "YAML profile path (optional)")
	flag.StringVar(&port, "port", "", "serial port to serve on (overrides profile)")
	flag.StringVar(&socatPeer, "socat", "", "create a pty pair with socat; value is the peer link path")
	flag.Parse()

	if err := run(profilePath, port, socatPeer); err != nil {
		log.Fatal(err)
	}
}

func run(profilePath, port, socatPeer string) error {
	profile := defaultProfile()
	if profilePath != "" {
		raw, err := os.ReadFile(profilePath)
		if err != nil {
			return fmt.Errorf("read profile: %w", err)
		}
		if err := yaml.Unmarshal(raw, &profile); err != nil {
			return fmt.Errorf("parse profile: %w", err)
		}
	}
	if port != "" {
		profile.Port = port
	}
	if profile.Port == "" {
		return fmt.Errorf("a serial port is required (flag -port or profile)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if socatPeer != "" {
		cmd := exec.CommandContext(ctx, "socat",
			"-d", "-d",
			"pty,raw,echo=0,link="+profile.Port,
			"pty,raw,echo=0,link="+socatPeer,
		)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start socat: %w", err)
		}
		log.Printf("socat pair: %s <-> %s", profile.Port, socatPeer)
		// Give socat a moment to create the links.
		time.Sleep(500 * time.Millisecond)
	}

	srv := mbserver.NewServer()
	seedRegisters(srv, profile)

	err := srv.ListenRTU(&serial.Config{
		Address:  profile.Port,
		BaudRate: profile.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", profile.Port, err)
	}
	defer srv.Close()
	log.Printf("serving pyrometer registers on %s @ %d 8N1", profile.Port, profile.BaudRate)

	ticker := time.NewTicker(profile.UpdateInterval)
	defer ticker.Stop()

	phase := 0.0
	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down simulator")
			return nil
		case <-ticker.C:
			phase += 0.05
			span := profile.TempMax - profile.TempMin
			temp := profile.TempMin + span*(0.5+0.5*math.Sin(phase))
			writeTemperature(srv, profile, temp)
		}
	}
}

// Parameter register addresses, matching the real head.
const (
	regSlope      = 3
	regEmissivity = 4
	regMode       = 6
	regInterval   = 7
	regTempLower  = 8
	regTempUpper  = 9
)

func seedRegisters(srv *mbserver.Server, p Profile) {
	srv.HoldingRegisters[regSlope] = uint16(math.Round(p.Slope * 100))
	srv.HoldingRegisters[regEmissivity] = uint16(math.Round(p.Emissivity * 100))
	srv.HoldingRegisters[regMode] = uint16(p.MeasurementMode)
	srv.HoldingRegisters[regInterval] = uint16(p.TimeInterval)
	srv.HoldingRegisters[regTempLower] = uint16(p.TempLowerLimit)
	srv.HoldingRegisters[regTempUpper] = uint16(p.TempUpperLimit)
	writeTemperature(srv, p, p.TempMin)
}

// writeTemperature updates both the holding and input copies of the
// temperature window so function 3 and function 4 pollers see it.
func writeTemperature(srv *mbserver.Server, p Profile, temp float64) {
	start := p.StartRegister
	switch p.RegisterCount {
	case 1:
		v := uint16(int16(math.Round(temp * 10)))
		srv.HoldingRegisters[start] = v
		srv.InputRegisters[start] = v
	default:
		if p.AmbientSecond {
			srv.HoldingRegisters[start] = uint16(int16(math.Round(temp * 10)))
			srv.HoldingRegisters[start+1] = uint16(int16(math.Round(25.0 * 10)))
			srv.InputRegisters[start] = srv.HoldingRegisters[start]
			srv.InputRegisters[start+1] = srv.HoldingRegisters[start+1]
			return
		}
		bits := math.Float32bits(float32(temp))
		var be [4]byte
		binary.BigEndian.PutUint32(be[:], bits)
		srv.HoldingRegisters[start] = binary.BigEndian.Uint16(be[0:2])
		srv.HoldingRegisters[start+1] = binary.BigEndian.Uint16(be[2:4])
		srv.InputRegisters[start] = srv.HoldingRegisters[start]
		srv.InputRegisters[start+1] = srv.HoldingRegisters[start+1]
	}
}
