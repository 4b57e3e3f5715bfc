package serial

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFrameGapFromBaud(t *testing.T) {
	cases := []struct {
		baud    int
		wantMin time.Duration
		wantMax time.Duration
	}{
		// 9600 baud: 11 bits/char ~ 1.146 ms, 3.5 chars ~ 4.01 ms.
		{9600, 3900 * time.Microsecond, 4100 * time.Microsecond},
		// 1200 baud: char ~ 9.17 ms, gap ~ 32 ms.
		{1200, 31 * time.Millisecond, 33 * time.Millisecond},
		// Above 19200 the Modbus floor of 1.75 ms applies.
		{115200, 1750 * time.Microsecond, 1750 * time.Microsecond},
	}
	for _, tc := range cases {
		tr := New(Params{Address: "X", BaudRate: tc.baud}, zerolog.Nop())
		if tr.frameGap < tc.wantMin || tr.frameGap > tc.wantMax {
			t.Fatalf("baud %d: gap = %s, want %s..%s", tc.baud, tr.frameGap, tc.wantMin, tc.wantMax)
		}
		if tr.idleWindow >= tr.frameGap {
			t.Fatalf("baud %d: idle window %s not below frame gap %s", tc.baud, tr.idleWindow, tr.frameGap)
		}
	}
}

func TestParamDefaults(t *testing.T) {
	p := Params{Address: "COM3"}
	p.applyDefaults()
	if p.BaudRate != 9600 || p.DataBits != 8 || p.StopBits != 1 || p.Parity != "N" {
		t.Fatalf("defaults = %+v, want 9600 8N1", p)
	}
}

func TestCloseWithoutOpen(t *testing.T) {
	tr := New(Params{Address: "/nonexistent"}, zerolog.Nop())
	if err := tr.Close(); err != nil {
		t.Fatalf("Close on never-opened transport: %v", err)
	}
}
