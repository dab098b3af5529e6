// Package battery reports the charge of a PiSugar-style UPS board.
package battery

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"epdframe/internal/config"
	appLog "epdframe/internal/log"
)

// Status represents current battery status for Web UI / API.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, 0 if unknown.
	VoltageMv int `json:"voltage_mv"`
	// Source is "i2c" or "mock".
	Source string `json:"source"`
}

// Reader abstracts how we obtain battery information.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// mockReader stands in when no controller is wired. It reports a full
// battery so the UI never shows a false low-charge warning.
type mockReader struct{}

func (mockReader) Read(context.Context) (Status, error) {
	return Status{Percent: 100, Source: "mock"}, nil
}

// PiSugar registers.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// I2CReader reads a PiSugar controller. The bus is opened per read so a
// board that is hot-plugged or busy does not wedge the process.
type I2CReader struct {
	addr uint16
	open func() (i2c.BusCloser, error)
}

// NewI2CReader returns a reader for the controller at addr on busName
// ("" picks the first bus, /dev/i2c-1 on a Raspberry Pi).
func NewI2CReader(busName string, addr uint16) *I2CReader {
	return &I2CReader{
		addr: addr,
		open: func() (i2c.BusCloser, error) {
			if _, err := host.Init(); err != nil {
				return nil, err
			}
			return i2creg.Open(busName)
		},
	}
}

func (r *I2CReader) Read(_ context.Context) (Status, error) {
	bus, err := r.open()
	if err != nil {
		return Status{}, fmt.Errorf("battery: open i2c: %w", err)
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("battery: read 0x%02X: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Percent:   min(int(pct), 100),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
		Source:    "i2c",
	}, nil
}

// New returns the reader for cfg. A disabled or unreachable controller
// falls back to the mock so HTTP handlers always get an answer.
func New(ctx context.Context, cfg config.BatteryConfig) Reader {
	if !cfg.Enabled {
		return mockReader{}
	}
	r := NewI2CReader(cfg.I2CBus, cfg.I2CAddr)
	if _, err := r.Read(ctx); err != nil {
		appLog.Warn("battery controller unreachable, using mock", err, "bus", cfg.I2CBus, "addr", fmt.Sprintf("0x%02X", cfg.I2CAddr))
		return mockReader{}
	}
	return r
}
