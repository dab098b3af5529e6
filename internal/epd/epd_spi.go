package epd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"epdframe/internal/config"
	appLog "epdframe/internal/log"
)

// Spectra 6 controller commands.
const (
	cmdPSR   = 0x00
	cmdPWR   = 0x01
	cmdPOF   = 0x02
	cmdPOFS  = 0x03
	cmdPON   = 0x04
	cmdBTST1 = 0x05
	cmdBTST2 = 0x06
	cmdDSLP  = 0x07
	cmdBTST3 = 0x08
	cmdDTM   = 0x10
	cmdDRF   = 0x12
	cmdPLL   = 0x30
	cmdCDI   = 0x50
	cmdTCON  = 0x60
	cmdTRES  = 0x61
	cmdTVDCS = 0x84
	cmdCMDH  = 0xAA
	cmdPWS   = 0xE3
)

// maxChunk is the largest single SPI transfer spidev accepts by default.
const maxChunk = 4096

type step struct {
	cmd  byte
	data []byte
}

var initSequence = []step{
	{cmdCMDH, []byte{0x49, 0x55, 0x20, 0x08, 0x09, 0x18}},
	{cmdPWR, []byte{0x3F}},
	{cmdPSR, []byte{0x5F, 0x69}},
	{cmdPOFS, []byte{0x00, 0x54, 0x00, 0x44}},
	{cmdBTST1, []byte{0x40, 0x1F, 0x1F, 0x2C}},
	{cmdBTST2, []byte{0x6F, 0x1F, 0x17, 0x49}},
	{cmdBTST3, []byte{0x6F, 0x1F, 0x1F, 0x22}},
	{cmdPLL, []byte{0x03}},
	{cmdCDI, []byte{0x3F}},
	{cmdTCON, []byte{0x02, 0x00}},
	{cmdTRES, []byte{0x03, 0x20, 0x01, 0xE0}}, // 800x480
	{cmdTVDCS, []byte{0x01}},
	{cmdPWS, []byte{0x2F}},
}

// Driver talks to a 7.3" Spectra 6 panel over SPI with separate DC, RST and
// BUSY lines. BUSY is low while the controller works.
type Driver struct {
	port spi.PortCloser
	conn spi.Conn

	dc   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn

	// BusyTimeout bounds each wait; a full refresh takes ~30s.
	BusyTimeout time.Duration
	pause       func(time.Duration)
}

// Open initialises periph.io and claims the SPI port and pins named in cfg.
func Open(cfg config.PanelConfig) (*Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port %s: %w", cfg.SPIPort, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.SpeedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	pin := func(name string) (gpio.PinIO, error) {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		return p, nil
	}
	dc, err := pin(cfg.DCPin)
	if err == nil {
		err = dc.Out(gpio.Low)
	}
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	rst, err := pin(cfg.ResetPin)
	if err == nil {
		err = rst.Out(gpio.High)
	}
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	busy, err := pin(cfg.BusyPin)
	if err == nil {
		err = busy.In(gpio.PullUp, gpio.NoEdge)
	}
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	d := New(conn, dc, rst, busy)
	d.port = port
	appLog.Info("epd panel opened", "spi", cfg.SPIPort, "hz", cfg.SpeedHz)
	return d, nil
}

// New wraps an already connected SPI conn and configured pins.
func New(conn spi.Conn, dc, rst gpio.PinOut, busy gpio.PinIn) *Driver {
	return &Driver{
		conn:        conn,
		dc:          dc,
		rst:         rst,
		busy:        busy,
		BusyTimeout: 60 * time.Second,
		pause:       time.Sleep,
	}
}

// Show resets and initialises the controller, uploads the frame and runs a
// full refresh. The panel is powered off afterwards.
func (d *Driver) Show(ctx context.Context, packed []byte) error {
	frame, err := toNative(packed)
	if err != nil {
		return err
	}

	started := time.Now()
	if err := d.reset(ctx); err != nil {
		return err
	}
	for _, s := range initSequence {
		if err := d.send(s.cmd, s.data); err != nil {
			return err
		}
	}
	if err := d.send(cmdPON, nil); err != nil {
		return err
	}
	if err := d.waitIdle(ctx); err != nil {
		return err
	}

	if err := d.send(cmdDTM, frame); err != nil {
		return err
	}
	if err := d.turnOn(ctx); err != nil {
		return err
	}
	appLog.Info("epd frame shown", "elapsed", time.Since(started).Round(time.Millisecond).String())
	return nil
}

func (d *Driver) turnOn(ctx context.Context) error {
	for _, s := range []step{
		{cmdPON, nil},
		{cmdBTST2, []byte{0x6F, 0x1F, 0x17, 0x49}},
		{cmdDRF, []byte{0x00}},
		{cmdPOF, []byte{0x00}},
	} {
		if err := d.send(s.cmd, s.data); err != nil {
			return err
		}
		if s.cmd == cmdBTST2 {
			continue
		}
		if err := d.waitIdle(ctx); err != nil {
			return fmt.Errorf("epd: command 0x%02X: %w", s.cmd, err)
		}
	}
	return nil
}

// Sleep puts the controller into deep sleep. A reset is needed to wake it,
// which Show always does.
func (d *Driver) Sleep() error {
	return d.send(cmdDSLP, []byte{0xA5})
}

func (d *Driver) Close() error {
	if d.port == nil {
		return nil
	}
	return d.port.Close()
}

func (d *Driver) reset(ctx context.Context) error {
	for _, lv := range []struct {
		level gpio.Level
		hold  time.Duration
	}{
		{gpio.High, 20 * time.Millisecond},
		{gpio.Low, 2 * time.Millisecond},
		{gpio.High, 20 * time.Millisecond},
	} {
		if err := d.rst.Out(lv.level); err != nil {
			return fmt.Errorf("epd: reset: %w", err)
		}
		d.pause(lv.hold)
	}
	return d.waitIdle(ctx)
}

// send writes cmd with DC low, then data with DC high in chunks.
func (d *Driver) send(cmd byte, data []byte) error {
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.conn.Tx([]byte{cmd}, nil); err != nil {
		return fmt.Errorf("epd: command 0x%02X: %w", cmd, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	defer d.dc.Out(gpio.Low)
	for len(data) > 0 {
		n := min(len(data), maxChunk)
		if err := d.conn.Tx(data[:n], nil); err != nil {
			return fmt.Errorf("epd: data for 0x%02X: %w", cmd, err)
		}
		data = data[n:]
	}
	return nil
}

var errBusyTimeout = errors.New("epd: panel stayed busy")

func (d *Driver) waitIdle(ctx context.Context) error {
	deadline := time.Now().Add(d.BusyTimeout)
	for d.busy.Read() == gpio.Low {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return errBusyTimeout
		}
		d.pause(10 * time.Millisecond)
	}
	return nil
}
