// Package epd pushes packed frames to an e-paper panel.
package epd

import (
	"context"
	"fmt"

	"epdframe/internal/config"
	"epdframe/internal/convert"
	appLog "epdframe/internal/log"
)

// Display shows one packed 4bpp frame (see convert.Pack) in the panel's
// native 800x480 layout.
type Display interface {
	Show(ctx context.Context, packed []byte) error
	Sleep() error
	Close() error
}

// FrameLen is the packed size of one native frame.
var FrameLen = convert.PackedLen(convert.PanelWidth, convert.PanelHeight)

// nativeCode maps palette indices to the colour codes the Spectra 6
// controller expects in its data RAM.
var nativeCode = [convert.NumColors]byte{
	convert.Black:  0x0,
	convert.White:  0x1,
	convert.Green:  0x6,
	convert.Blue:   0x5,
	convert.Red:    0x3,
	convert.Yellow: 0x2,
}

// toNative rewrites both nibbles of every byte into controller codes.
func toNative(packed []byte) ([]byte, error) {
	if len(packed) != FrameLen {
		return nil, fmt.Errorf("epd: frame is %d bytes, want %d", len(packed), FrameLen)
	}
	out := make([]byte, len(packed))
	for i, b := range packed {
		hi, lo := b>>4, b&0x0F
		if hi >= convert.NumColors || lo >= convert.NumColors {
			return nil, fmt.Errorf("epd: byte %d (0x%02X) holds an index outside the palette", i, b)
		}
		out[i] = nativeCode[hi]<<4 | nativeCode[lo]
	}
	return out, nil
}

// Dump is a Display that writes each frame to a file. It backs render-only
// setups where a remote client fetches /api/current_image instead.
type Dump struct {
	Path string
}

func (d *Dump) Show(_ context.Context, packed []byte) error {
	if len(packed) != FrameLen {
		return fmt.Errorf("epd: frame is %d bytes, want %d", len(packed), FrameLen)
	}
	if err := config.WriteFileAtomic(d.Path, packed, 0o644); err != nil {
		return convert.PartialWrite("dump", err)
	}
	appLog.Debug("epd frame dumped", "path", d.Path, "bytes", len(packed))
	return nil
}

func (d *Dump) Sleep() error { return nil }
func (d *Dump) Close() error { return nil }
