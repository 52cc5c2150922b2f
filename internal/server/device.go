// Package server ties the lower layers together into a runnable dspd
// daemon: it owns the configured device slots, accepts remote connections on
// each configured listener, and drives each connection's control protocol
// the way internal/remote/remote_test.go's fakeDevice stub does, but for
// real (spec §4.7 "Connect sequence" from the server's side of the wire).
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dspdaemon/dspd/internal/config"
	"github.com/dspdaemon/dspd/internal/devshim/chardev"
	"github.com/dspdaemon/dspd/internal/devshim/ctlline"
	"github.com/dspdaemon/dspd/internal/devshim/hwaudio"
	"github.com/dspdaemon/dspd/internal/dspderr"
	"github.com/dspdaemon/dspd/internal/pcm"
)

// deviceSlot is one configured mixable device. The core leaves mixing and
// hotplug policy to an external collaborator (spec §1 Non-goals); this
// server implements the simplest arbitration consistent with that: exactly
// one remote connection may bind a device at a time.
type deviceSlot struct {
	cfg config.Device

	mu    sync.Mutex
	owner *connHandler
}

func newDeviceSlots(cfgs []config.Device) []*deviceSlot {
	slots := make([]*deviceSlot, len(cfgs))
	for i, c := range cfgs {
		slots[i] = &deviceSlot{cfg: c}
	}
	return slots
}

func (d *deviceSlot) acquire(h *connHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != nil {
		return dspderr.New(dspderr.KindBusy, "server.device.acquire", nil)
	}
	d.owner = h
	return nil
}

func (d *deviceSlot) release(h *connHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner == h {
		d.owner = nil
	}
}

// backend is whichever devshim implementation is wired to a bound
// connection's pcm.Stream, for one direction, for the life of that bind.
type backend struct {
	close func() error
}

// attachBackend opens cfg's configured devshim implementation and wires it
// directly to stream's FIFO/mailbox for direction dir (spec §5's "realtime
// audio thread" and "device thread" rows of the thread-class table).
func attachBackend(cfg config.Device, stream *pcm.Stream, dir pcm.Direction) (*backend, error) {
	var line *ctlline.Line
	if cfg.CtlLine != "" {
		l, err := ctlline.Open(cfg.CtlLine)
		if err != nil {
			return nil, err
		}
		if err := l.Assert(); err != nil {
			l.Close()
			return nil, err
		}
		line = l
	}
	closeLine := func() {
		if line != nil {
			line.Deassert()
			line.Close()
		}
	}

	switch cfg.Backend {
	case config.BackendHWAudio:
		dev, err := hwaudio.Open(stream, cfg.Channels, float64(cfg.Rate), int(cfg.FragSize), dir)
		if err != nil {
			closeLine()
			return nil, err
		}
		if err := dev.Start(); err != nil {
			dev.Close()
			closeLine()
			return nil, err
		}
		return &backend{close: func() error {
			err := dev.Close()
			closeLine()
			return err
		}}, nil
	case config.BackendCharDev:
		dev, err := chardev.Open(cfg.PTYSymlink)
		if err != nil {
			closeLine()
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		go pumpCharDev(ctx, dev, stream, dir)
		return &backend{close: func() error {
			cancel()
			err := dev.Close()
			closeLine()
			return err
		}}, nil
	default:
		closeLine()
		return nil, fmt.Errorf("server: unknown device backend %q", cfg.Backend)
	}
}

// pumpCharDev shuttles raw frame bytes between a pty-backed stand-in device
// and the stream's FIFO/mailbox, playing the same device-thread role as
// hwaudio.Device's portaudio callback but on a timer instead of a hardware
// interrupt, since a pty has no period callback of its own.
func pumpCharDev(ctx context.Context, dev *chardev.Device, stream *pcm.Stream, dir pcm.Direction) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ring := stream.DeviceFIFO()
		if ring == nil {
			continue
		}
		switch dir {
		case pcm.Playback:
			if n, err := ring.Read(buf); err == nil && n > 0 {
				dev.Write(buf[:n*ring.ElementSize()])
			}
		case pcm.Capture:
			if n, err := dev.Read(buf); err == nil && n > 0 {
				ring.Write(buf[:n])
			}
		}

		mailbox := stream.DeviceMailbox()
		if mailbox == nil {
			continue
		}
		_, _, used, lerr := ring.Length()
		var errCode int32
		if lerr != nil {
			errCode = -1
		}
		mailbox.Publish(pcm.Status{Fill: used, Tstamp: time.Now().UnixNano(), Error: errCode})
	}
}
