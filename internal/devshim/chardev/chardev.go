// Package chardev stands in for a kernel character device (the
// /dev/dsp-style node an OSS/sndio front end would open) using a
// pseudo-terminal from github.com/creack/pty. It exercises the same
// attach/read/write contract the real protocol front-ends would drive,
// without requiring the kernel driver code the spec explicitly excludes
// (spec §1 Non-goals: "specific sound-card driver code").
package chardev

import (
	"fmt"
	"os"

	"github.com/creack/pty"
)

// Device is one pty-backed stand-in character device. Master is the end
// the server reads/writes audio bytes on; Slave's name is what a client
// process would open, mirroring a real /dev/dsp path.
type Device struct {
	Master   *os.File
	Slave    *os.File
	symlink  string
	isClosed bool
}

// Open allocates a pty pair and, if symlink is non-empty, links it to the
// slave's device path (the "pty_symlink" config field) so a client can
// open a stable, predictable path rather than the kernel-assigned
// /dev/pts/N name.
func Open(symlink string) (*Device, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("chardev: open pty: %w", err)
	}
	d := &Device{Master: master, Slave: slave, symlink: symlink}
	if symlink != "" {
		_ = os.Remove(symlink)
		if err := os.Symlink(slave.Name(), symlink); err != nil {
			master.Close()
			slave.Close()
			return nil, fmt.Errorf("chardev: symlink %q: %w", symlink, err)
		}
	}
	return d, nil
}

// Path is the path a client would open to reach this device.
func (d *Device) Path() string {
	if d.symlink != "" {
		return d.symlink
	}
	return d.Slave.Name()
}

// Write pushes raw PCM bytes to the master side, as a real driver's
// interrupt handler would push samples to the device fifo.
func (d *Device) Write(p []byte) (int, error) { return d.Master.Write(p) }

// Read pulls raw PCM bytes from the master side (capture direction).
func (d *Device) Read(p []byte) (int, error) { return d.Master.Read(p) }

// Close tears down both ends of the pty and removes the symlink, if any.
func (d *Device) Close() error {
	if d.isClosed {
		return nil
	}
	d.isClosed = true
	if d.symlink != "" {
		os.Remove(d.symlink)
	}
	err1 := d.Master.Close()
	err2 := d.Slave.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
