// Package ctlline drives an auxiliary hardware control line — mute or
// trigger — via github.com/warthog618/go-gpiocdev, standing in for the
// kind of out-of-band hardware signaling a real device backend exposes
// alongside its PCM data path (e.g. a relay that mutes a power amp during
// an xrun, or a trigger line a capture device asserts on clip).
package ctlline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// Line is one requested GPIO line, held for the lifetime of the device
// shim that owns it.
type Line struct {
	line *gpiocdev.Line
}

// Open parses a "chip:offset" spec (the config.Device.CtlLine field, e.g.
// "gpiochip0:17") and requests the line as an output, asserted low
// (inactive) until explicitly driven.
func Open(spec string) (*Line, error) {
	chip, offset, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("ctlline: request %s: %w", spec, err)
	}
	return &Line{line: l}, nil
}

func parseSpec(spec string) (chip string, offset int, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("ctlline: malformed spec %q, want \"chip:offset\"", spec)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("ctlline: bad offset in %q: %w", spec, err)
	}
	return parts[0], n, nil
}

// Assert drives the line high (e.g. mute engaged, or trigger fired).
func (l *Line) Assert() error { return l.line.SetValue(1) }

// Deassert drives the line low.
func (l *Line) Deassert() error { return l.line.SetValue(0) }

// Close releases the line request.
func (l *Line) Close() error { return l.line.Close() }
