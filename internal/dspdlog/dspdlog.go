// Package dspdlog provides the one structured log sink every subsystem
// is handed by reference (Design Note on dspd_dctx: a service locator
// passed in, not global state). It mirrors the teacher's log.go choice
// of daily-named files under a directory versus one fixed file, but
// replaces the printf-to-stdout/CSV writer with a single
// github.com/charmbracelet/log logger and per-component child loggers
// built with log.With("component", name).
package dspdlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Options configures the daily-name-vs-fixed-file choice (spec "Logging",
// grounded on log.go's g_daily_names/g_log_path).
type Options struct {
	// Dir, if non-empty, enables daily-named log files written under
	// this directory (the "-l logdir" mode).
	Dir string
	// File, if non-empty and Dir is empty, is one fixed log path (the
	// "-L logfile" mode).
	File string
	// Pattern is the strftime pattern used to name daily files.
	// Defaults to "dspd-%Y%m%d.log".
	Pattern string
	// Level is the minimum level that reaches the sink.
	Level log.Level
}

// Sink owns the destination writer and, in daily mode, re-opens it once
// the formatted name changes (mirroring log.go's "keep file open, only
// switch on date change" strategy).
type Sink struct {
	mu       sync.Mutex
	opts     Options
	openName string
	file     *os.File
	root     *log.Logger
	daily    bool
}

// New builds a Sink and its root *log.Logger. With both Dir and File
// empty, the sink logs to stderr, matching a daemon run with no
// persistent log configured.
func New(opts Options) (*Sink, error) {
	if opts.Pattern == "" {
		opts.Pattern = "dspd-%Y%m%d.log"
	}
	s := &Sink{opts: opts}

	var out io.Writer = os.Stderr
	if opts.Dir != "" {
		s.daily = true
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("dspdlog: create log dir: %w", err)
		}
		w, err := s.reopenLocked(time.Now())
		if err != nil {
			return nil, err
		}
		out = w
	} else if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("dspdlog: open %q: %w", opts.File, err)
		}
		s.file = f
		out = f
	}

	s.root = log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Level:           opts.Level,
	})
	return s, nil
}

// reopenLocked formats the daily name for now and, if it differs from the
// file currently open, closes the old one and opens the new one.
func (s *Sink) reopenLocked(now time.Time) (*os.File, error) {
	name, err := strftime.Format(s.opts.Pattern, now)
	if err != nil {
		return nil, fmt.Errorf("dspdlog: bad pattern %q: %w", s.opts.Pattern, err)
	}
	if name == s.openName && s.file != nil {
		return s.file, nil
	}
	path := filepath.Join(s.opts.Dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dspdlog: open %q: %w", path, err)
	}
	if s.file != nil {
		s.file.Close()
	}
	s.file = f
	s.openName = name
	return f, nil
}

// Rotate checks whether the daily file name has changed and, if so,
// switches the root logger's output to the freshly opened file. Callers
// in daily mode should call this periodically (the event loop's
// housekeeping timer is a natural place, same cadence as a fragment
// wakeup).
func (s *Sink) Rotate(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.daily {
		return nil
	}
	f, err := s.reopenLocked(now)
	if err != nil {
		return err
	}
	s.root.SetOutput(f)
	return nil
}

// Close releases the underlying file, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// For returns a child logger attributed to one component name, the way
// every FIFO/MBX/stream/client/loop/asyncio/remote subsystem identifies
// its lines.
func (s *Sink) For(component string) *log.Logger {
	l := s.root.With("component", component)
	return l
}
