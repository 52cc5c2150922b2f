// Command dspd runs the sound processing daemon: it loads a YAML device
// and listener configuration, opens the configured log sink, and serves
// the remote control protocol until killed (spec §4.7, §"Configuration",
// §"Logging"). Flag handling follows the teacher's cmd/direwolf/main.go
// idiom of pflag.*P declarations plus a hand-written pflag.Usage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/dspdaemon/dspd/internal/config"
	"github.com/dspdaemon/dspd/internal/dspdlog"
	"github.com/dspdaemon/dspd/internal/server"
)

func main() {
	var configFileName = pflag.StringP("config-file", "c", "dspd.yaml", "Configuration file name.")
	var logDir = pflag.StringP("log-dir", "l", "", "Directory name for daily log files.")
	var logFile = pflag.StringP("log-file", "L", "", "File name for logging, used when -log-dir is not set.")
	var logLevel = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - a sound processing daemon: shared-memory PCM streams over a remote control protocol.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: dspd [options]\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dspd: %v\n", err)
		os.Exit(1)
	}

	sink, err := dspdlog.New(dspdlog.Options{Dir: *logDir, File: *logFile, Level: level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dspd: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()

	cfg, err := config.Load(*configFileName)
	if err != nil {
		sink.For("main").Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, sink)
	if err := srv.Run(ctx); err != nil {
		sink.For("main").Error("server exited", "err", err)
		os.Exit(1)
	}
}
