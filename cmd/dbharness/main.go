// Package main is the dbharness command: it starts, inspects and resets the
// fixture databases used by integration tests and benchmarks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mfridman/xflag"

	"dbharness/config"
	"dbharness/internal/logging"
	"dbharness/internal/version"
)

const usage = `Usage: dbharness [-v] <command> [flags]

Commands:
  up           start the configured database and keep it running until interrupted
  url          print the connection URL of the configured database
  reset        drop and reapply the blog schema
  dump-schema  apply the schema and print a pg_dump of it (postgres only)
  config       print the effective configuration
  version      print version information

Run 'dbharness <command> -h' for command flags.
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "dbharness:", err)
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("dbharness", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	verbose := global.Bool("v", false, "debug logging")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errUsage
	}
	name, rest := global.Arg(0), global.Args()[1:]

	switch name {
	case "version":
		fmt.Fprintln(stdout, version.Info())
		return nil
	case "help":
		global.Usage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	switch name {
	case "up":
		return a.up(ctx, rest)
	case "url":
		return a.url(ctx, rest)
	case "reset":
		return a.reset(ctx, rest)
	case "dump-schema":
		return a.dumpSchema(ctx, rest)
	case "config":
		return a.printConfig(rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		global.Usage()
		return errUsage
	}
}

// parse parses command flags, allowing them after positional arguments.
func parse(fs *flag.FlagSet, args []string) error {
	if err := xflag.ParseToEnd(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected arguments: %q", fs.Name(), fs.Args())
	}
	return nil
}
