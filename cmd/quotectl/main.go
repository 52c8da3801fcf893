// Command quotectl replays quote files from a running quotesource and
// prints every frame it receives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caesar-terminal/quotesource/internal/client"
	"github.com/caesar-terminal/quotesource/internal/logger"
)

type options struct {
	url      string
	from     string
	to       string
	window   int
	ping     bool
	shutdown bool
	timeout  time.Duration
	logLevel string
	files    []string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(opts.logLevel, "development")
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "quotectl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("quotectl", pflag.ContinueOnError)
	fs.StringVar(&o.url, "url", "ws://127.0.0.1:7070/control", "control endpoint URL")
	fs.StringVar(&o.from, "from", "", "replay lower bound, YYYY-MM-DD[ HH:MM:SS] (inclusive)")
	fs.StringVar(&o.to, "to", "", "replay upper bound, YYYY-MM-DD[ HH:MM:SS] (exclusive)")
	fs.IntVar(&o.window, "window", 1, "frames of credit kept outstanding")
	fs.BoolVar(&o.ping, "ping", false, "send a stream-ping and exit")
	fs.BoolVar(&o.shutdown, "shutdown", false, "stop the server and exit")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Second, "command reply timeout")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: quotectl [flags] FILE...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.files = fs.Args()

	switch {
	case o.window < 1:
		return o, fmt.Errorf("--window must be positive")
	case !o.ping && !o.shutdown && len(o.files) == 0:
		return o, fmt.Errorf("no files to replay")
	}
	return o, nil
}

func run(ctx context.Context, o options, out io.Writer, log *zap.Logger) error {
	c, err := client.Dial(ctx, client.DefaultConfig(o.url), log)
	if err != nil {
		return err
	}
	defer c.Close()

	switch {
	case o.shutdown:
		cctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		return c.Shutdown(cctx)
	case o.ping:
		cctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		if err := c.Ping(cctx); err != nil {
			return err
		}
		return printUntil(ctx, c, out, func(f client.DataFrame) bool { return true })
	}

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := c.Start(cctx, o.files, o.from, o.to); err != nil {
		return err
	}

	// Every file ends with exactly one end-of-stream marker.
	remaining := len(o.files)
	if err := c.Credit(o.window); err != nil {
		return err
	}
	return printUntil(ctx, c, out, func(f client.DataFrame) bool {
		if f.Frame.IsEndOfStream() {
			remaining--
		}
		if remaining == 0 {
			return true
		}
		if err := c.Credit(1); err != nil {
			log.Warn("credit", zap.Error(err))
		}
		return false
	})
}

// printUntil prints frames until stop returns true.
func printUntil(ctx context.Context, c *client.Client, out io.Writer, stop func(client.DataFrame) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.Frames():
			if !ok {
				if err := c.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
					return err
				}
				return client.ErrClosed
			}
			fmt.Fprintln(out, f)
			if stop(f) {
				return nil
			}
		}
	}
}
