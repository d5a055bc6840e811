//go:build linux && (amd64 || arm64)

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c35s/igb/dma"
	"github.com/c35s/igb/igb"
	"github.com/c35s/igb/igb/sim"
	"github.com/c35s/igb/regs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// options is the merged result of the config file and the command line.
type options struct {
	PCI        string        `yaml:"pci"`
	Queues     int           `yaml:"queues"`
	RingSize   int           `yaml:"ring_size"`
	BufferSize int           `yaml:"buffer_size"`
	Poll       time.Duration `yaml:"poll"`
	Attempts   int           `yaml:"attempts"`
	Metrics    string        `yaml:"metrics"`
	Verbose    bool          `yaml:"verbose"`
}

// simBase puts simulated DMA memory above 4GiB so the high base register
// is exercised.
const simBase = 0x1_0000_0000

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "igb:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr *os.File) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	log := newLogger(stderr, opts.Verbose)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if opts.Metrics != "" {
		srv := &http.Server{
			Addr:              opts.Metrics,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()

		defer srv.Close()
		log.Info("serving metrics", "addr", opts.Metrics)
	}

	r, alloc, release, err := openDevice(opts, log)
	if err != nil {
		return err
	}

	defer release()

	d, err := igb.NewDevice(r, igb.Config{
		Queues:     opts.Queues,
		RingSize:   opts.RingSize,
		BufferSize: opts.BufferSize,
		Poll:       regs.Poll{Interval: opts.Poll, MaxAttempts: opts.Attempts},
		Alloc:      alloc,
		Logger:     log,
		Metrics:    igb.NewMetrics(reg),
	})

	if err != nil {
		return err
	}

	if err := d.Up(ctx); err != nil {
		return err
	}

	defer func() {
		if err := d.Close(); err != nil {
			log.Error("close device", "err", err)
		}
	}()

	log.Info("rings enabled; waiting for a signal")
	<-ctx.Done()

	return nil
}

// openDevice returns the register file and DMA allocator for opts.PCI, or a
// simulated device backed by an arena if it's empty.
func openDevice(opts options, log *slog.Logger) (regs.Interface, dma.Allocator, func(), error) {
	if opts.PCI == "" {
		a, err := dma.NewArena(simBase, arenaSize(opts))
		if err != nil {
			return nil, nil, nil, err
		}

		log.Info("using simulated device", "arena", a.Base())
		return sim.New(a.MemAt, sim.Options{AckAfter: 3}), a, func() { a.Close() }, nil
	}

	m, err := igb.Open(opts.PCI)
	if err != nil {
		return nil, nil, nil, err
	}

	h, err := dma.OpenHugepages()
	if err != nil {
		m.Close()
		return nil, nil, nil, err
	}

	log.Info("opened device", "pci", opts.PCI, "bar0", m.Len())

	release := func() {
		h.Close()
		m.Close()
	}

	return m, h, release, nil
}

// arenaSize is enough page-aligned memory for every table and buffer.
func arenaSize(opts options) int {
	const page = 4096

	up := func(n int) int { return (n + page - 1) &^ (page - 1) }
	perRing := up(opts.RingSize*igb.DescSize) + opts.RingSize*up(opts.BufferSize)

	return 2 * opts.Queues * perRing
}

func newLogger(w *os.File, verbose bool) *slog.Logger {
	ho := slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		ho.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(w.Fd())) {
		return slog.New(slog.NewTextHandler(w, &ho))
	}

	return slog.New(slog.NewJSONHandler(w, &ho))
}

// parseOptions loads the file named by -config, if any, then applies the
// flags that were set explicitly.
func parseOptions(args []string, output io.Writer) (options, error) {
	var (
		fs   = flag.NewFlagSet("igb", flag.ContinueOnError)
		opts options
		path string
	)

	fs.SetOutput(output)
	fs.StringVar(&opts.PCI, "pci", "", "bring up the 82576 at this PCI address (empty: simulate)")
	fs.IntVar(&opts.Queues, "queues", 1, "set the number of queue pairs")
	fs.IntVar(&opts.RingSize, "ring-size", 256, "set the number of descriptors per ring")
	fs.IntVar(&opts.BufferSize, "buf-size", 4096, "set the size of each data buffer")
	fs.DurationVar(&opts.Poll, "poll", time.Millisecond, "set the enable poll interval")
	fs.IntVar(&opts.Attempts, "attempts", 1000, "set the maximum enable polls per ring")
	fs.StringVar(&path, "config", "", "load options from a YAML file")
	fs.StringVar(&opts.Metrics, "metrics", "", "serve prometheus metrics on this address")
	fs.BoolVar(&opts.Verbose, "v", false, "log every slot")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if path != "" {
		if err := opts.load(path, fs); err != nil {
			return options{}, err
		}
	}

	if err := opts.validate(); err != nil {
		return options{}, err
	}

	return opts, nil
}

// load replaces o with the YAML file at path, keeping the values of the
// flags in fs that were set explicitly.
func (o *options) load(path string, fs *flag.FlagSet) error {
	cmdline := *o

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(b, o); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pci":
			o.PCI = cmdline.PCI
		case "queues":
			o.Queues = cmdline.Queues
		case "ring-size":
			o.RingSize = cmdline.RingSize
		case "buf-size":
			o.BufferSize = cmdline.BufferSize
		case "poll":
			o.Poll = cmdline.Poll
		case "attempts":
			o.Attempts = cmdline.Attempts
		case "metrics":
			o.Metrics = cmdline.Metrics
		case "v":
			o.Verbose = cmdline.Verbose
		}
	})

	return nil
}

// validate rejects sizes and poll bounds that would leave the arena empty or
// the enable wait unbounded.
func (o options) validate() error {
	switch {
	case o.Queues <= 0 || o.Queues > igb.MaxQueues:
		return fmt.Errorf("queues must be 1-%d: %d", igb.MaxQueues, o.Queues)

	case o.RingSize <= 0:
		return fmt.Errorf("ring size must be positive: %d", o.RingSize)

	case o.BufferSize <= 0:
		return fmt.Errorf("buffer size must be positive: %d", o.BufferSize)

	case o.Poll <= 0:
		return fmt.Errorf("poll interval must be positive: %v", o.Poll)

	case o.Attempts <= 0:
		return fmt.Errorf("attempts must be positive: %d", o.Attempts)
	}

	return nil
}
