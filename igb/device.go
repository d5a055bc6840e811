package igb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/c35s/igb/dma"
	"github.com/c35s/igb/regs"
	"github.com/c35s/igb/ring"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Config describes the queues to bring up on a device.
type Config struct {

	// Queues is the number of receive/transmit queue pairs.
	// If Queues is 0, one pair is brought up.
	Queues int

	// RingSize is the number of descriptors per ring.
	// If RingSize is 0, rings have ring.DefaultSize descriptors.
	RingSize int

	// BufferSize is the size of each data buffer.
	// If BufferSize is 0, it's ring.DefaultBufferSize.
	BufferSize int

	// Poll bounds the wait for each queue's enable acknowledgment.
	// Zero fields take the ring defaults.
	Poll regs.Poll

	// Alloc provides DMA memory. It must be safe for concurrent use.
	Alloc dma.Allocator

	// Logger, if set, replaces slog.Default().
	Logger *slog.Logger

	// Metrics, if set, records bring-up outcomes.
	Metrics *Metrics
}

// Device owns the rings of one igb function.
type Device struct {
	regs regs.Interface
	cfg  Config
	log  *slog.Logger
	clk  clock.Clock
	rx   []*RxRing
	tx   []*TxRing
}

var (
	ErrConfig = errors.New("igb: invalid config")
	ErrUp     = errors.New("igb: queue bring-up failed")
)

// NewDevice returns a device that programs the registers in r, which must be
// safe for concurrent use by different queues.
func NewDevice(r regs.Interface, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	clk := cfg.Poll.Clock
	if clk == nil {
		clk = clock.New()
	}

	d := Device{
		regs: r,
		cfg:  cfg,
		log:  cfg.Logger,
		clk:  clk,
		rx:   make([]*RxRing, cfg.Queues),
		tx:   make([]*TxRing, cfg.Queues),
	}

	return &d, nil
}

// Up creates and initializes a receive and a transmit ring for every queue.
// Queues come up concurrently; within a queue the receive ring is enabled
// before the transmit ring. If any queue fails, Up closes every ring it made
// and returns the first error.
func (d *Device) Up(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for q := 0; q < d.cfg.Queues; q++ {
		q := q
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return d.upQueue(q)
		})
	}

	if err := g.Wait(); err != nil {
		if cerr := d.Close(); cerr != nil {
			d.log.Error("release after failed bring-up", "err", cerr)
		}

		return fmt.Errorf("%w: %w", ErrUp, err)
	}

	d.log.Info("queues up", "queues", d.cfg.Queues, "ring_size", d.cfg.RingSize)
	return nil
}

func (d *Device) upQueue(q int) error {
	log := d.log.With("queue", q)
	rcfg := ring.Config{
		Size:       d.cfg.RingSize,
		BufferSize: d.cfg.BufferSize,
		Alloc:      d.cfg.Alloc,
		Poll:       d.cfg.Poll,
		Logger:     log,
	}

	rx, err := NewRxRing(d.regs, q, rcfg)
	if err != nil {
		d.cfg.Metrics.observeInit(ring.Receive, 0, 0, err)
		return fmt.Errorf("queue %d: %w", q, err)
	}

	d.rx[q] = rx
	if err := initRing(d, rx); err != nil {
		return fmt.Errorf("queue %d: %w", q, err)
	}

	tx, err := NewTxRing(d.regs, q, rcfg)
	if err != nil {
		d.cfg.Metrics.observeInit(ring.Transmit, 0, 0, err)
		return fmt.Errorf("queue %d: %w", q, err)
	}

	d.tx[q] = tx
	if err := initRing(d, tx); err != nil {
		return fmt.Errorf("queue %d: %w", q, err)
	}

	return nil
}

func initRing[D any, P ring.Slot[D]](d *Device, r *ring.Ring[D, P]) error {
	start := d.clk.Now()
	err := r.Init()
	d.cfg.Metrics.observeInit(r.Role(), d.clk.Since(start).Seconds(), r.Len(), err)

	return err
}

// Rx returns queue n's receive ring, or nil if it isn't up.
func (d *Device) Rx(n int) *RxRing { return d.rx[n] }

// Tx returns queue n's transmit ring, or nil if it isn't up.
func (d *Device) Tx(n int) *TxRing { return d.tx[n] }

// Close disables and releases every ring. A ring whose disable isn't
// acknowledged keeps its memory and stays reachable through Rx or Tx.
func (d *Device) Close() error {
	var err error

	for q := range d.rx {
		if r := d.tx[q]; r != nil {
			cerr := closeRing(d, r)
			if cerr == nil {
				d.tx[q] = nil
			}

			err = multierr.Append(err, cerr)
		}

		if r := d.rx[q]; r != nil {
			cerr := closeRing(d, r)
			if cerr == nil {
				d.rx[q] = nil
			}

			err = multierr.Append(err, cerr)
		}
	}

	return err
}

func closeRing[D any, P ring.Slot[D]](d *Device, r *ring.Ring[D, P]) error {
	enabled := r.State() == ring.Enabled
	if err := r.Close(); err != nil {
		return err
	}

	if enabled {
		d.cfg.Metrics.observeClose(r.Len())
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.Queues == 0 {
		c.Queues = 1
	}

	if c.RingSize == 0 {
		c.RingSize = ring.DefaultSize
	}

	if c.BufferSize == 0 {
		c.BufferSize = ring.DefaultBufferSize
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

func (c Config) validate() error {
	if c.Queues < 0 || c.Queues > MaxQueues {
		return fmt.Errorf("queues must be 1-%d: %d", MaxQueues, c.Queues)
	}

	if c.RingSize < 0 {
		return fmt.Errorf("ring size must be positive: %d", c.RingSize)
	}

	if c.RingSize*DescSize%128 != 0 {
		return fmt.Errorf("ring of %d descriptors is not a multiple of 128 bytes", c.RingSize)
	}

	if c.Poll.Interval < 0 || c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("poll must be positive: %d reads at %v", c.Poll.MaxAttempts, c.Poll.Interval)
	}

	if c.Alloc == nil {
		return errors.New("missing allocator")
	}

	return nil
}
