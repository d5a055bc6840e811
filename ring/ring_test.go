//go:build linux

package ring_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/c35s/igb/dma"
	"github.com/c35s/igb/igb"
	"github.com/c35s/igb/igb/sim"
	"github.com/c35s/igb/regs"
	"github.com/c35s/igb/ring"
	"github.com/google/go-cmp/cmp"
)

// fastClock advances a mock clock instead of sleeping.
type fastClock struct {
	*clock.Mock
	sleeps int
}

func (c *fastClock) Sleep(d time.Duration) {
	c.sleeps++
	c.Mock.Add(d)
}

type record struct {
	Level slog.Level
	Msg   string
	Attrs map[string]any
}

// recorder is a slog.Handler that keeps every record.
type recorder struct {
	mu    *sync.Mutex
	recs  *[]record
	attrs []slog.Attr
}

func newRecorder() *recorder {
	return &recorder{mu: new(sync.Mutex), recs: new([]record)}
}

func (h *recorder) Enabled(context.Context, slog.Level) bool { return true }

func (h *recorder) Handle(_ context.Context, r slog.Record) error {
	rec := record{Level: r.Level, Msg: r.Message, Attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.Any()
	}

	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	*h.recs = append(*h.recs, rec)

	return nil
}

func (h *recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recorder{mu: h.mu, recs: h.recs, attrs: append(slices.Clip(h.attrs), attrs...)}
}

func (h *recorder) WithGroup(string) slog.Handler { return h }

func (h *recorder) records(msg string) []record {
	h.mu.Lock()
	defer h.mu.Unlock()

	var rr []record
	for _, r := range *h.recs {
		if r.Msg == msg {
			rr = append(rr, r)
		}
	}

	return rr
}

type env struct {
	arena *dma.Arena
	dev   *sim.Device
	clk   *fastClock
	log   *recorder
}

func newEnv(t *testing.T, base uint64, size int, opts sim.Options) *env {
	t.Helper()

	a, err := dma.NewArena(base, size)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { a.Close() })

	return &env{
		arena: a,
		dev:   sim.New(a.MemAt, opts),
		clk:   &fastClock{Mock: clock.NewMock()},
		log:   newRecorder(),
	}
}

func (e *env) config(size int) ring.Config {
	return ring.Config{
		Size:   size,
		Layout: igb.Layout,
		Alloc:  e.arena,
		Poll:   regs.Poll{Clock: e.clk},
		Logger: slog.New(e.log),
	}
}

func rxOff(reg uint32) uint32 { return igb.RxQueueBase + reg }
func txOff(reg uint32) uint32 { return igb.TxQueueBase + reg }

func TestNew(t *testing.T) {
	for _, n := range []int{1, 8, 256} {
		t.Run("zeroed table", func(t *testing.T) {
			e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

			r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(n))
			if err != nil {
				t.Fatal(err)
			}

			if r.Len() != n {
				t.Errorf("len %d != %d", r.Len(), n)
			}

			if r.BusAddr()%4096 != 0 {
				t.Errorf("table at %#x is not 4K aligned", r.BusAddr())
			}

			for i := 0; i < n; i++ {
				if *r.Desc(i) != (igb.RxDesc{}) {
					t.Fatalf("slot %d is not zero: %x", i, *r.Desc(i))
				}
			}

			if r.State() != ring.Constructed {
				t.Errorf("state %s != constructed", r.State())
			}

			if tr := e.dev.Trace(); len(tr) != 0 {
				t.Errorf("registers touched: %v", tr)
			}
		})
	}

	t.Run("default size", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.TxDesc](igb.TxQueue(e.dev, 0), e.config(0))
		if err != nil {
			t.Fatal(err)
		}

		if r.Len() != ring.DefaultSize || r.ByteLen() != ring.DefaultSize*igb.DescSize {
			t.Errorf("len %d bytes %d", r.Len(), r.ByteLen())
		}

		if r.Role() != ring.Transmit {
			t.Errorf("role %s != tx", r.Role())
		}
	})

	t.Run("no memory", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1024, sim.Options{})

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(256))
		if r != nil {
			t.Fatalf("ring is present: %v", r)
		}

		if !errors.Is(err, ring.ErrNoMemory) {
			t.Errorf("error isn't ErrNoMemory: %v", err)
		}

		if !errors.Is(err, dma.ErrNoMemory) {
			t.Errorf("error doesn't wrap dma.ErrNoMemory: %v", err)
		}

		if n := e.arena.InUse(); n != 0 {
			t.Errorf("%d allocations leaked", n)
		}
	})

	badConfigs := map[string]func(*ring.Config){
		"negative size":        func(c *ring.Config) { c.Size = -1 },
		"odd buffer size":      func(c *ring.Config) { c.BufferSize = 1000 },
		"huge buffer size":     func(c *ring.Config) { c.BufferSize = 128 << 10 },
		"negative buffer size": func(c *ring.Config) { c.BufferSize = -1024 },
		"missing allocator":    func(c *ring.Config) { c.Alloc = nil },
		"missing enable bit":   func(c *ring.Config) { c.Layout.Enable = 0 },
		"negative poll reads":  func(c *ring.Config) { c.Poll.MaxAttempts = -1 },
		"negative poll time":   func(c *ring.Config) { c.Poll.Interval = -time.Millisecond },
	}

	for name, mod := range badConfigs {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

			cfg := e.config(8)
			mod(&cfg)

			if _, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), cfg); !errors.Is(err, ring.ErrConfig) {
				t.Errorf("error isn't ErrConfig: %v", err)
			}
		})
	}

	t.Run("descriptor without a role", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		if _, err := ring.New[noRole](igb.RxQueue(e.dev, 0), e.config(8)); !errors.Is(err, ring.ErrConfig) {
			t.Errorf("error isn't ErrConfig: %v", err)
		}
	})
}

type noRole [16]byte

func (*noRole) SetAddr(uint64)       {}
func (*noRole) Role() (r ring.Role) { return }

func TestInit(t *testing.T) {
	t.Run("distinct buffers", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(64))
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		seen := map[uint64]int{}
		for i := 0; i < r.Len(); i++ {
			addr := r.Desc(i).Addr()
			if addr == 0 {
				t.Fatalf("slot %d has no buffer", i)
			}

			if addr != r.Buffer(i).BusAddr() {
				t.Errorf("slot %d: addr %#x != buffer %#x", i, addr, r.Buffer(i).BusAddr())
			}

			if j, ok := seen[addr]; ok {
				t.Errorf("slots %d and %d share %#x", j, i, addr)
			}

			seen[addr] = i
		}

		if n := e.arena.InUse(); n != 65 {
			t.Errorf("in use %d != 65", n)
		}

		if r.State() != ring.Enabled {
			t.Errorf("state %s != enabled", r.State())
		}

		if !e.dev.Enabled(ring.Receive, 0) {
			t.Errorf("device didn't enable the queue: %v", e.dev.Faults())
		}
	})

	t.Run("slot events", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.TxDesc](igb.TxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		recs := e.log.records("slot bound")
		if len(recs) != 8 {
			t.Fatalf("%d slot events != 8", len(recs))
		}

		for i, rec := range recs {
			if rec.Attrs["slot"] != int64(i) || rec.Attrs["role"] != ring.Transmit {
				t.Errorf("event %d: %v", i, rec.Attrs)
			}

			if rec.Attrs["addr"] != r.Buffer(i).BusAddr() {
				t.Errorf("event %d: addr %v != %#x", i, rec.Attrs["addr"], r.Buffer(i).BusAddr())
			}
		}
	})

	t.Run("rx register sequence", func(t *testing.T) {
		e := newEnv(t, 0x1_2340_0000, 1<<20, sim.Options{AckAfter: 3})
		e.dev.Preset(rxOff(igb.RegSRRCTL), 0x0200_0002)

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		if r.BusAddr() != 0x1_2340_0000 {
			t.Fatalf("table at %#x", r.BusAddr())
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		want := []sim.Access{
			{Off: rxOff(igb.RegBAL), Val: 0x2340_0000, Write: true},
			{Off: rxOff(igb.RegBAH), Val: 0x1, Write: true},
			{Off: rxOff(igb.RegLEN), Val: 128, Write: true},
			{Off: rxOff(igb.RegSRRCTL), Val: 0x0200_0004, Write: true},
			{Off: rxOff(igb.RegDCTL), Val: igb.DCTLEnable, Write: true},
		}

		if diff := cmp.Diff(want, e.dev.Writes()); diff != "" {
			t.Errorf("writes (-want +got):\n%s", diff)
		}

		// one read for the read-modify-write, three unacknowledged polls, one ack
		if n := e.dev.Reads(rxOff(igb.RegDCTL)); n != 5 {
			t.Errorf("DCTL reads %d != 5", n)
		}

		if e.clk.sleeps != 3 {
			t.Errorf("sleeps %d != 3", e.clk.sleeps)
		}
	})

	t.Run("tx register sequence", func(t *testing.T) {
		e := newEnv(t, 0x2_0000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.TxDesc](igb.TxQueue(e.dev, 0), e.config(16))
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		want := []sim.Access{
			{Off: txOff(igb.RegBAL), Val: 0, Write: true},
			{Off: txOff(igb.RegBAH), Val: 0x2, Write: true},
			{Off: txOff(igb.RegLEN), Val: 256, Write: true},
			{Off: txOff(igb.RegDCTL), Val: igb.DCTLEnable, Write: true},
		}

		if diff := cmp.Diff(want, e.dev.Writes()); diff != "" {
			t.Errorf("writes (-want +got):\n%s", diff)
		}

		if !e.dev.Enabled(ring.Transmit, 0) {
			t.Errorf("device didn't enable the queue: %v", e.dev.Faults())
		}
	})

	t.Run("length truncated", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(3))
		if err != nil {
			t.Fatal(err)
		}

		if r.ByteLen() != 32 {
			t.Errorf("byte len %d != 32", r.ByteLen())
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		if v := e.dev.Reg(rxOff(igb.RegLEN)); v != 32 {
			t.Errorf("LEN %d != 32", v)
		}

		if len(e.log.records("ring length truncated")) != 1 {
			t.Error("no truncation warning")
		}
	})

	t.Run("timed out", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{Stuck: true})
		start := e.clk.Now()

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		err = r.Init()
		if !errors.Is(err, ring.ErrTimedOut) {
			t.Fatalf("error isn't ErrTimedOut: %v", err)
		}

		if !errors.Is(err, regs.ErrTimedOut) {
			t.Errorf("error doesn't wrap regs.ErrTimedOut: %v", err)
		}

		// the read-modify-write, then 1000 polls
		if n := e.dev.Reads(rxOff(igb.RegDCTL)); n != 1001 {
			t.Errorf("DCTL reads %d != 1001", n)
		}

		if elapsed := e.clk.Since(start); elapsed != time.Second {
			t.Errorf("elapsed %v != 1s", elapsed)
		}

		if r.State() != ring.Bound {
			t.Errorf("state %s != bound", r.State())
		}

		if len(e.log.records("queue enable not acknowledged")) != 1 {
			t.Error("timeout not logged")
		}

		t.Run("retry", func(t *testing.T) {
			e.dev.SetStuck(false)

			if err := r.Init(); err != nil {
				t.Fatal(err)
			}

			if r.State() != ring.Enabled {
				t.Errorf("state %s != enabled", r.State())
			}

			if f := e.dev.Faults(); len(f) != 0 {
				t.Errorf("faults: %v", f)
			}
		})
	})

	t.Run("poll interval without attempts", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{Stuck: true})
		start := e.clk.Now()

		cfg := e.config(8)
		cfg.Poll.Interval = 2 * time.Millisecond

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), cfg)
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); !errors.Is(err, ring.ErrTimedOut) {
			t.Fatalf("error isn't ErrTimedOut: %v", err)
		}

		if n := e.dev.Reads(rxOff(igb.RegDCTL)); n != 1001 {
			t.Errorf("DCTL reads %d != 1001", n)
		}

		if e.clk.sleeps != 1000 {
			t.Errorf("sleeps %d != 1000", e.clk.sleeps)
		}

		if elapsed := e.clk.Since(start); elapsed != 2*time.Second {
			t.Errorf("elapsed %v != 2s", elapsed)
		}
	})

	t.Run("poll attempts without interval", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{Stuck: true})
		start := e.clk.Now()

		cfg := e.config(8)
		cfg.Poll.MaxAttempts = 5

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), cfg)
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); !errors.Is(err, ring.ErrTimedOut) {
			t.Fatalf("error isn't ErrTimedOut: %v", err)
		}

		// the read-modify-write, then 5 polls
		if n := e.dev.Reads(rxOff(igb.RegDCTL)); n != 6 {
			t.Errorf("DCTL reads %d != 6", n)
		}

		if elapsed := e.clk.Since(start); elapsed != 5*time.Millisecond {
			t.Errorf("elapsed %v != 5ms", elapsed)
		}
	})

	t.Run("no memory for a buffer", func(t *testing.T) {
		// the table and three buffers fit
		e := newEnv(t, 0x1000_0000, 4*4096, sim.Options{})

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		err = r.Init()
		if !errors.Is(err, ring.ErrNoMemory) {
			t.Fatalf("error isn't ErrNoMemory: %v", err)
		}

		if n := e.arena.InUse(); n != 1 {
			t.Errorf("in use %d != 1 (the table)", n)
		}

		for i := 0; i < r.Len(); i++ {
			if r.Buffer(i) != nil || r.Desc(i).Addr() != 0 {
				t.Errorf("slot %d still bound", i)
			}
		}

		if r.State() != ring.Constructed {
			t.Errorf("state %s != constructed", r.State())
		}

		if w := e.dev.Writes(); len(w) != 0 {
			t.Errorf("registers written: %v", w)
		}
	})

	t.Run("twice", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); !errors.Is(err, ring.ErrState) {
			t.Errorf("error isn't ErrState: %v", err)
		}
	})
}

func TestClose(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		if err := r.Close(); err != nil {
			t.Fatal(err)
		}

		if e.dev.Enabled(ring.Receive, 0) {
			t.Error("queue is still enabled")
		}

		if n := e.arena.InUse(); n != 0 {
			t.Errorf("%d allocations leaked", n)
		}

		if r.State() != ring.Closed {
			t.Errorf("state %s != closed", r.State())
		}

		if err := r.Close(); err != nil {
			t.Errorf("second close: %v", err)
		}

		if err := r.Init(); !errors.Is(err, ring.ErrState) {
			t.Errorf("error isn't ErrState: %v", err)
		}
	})

	t.Run("disable not acknowledged", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{Wedged: true})

		r, err := ring.New[igb.RxDesc](igb.RxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Init(); err != nil {
			t.Fatal(err)
		}

		if err := r.Close(); !errors.Is(err, ring.ErrTimedOut) {
			t.Fatalf("error isn't ErrTimedOut: %v", err)
		}

		if n := e.arena.InUse(); n != 9 {
			t.Errorf("in use %d != 9 (the table and 8 buffers)", n)
		}

		if r.State() != ring.Enabled || r.Buffer(0) == nil || r.Desc(0).Addr() == 0 {
			t.Errorf("ring released while the device owns it: state %s", r.State())
		}

		if len(e.log.records("queue disable not acknowledged")) != 1 {
			t.Error("disable timeout not logged")
		}

		t.Run("retry", func(t *testing.T) {
			e.dev.SetWedged(false)

			if err := r.Close(); err != nil {
				t.Fatal(err)
			}

			if n := e.arena.InUse(); n != 0 {
				t.Errorf("%d allocations leaked", n)
			}

			if r.State() != ring.Closed {
				t.Errorf("state %s != closed", r.State())
			}
		})
	})

	t.Run("constructed", func(t *testing.T) {
		e := newEnv(t, 0x1000_0000, 1<<20, sim.Options{})

		r, err := ring.New[igb.TxDesc](igb.TxQueue(e.dev, 0), e.config(8))
		if err != nil {
			t.Fatal(err)
		}

		if err := r.Close(); err != nil {
			t.Fatal(err)
		}

		if n := e.arena.InUse(); n != 0 {
			t.Errorf("%d allocations leaked", n)
		}

		if w := e.dev.Writes(); len(w) != 0 {
			t.Errorf("registers written: %v", w)
		}
	})
}
