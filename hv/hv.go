// Package hv assembles the engine: one shared frame pool, host identity
// paging, the translation tree with its hook set, and a stealth layer per
// core, driven by one vcpu per logical processor. Install brings every
// core into root operation before any loop starts, so no guest entry can
// observe a half-built engine; Uninstall joins the loops and verifies
// every core unwound. The engine itself answers the guest channel.
package hv

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tigr0w/illusion/ept"
	"github.com/tigr0w/illusion/memory"
	"github.com/tigr0w/illusion/stealth"
	"github.com/tigr0w/illusion/vcpu"
	"github.com/tigr0w/illusion/vmx"
)

var hvLogger = logrus.WithField("source", "hv")

// SetLogger redirects this package's log output.
func SetLogger(logger *logrus.Entry) {
	fields := hvLogger.Data
	hvLogger = logger.WithFields(fields)
}

// ErrPhase is an operation attempted from the wrong engine phase.
var ErrPhase = errors.New("wrong engine phase")

type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phaseDown
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseRunning:
		return "running"
	case phaseDown:
		return "down"
	default:
		return fmt.Sprintf("phase %d", int(p))
	}
}

// defaultReserve backs table and shadow frames when the caller does not
// size the reserve explicitly.
const defaultReserve = 2 << 20

// CoreSource yields the hardware handle and the interrupted register
// context for one logical processor. The engine passes its pool so
// software backends can share the frame arena; hardware-backed sources
// ignore it.
type CoreSource func(core int, pool *memory.Pool) (vmx.Hardware, vmx.Regs, error)

// Config sizes the engine and selects the presentation guests see.
type Config struct {
	// Cores is the number of logical processors to take over.
	Cores int

	// MemorySpan is the guest-visible identity span in bytes.
	MemorySpan int

	// Reserve sizes the frame reserve behind the guest span; zero picks
	// the default.
	Reserve int

	// Stealth configures identification and register filtering. Every
	// core gets its own layer over this one config: the syscall-entry
	// shadow is per-core state.
	Stealth stealth.Config

	// Affinity pins each core's loop to the matching CPU.
	Affinity bool

	// Source provides per-core hardware access.
	Source CoreSource
}

// Hypervisor owns the engine singletons and its cores.
type Hypervisor struct {
	cfg    Config
	pool   *memory.Pool
	paging *memory.PageTable
	tree   *ept.Tree
	hooks  *ept.HookSet
	cores  []*vcpu.Vcpu

	mu    sync.Mutex
	phase phase
	group *errgroup.Group

	// ready closes once every core is loaded; nothing reads the
	// singletons before that point and nothing rebuilds them after.
	ready chan struct{}

	unwound uint64
}

// New builds the singletons and prepares one vcpu per core. Hardware is
// untouched until Install.
func New(cfg Config) (*Hypervisor, error) {
	if cfg.Cores < 1 {
		return nil, fmt.Errorf("engine needs at least one core, got %d", cfg.Cores)
	}

	if cfg.MemorySpan <= 0 {
		return nil, fmt.Errorf("memory span %d", cfg.MemorySpan)
	}

	if cfg.Source == nil {
		return nil, errors.New("engine needs a core source")
	}

	reserve := cfg.Reserve
	if reserve == 0 {
		reserve = defaultReserve
	}

	pool, err := memory.NewPool(cfg.MemorySpan+reserve, reserve)
	if err != nil {
		return nil, err
	}

	h := &Hypervisor{
		cfg:   cfg,
		pool:  pool,
		ready: make(chan struct{}),
	}

	if h.paging, err = memory.NewPageTable(pool); err != nil {
		return nil, h.release(err)
	}

	if h.tree, err = ept.New(pool); err != nil {
		return nil, h.release(err)
	}

	h.hooks = ept.NewHookSet(h.tree, pool)

	for i := 0; i < cfg.Cores; i++ {
		hw, regs, err := cfg.Source(i, pool)
		if err != nil {
			return nil, h.release(fmt.Errorf("core %d source: %w", i, err))
		}

		layer, err := stealth.New(cfg.Stealth, hw)
		if err != nil {
			return nil, h.release(err)
		}

		v, err := vcpu.New(vcpu.Config{
			Hardware: hw,
			Pool:     pool,
			Tree:     h.tree,
			Paging:   h.paging,
			Stealth:  layer,
			Hooks:    h.hooks,
			Backend:  h,
			Entry:    regs,
		})
		if err != nil {
			return nil, h.release(err)
		}

		h.cores = append(h.cores, v)
	}

	return h, nil
}

// release retires a half-built or failed engine, returning the error
// that caused it.
func (h *Hypervisor) release(err error) error {
	if closeErr := h.pool.Close(); closeErr != nil {
		hvLogger.WithError(closeErr).Error("pool release failed")
	}

	return err
}

// Install brings the cores up one at a time, then starts every dispatch
// loop. Serial bring-up means a refusal on any core surfaces before a
// single guest entry has happened; a failure unwinds the cores already
// up and retires the engine.
func (h *Hypervisor) Install() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.phase != phaseIdle {
		return fmt.Errorf("%w: install from %s", ErrPhase, h.phase)
	}

	for i, v := range h.cores {
		if err := v.BringUp(); err != nil {
			for _, up := range h.cores[:i] {
				if downErr := up.TearDown(); downErr != nil {
					hvLogger.WithError(downErr).Error("unwind after failed install")
				}
			}

			h.phase = phaseDown

			return h.release(fmt.Errorf("core %d: %w", i, err))
		}
	}

	close(h.ready)

	h.group = new(errgroup.Group)

	for _, v := range h.cores {
		v := v
		h.group.Go(func() error {
			if h.cfg.Affinity {
				// The lock keeps the affinity call and the loop on one
				// thread; the loop adds its own pin on top.
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()

				if err := pinThread(v.ID()); err != nil {
					if downErr := v.TearDown(); downErr != nil {
						hvLogger.WithError(downErr).Error("unwind after failed pin")
					}

					return fmt.Errorf("core %d affinity: %w", v.ID(), err)
				}
			}

			return v.Loop()
		})
	}

	h.phase = phaseRunning
	hvLogger.WithField("cores", len(h.cores)).Info("engine installed")

	return nil
}

func pinThread(core int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(core)

	return unix.SchedSetaffinity(0, &set)
}

// Uninstall waits for every loop to return, verifies the cores unwound,
// lifts any hooks still installed and releases the pool. The loops end on
// the guest side: each core leaves through a terminate call on the
// channel, so Uninstall blocks until the guests have let go.
func (h *Hypervisor) Uninstall() error {
	h.mu.Lock()

	if h.phase != phaseRunning {
		h.mu.Unlock()

		return fmt.Errorf("%w: uninstall from %s", ErrPhase, h.phase)
	}

	group := h.group
	h.mu.Unlock()

	err := group.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.phase = phaseDown

	for _, v := range h.cores {
		if state := v.State(); state != vcpu.StateDisabled {
			if err == nil {
				err = fmt.Errorf("%w: core %d still %s", ErrPhase, v.ID(), state)
			}

			hvLogger.WithFields(logrus.Fields{
				"core":  v.ID(),
				"state": state.String(),
			}).Error("core survived uninstall")
		}
	}

	if hookErr := h.hooks.RemoveAll(); hookErr != nil && err == nil {
		err = hookErr
	}

	if closeErr := h.pool.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	hvLogger.WithField("unwound", atomic.LoadUint64(&h.unwound)).Info("engine uninstalled")

	return err
}

// CoreStatus is one core's place in the lifecycle.
type CoreStatus struct {
	ID    int
	State string
	Exits uint64
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	// Ready reports that every core reached the loaded state and the
	// loops were released.
	Ready bool

	Cores []CoreStatus

	// Exits sums the dispatch counters across cores.
	Exits uint64

	Hooks ept.HookStats

	// Unwound counts terminate requests served on the channel.
	Unwound uint64
}

// Status aggregates live counters. It is safe to call at any time from
// any goroutine.
func (h *Hypervisor) Status() Status {
	s := Status{
		Hooks:   h.hooks.Stats(),
		Unwound: atomic.LoadUint64(&h.unwound),
	}

	select {
	case <-h.ready:
		s.Ready = true
	default:
	}

	for _, v := range h.cores {
		total := v.Stats().Total
		s.Cores = append(s.Cores, CoreStatus{
			ID:    v.ID(),
			State: v.State().String(),
			Exits: total,
		})
		s.Exits += total
	}

	return s
}
