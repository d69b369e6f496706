// Package memguard hardens the process against memory-disclosure at the
// OS boundary and provides a shutdown-time wipe registry for every
// secret-bearing buffer the worker allocates.
//
// None of this is load-bearing for correctness: a platform that refuses
// one of these hardening steps (a locked-down container without
// CAP_SYS_RESOURCE, say) still serves requests. Guard never causes a
// request to fail; it only narrows the window an attacker with host
// access would have.
package memguard

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sev-custody/enclaveworker/infrastructure/logging"
)

const ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// Diagnostics is the one-shot report Guard.Start produces.
type Diagnostics struct {
	CoreDumpsDisabled   bool
	PtraceRestricted    bool
	PtraceScopeValue    int
	MemoryLockAvailable bool
	TotalMemoryBytes    uint64
	AvailableBytes      uint64
}

// Guard owns the set of secret buffers registered for shutdown wipe and
// the signal handler that triggers the wipe.
type Guard struct {
	logger *logging.Logger

	mu      sync.Mutex
	buffers [][]byte
	wiped   bool
}

// New constructs a Guard. Call Start once at process startup.
func New(logger *logging.Logger) *Guard {
	return &Guard{logger: logger}
}

// Start performs the one-shot hardening steps and registers the
// termination hooks. It never returns an error: every step degrades to a
// logged warning on failure.
func (g *Guard) Start(ctx context.Context) Diagnostics {
	diag := Diagnostics{}

	if err := disableCoreDumps(); err != nil {
		g.logger.Warn(ctx, "could not disable core dumps", map[string]any{"error": err.Error()})
	} else {
		diag.CoreDumpsDisabled = true
	}

	scope, err := readPtraceScope()
	if err != nil {
		g.logger.Warn(ctx, "could not read ptrace_scope", map[string]any{"error": err.Error()})
	} else {
		diag.PtraceScopeValue = scope
		diag.PtraceRestricted = scope >= 2
	}

	diag.MemoryLockAvailable = probeMemoryLock()

	if vm, err := mem.VirtualMemory(); err == nil {
		diag.TotalMemoryBytes = vm.Total
		diag.AvailableBytes = vm.Available
	} else {
		g.logger.Warn(ctx, "could not read host memory stats", map[string]any{"error": err.Error()})
	}

	g.logger.Info(ctx, "memory guard started", map[string]any{
		"core_dumps_disabled":  diag.CoreDumpsDisabled,
		"ptrace_restricted":    diag.PtraceRestricted,
		"mlock_available":      diag.MemoryLockAvailable,
		"total_memory_bytes":   diag.TotalMemoryBytes,
		"available_bytes":      diag.AvailableBytes,
	})

	g.installSignalHandlers(ctx)
	return diag
}

// Register tracks buf so WipeAll overwrites it on shutdown.
// The caller retains ownership; memguard never reads or resizes buf.
func (g *Guard) Register(buf []byte) {
	if len(buf) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buffers = append(g.buffers, buf)
}

// WipeAll overwrites every registered buffer with random bytes, then
// zeros, and unsets the master-key environment variable. Safe to call
// more than once; subsequent calls are no-ops.
func (g *Guard) WipeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wiped {
		return
	}
	for _, buf := range g.buffers {
		_, _ = rand.Read(buf)
		for i := range buf {
			buf[i] = 0
		}
	}
	g.buffers = nil
	os.Unsetenv("MASTER_KEY")
	g.wiped = true
}

func (g *Guard) installSignalHandlers(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		g.logger.Info(ctx, "memory guard wiping secrets on termination signal", nil)
		g.WipeAll()
	}()
}

func disableCoreDumps() error {
	limit := &syscall.Rlimit{Cur: 0, Max: 0}
	return syscall.Setrlimit(syscall.RLIMIT_CORE, limit)
}

func readPtraceScope() (int, error) {
	data, err := os.ReadFile(ptraceScopePath)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return value, nil
}

// probeMemoryLock attempts to mlock a throwaway page. Most containerized
// deployments lack CAP_IPC_LOCK, so failure here is expected and
// non-fatal; it is recorded for the startup diagnostic line only.
func probeMemoryLock() bool {
	probe := make([]byte, os.Getpagesize())
	err := syscall.Mlock(probe)
	if err == nil {
		_ = syscall.Munlock(probe)
		return true
	}
	return false
}
