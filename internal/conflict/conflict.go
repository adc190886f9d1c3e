// Package conflict prevents duplicate native capture processes from racing
// for the same device.
//
// App restarts can strand a capture subprocess; two producers holding one
// device yields broken audio on both. The supervisor enumerates processes
// matching the capture binary's identity, keeps the most recently started
// one (or any process belonging to the current in-flight session), and
// terminates the rest with a SIGTERM then SIGKILL escalation.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// procInfo is the slice of process state the supervisor decides on.
type procInfo struct {
	PID        int32
	Name       string
	CreateTime int64 // unix milliseconds
}

// processAPI abstracts process enumeration and signalling so the reconcile
// logic can be exercised without touching real processes.
type processAPI interface {
	List(ctx context.Context) ([]procInfo, error)
	Terminate(pid int32) error
	Kill(pid int32) error
	Running(pid int32) bool
}

// gopsutilAPI is the real implementation.
type gopsutilAPI struct{}

func (gopsutilAPI) List(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("conflict: enumerate processes: %w", err)
	}
	out := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process vanished mid-scan
		}
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, procInfo{PID: p.Pid, Name: name, CreateTime: created})
	}
	return out, nil
}

func (gopsutilAPI) Terminate(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Terminate()
}

func (gopsutilAPI) Kill(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func (gopsutilAPI) Running(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// Report describes the outcome of one reconcile pass.
type Report struct {
	// Kept is the surviving capture process, 0 when none matched.
	Kept int32 `json:"kept"`

	// Terminated lists the PIDs that were told to exit.
	Terminated []int32 `json:"terminated"`
}

// Conflicted reports whether any duplicates were found.
func (r Report) Conflicted() bool { return len(r.Terminated) > 0 }

// Config holds supervisor settings.
type Config struct {
	// BinaryName matches against process names as the OS reports them.
	BinaryName string

	// Grace is how long to wait after SIGTERM before SIGKILL. Default: 2s.
	Grace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
}

// Supervisor reconciles duplicate capture processes. Safe to call with zero
// or one match (no-op).
type Supervisor struct {
	cfg Config
	api processAPI

	selfPID int32

	// protected is consulted per reconcile so an in-flight session's own
	// producer is never killed, regardless of age.
	protected func() []int32
}

// NewSupervisor creates a Supervisor. protected may be nil; when set it
// returns producer PIDs belonging to the current session.
func NewSupervisor(cfg Config, protected func() []int32) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:       cfg,
		api:       gopsutilAPI{},
		selfPID:   int32(os.Getpid()),
		protected: protected,
	}
}

// Reconcile enumerates matching processes and terminates duplicates. It runs
// once at startup (mandatory) and may be re-run periodically.
func (s *Supervisor) Reconcile(ctx context.Context) (Report, error) {
	procs, err := s.api.List(ctx)
	if err != nil {
		return Report{}, err
	}

	var protected []int32
	if s.protected != nil {
		protected = s.protected()
	}
	kept, doomed := plan(procs, s.cfg.BinaryName, s.selfPID, protected)

	report := Report{Kept: kept}
	for _, pid := range doomed {
		s.terminate(pid)
		report.Terminated = append(report.Terminated, pid)
	}
	if report.Conflicted() {
		slog.Warn("conflict: terminated duplicate capture processes",
			"binary", s.cfg.BinaryName,
			"kept", report.Kept,
			"terminated", report.Terminated,
		)
	}
	return report, nil
}

// terminate asks politely, waits out the grace period, then forces the
// issue.
func (s *Supervisor) terminate(pid int32) {
	if err := s.api.Terminate(pid); err != nil {
		slog.Debug("conflict: terminate failed", "pid", pid, "error", err)
	}

	deadline := time.Now().Add(s.cfg.Grace)
	for time.Now().Before(deadline) {
		if !s.api.Running(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	slog.Warn("conflict: process ignored SIGTERM, killing", "pid", pid)
	_ = s.api.Kill(pid)
}

// plan is the pure kill decision: among processes named binaryName —
// excluding the supervisor itself and any protected session PIDs — keep the
// most recently started one and doom the rest. Protected PIDs always
// survive; when any exist, every unprotected match is a duplicate.
func plan(procs []procInfo, binaryName string, selfPID int32, protected []int32) (kept int32, doomed []int32) {
	isProtected := make(map[int32]bool, len(protected))
	for _, pid := range protected {
		isProtected[pid] = true
	}

	var candidates []procInfo
	for _, p := range procs {
		if p.Name != binaryName || p.PID == selfPID {
			continue
		}
		if isProtected[p.PID] {
			kept = p.PID
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return kept, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreateTime > candidates[j].CreateTime
	})
	if kept == 0 {
		kept = candidates[0].PID
		candidates = candidates[1:]
	}
	for _, p := range candidates {
		doomed = append(doomed, p.PID)
	}
	return kept, doomed
}
