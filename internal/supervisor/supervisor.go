// Package supervisor implements the Process Supervisor Probe: it reads
// pidfiles written by externally-started bot processes, reports their
// runtime state, and drives the SIGTERM/SIGKILL stop escalation used by the
// façade's stopService operation.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v3/process"
)

const (
	RuntimeRunning = "PROCESS_RUNNING"
	RuntimeStopped = "PROCESS_STOPPED"
)

const (
	stopPollInterval  = 120 * time.Millisecond
	stopSoftDeadline  = 3 * time.Second
	killPollDeadline  = 1 * time.Second
)

// serviceByBot maps a bot's process name onto the supervisor's notion of a
// service, for runtime annotation only.
var serviceByBot = map[string]string{
	"sports-agent":  "sports-agent",
	"weather-bot":   "weather",
	"arbitrage-bot": "arbitrage",
	"llm-rules-bot": "llm-workflow",
}

// ServiceName resolves a bot's tag to its supervised service name, falling
// back to the bot tag itself when it is not one of the four known bots.
func ServiceName(bot string) string {
	if svc, ok := serviceByBot[bot]; ok {
		return svc
	}
	return bot
}

// Probe reads pidfiles from dir, one per service, named "<service>.pid".
type Probe struct {
	dir string
}

// NewProbe builds a Probe rooted at dir (OBS_SUPERVISOR_DIR).
func NewProbe(dir string) *Probe {
	return &Probe{dir: dir}
}

func (p *Probe) pidFilePath(service string) string {
	return filepath.Join(p.dir, service+".pid")
}

// readPID reads and validates service's pidfile, removing it if its
// contents are missing or do not name a plausible pid (<=1).
func (p *Probe) readPID(service string) (int, bool) {
	path := p.pidFilePath(service)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		os.Remove(path)
		return 0, false
	}
	return pid, true
}

func (p *Probe) removePIDFile(service string) {
	os.Remove(p.pidFilePath(service))
}

func signal0Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// RuntimeState reports whether service's managed process is alive. A
// signal-0 probe establishes liveness, and the pid must also be present in
// the OS process table. The process's identity (name, start time) is not
// checked, so a pid recycled by an unrelated process reads as running.
func (p *Probe) RuntimeState(service string) string {
	pid, ok := p.readPID(service)
	if !ok {
		return RuntimeStopped
	}
	if !signal0Alive(pid) {
		return RuntimeStopped
	}
	if exists, err := gopsutilprocess.PidExists(int32(pid)); err == nil && !exists {
		return RuntimeStopped
	}
	return RuntimeRunning
}

// StopResult describes the outcome of Stop.
type StopResult struct {
	PID            int  `json:"pid,omitempty"`
	Forced         bool `json:"forced"`
	AlreadyStopped bool `json:"alreadyStopped"`
}

// Stop reads service's pidfile and drives SIGTERM -> poll -> SIGKILL ->
// poll escalation per spec.md §4.8. It is idempotent: a missing or invalid
// pidfile is reported as an already-stopped success, not an error.
func (p *Probe) Stop(service string) (*StopResult, error) {
	pid, ok := p.readPID(service)
	if !ok {
		return &StopResult{AlreadyStopped: true}, nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			p.removePIDFile(service)
			return &StopResult{PID: pid, AlreadyStopped: true}, nil
		}
		return nil, err
	}

	if !p.pollUntilDead(pid, stopSoftDeadline) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return nil, err
		}
		if !p.pollUntilDead(pid, killPollDeadline) {
			return nil, fmt.Errorf("process %d did not terminate after SIGTERM and SIGKILL", pid)
		}
		p.removePIDFile(service)
		return &StopResult{PID: pid, Forced: true}, nil
	}

	p.removePIDFile(service)
	return &StopResult{PID: pid}, nil
}

func (p *Probe) pollUntilDead(pid int, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for {
		if !signal0Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return !signal0Alive(pid)
		}
		time.Sleep(stopPollInterval)
	}
}
