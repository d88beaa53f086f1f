// Package ptrace is the Ptrace Gateway (component C2): the only code
// in the tree that issues PTRACE_* requests directly. Every other
// package that needs to touch the kernel's view of a task goes
// through here.
package ptrace

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/task"
)

// ResumeHow selects how a resume advances the tracee.
type ResumeHow int

const (
	ResumeCont ResumeHow = iota
	ResumeSyscall
	ResumeSingleStep
	ResumeSysemu
	ResumeSysemuSingleStep
)

// WaitMode selects whether Resume blocks for the resulting stop.
type WaitMode int

const (
	DontWait WaitMode = iota
	Wait
)

// TickBudget selects whether Resume enables the performance counter
// (finite N or unlimited) or leaves it disabled. N itself is not
// programmed into the counter: no overflow is set up, so the tracee is
// not interrupted after N ticks.
type TickBudget struct {
	kind  tickKind
	ticks uint64
}

type tickKind int

const (
	tickNone tickKind = iota
	tickUnlimited
	tickFinite
)

var NoTickBudget = TickBudget{kind: tickNone}
var UnlimitedTicks = TickBudget{kind: tickUnlimited}

// FiniteTicks clamps n to at least 1, per §4.1.
func FiniteTicks(n uint64) TickBudget {
	if n < 1 {
		n = 1
	}
	return TickBudget{kind: tickFinite, ticks: n}
}

const unlimitedTickSentinel = ^uint64(0) >> 1

// Gateway mediates all ptrace interactions for one Task.
type Gateway struct {
	t *task.Task

	// recording selects recording-only behaviors: the SIGKILL/EXIT
	// race poll before resume, and the real-timer wait(interrupt_after).
	recording bool

	sentInterrupt bool

	perfCounter perfCounter
}

// New wraps t in a Gateway. recording selects the recording-only
// behaviors described in §4.1/§4.2.
func New(t *task.Task, recording bool) *Gateway {
	return &Gateway{t: t, recording: recording}
}

// Recording reports whether this Gateway was constructed in recording
// mode, for collaborators (e.g. lifecycle's clone-into-trace) that
// need to build another Gateway with matching behavior.
func (g *Gateway) Recording() bool { return g.recording }

// Resume kicks the tracee (§4.1). It flips IsStopped false,
// invalidates the extended-register cache, and — when wantWait is
// Wait — blocks for the resulting stop via Wait.
func (g *Gateway) Resume(how ResumeHow, wantWait WaitMode, budget TickBudget, injectedSignal int) error {
	t := g.t

	// Arm/disarm the performance counter before continuing.
	g.perfCounter.setDebugStatusZero(t.Tid)
	switch budget.kind {
	case tickFinite:
		g.perfCounter.arm(budget.ticks)
	case tickUnlimited:
		g.perfCounter.arm(unlimitedTickSentinel)
	case tickNone:
		g.perfCounter.disarm()
	}

	if g.recording {
		// Detect the SIGKILL-then-EVENT_EXIT race: the tracee may
		// already have advanced past where we think it is.
		if status, ok, err := g.nonBlockingWait(); err != nil {
			return err
		} else if ok && status.Exited() {
			t.SeenExitEvent = true
			return ErrTaskDied
		}
	}

	request := ptraceRequestFor(how)
	t.LastResumeWasSingleStep = how == ResumeSingleStep || how == ResumeSysemuSingleStep
	t.LastResumeIP = t.Regs().IP()
	t.LastResumeOrigSyscallNo = t.Regs().OrigSyscallNo()

	t.InvalidateRegs()
	t.InvalidateExtraRegs()

	_, err := ptraceIfAlive(request, t.Tid, 0, uintptr(injectedSignal))
	if err != nil {
		if err == ErrTaskDied {
			t.SeenExitEvent = true
		}
		return err
	}

	if wantWait == Wait {
		return g.Wait(0)
	}
	return nil
}

func ptraceRequestFor(how ResumeHow) int {
	switch how {
	case ResumeSyscall:
		return unix.PTRACE_SYSCALL
	case ResumeSingleStep:
		return unix.PTRACE_SINGLESTEP
	case ResumeSysemu:
		return ptraceSysemu
	case ResumeSysemuSingleStep:
		return ptraceSysemuSinglestep
	default:
		return unix.PTRACE_CONT
	}
}

const (
	ptraceSysemu           = 31 // PTRACE_SYSEMU
	ptraceSysemuSinglestep = 32 // PTRACE_SYSEMU_SINGLESTEP
	ptraceInterrupt        = 0x4207
)

// nonBlockingWait is the WNOHANG probe resume() issues during
// recording to catch a tracee that raced ahead to PTRACE_EVENT_EXIT.
func (g *Gateway) nonBlockingWait() (unix.WaitStatus, bool, error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(g.t.Tid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return ws, false, nil
	}
	return ws, pid == g.t.Tid, nil
}

// Wait blocks until t stops (§4.1). interruptAfter, recording-only,
// arms a one-shot timer; a non-positive value disables it.
//
// The source arms a real POSIX timer delivering SIGALRM to break out
// of a blocking waitpid() via EINTR, with a handler carrying no
// SA_RESTART. A Go goroutine blocked in a syscall does not observe
// raw EINTR the same way — the runtime retries interrupted syscalls
// transparently — so the idiomatic equivalent here is a timer
// goroutine racing the wait on a channel; the outcome (wait returns
// early, we fall back to the zombie check and PTRACE_INTERRUPT) is
// the same. On a signal-interrupted wait it falls back to checking
// the thread group's /proc/<tgid>/status for zombie state, then to
// PTRACE_INTERRUPT once (debounced by ExpectingPtraceInterruptStop).
func (g *Gateway) Wait(interruptAfter time.Duration) error {
	t := g.t

	var timer *time.Timer
	alarmCh := make(chan struct{}, 1)
	if g.recording && interruptAfter > 0 {
		timer = time.AfterFunc(interruptAfter, func() {
			select {
			case alarmCh <- struct{}{}:
			default:
			}
		})
		defer timer.Stop()
	}

	waitDone := make(chan waitResult, 1)
	go func() {
		var ws unix.WaitStatus
		var ru unix.Rusage
		pid, err := unix.Wait4(t.Tid, &ws, 0, &ru)
		waitDone <- waitResult{pid: pid, status: ws, err: err}
	}()

	var res waitResult
	select {
	case res = <-waitDone:
	case <-alarmCh:
		// The real timer fired: check whether the group has become a
		// zombie before resorting to PTRACE_INTERRUPT.
		if isZombieGroup(t.Group.Tgid) {
			synthesizeExitEvent(t)
			return nil
		}
		if t.ExpectingPtraceInterruptStop == 0 {
			rawPtrace(ptraceInterrupt, t.Tid, 0, 0)
			t.ExpectingPtraceInterruptStop = 2
		}
		res = <-waitDone
	}

	if res.err != nil {
		if res.err == unix.ECHILD {
			synthesizeExitEvent(t)
			return nil
		}
		return res.err
	}

	return g.PostWait(res.status)
}

type waitResult struct {
	pid    int
	status unix.WaitStatus
	err    error
}

func isZombieGroup(tgid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", tgid))
	if err != nil {
		return true // the whole proc directory is gone: treat as dead
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "State:") {
			return strings.Contains(line, "Z (zombie)")
		}
	}
	return false
}

func synthesizeExitEvent(t *task.Task) {
	t.SeenExitEvent = true
	t.IsStopped = true
	t.WaitStatus = 0
}

// TryWait is the non-blocking flavor of Wait: it returns ok==false
// without touching task state if no status was collected yet.
func (g *Gateway) TryWait() (ok bool, err error) {
	var ws unix.WaitStatus
	pid, werr := unix.Wait4(g.t.Tid, &ws, unix.WNOHANG, nil)
	if werr != nil {
		return false, werr
	}
	if pid != g.t.Tid {
		return false, nil
	}
	if err := g.PostWait(ws); err != nil {
		return true, err
	}
	return true, nil
}

// PostWait interprets a collected wait status (§4.1): it reads and
// caches the register file (skipped on an EXEC event, since the arch
// may be changing out from under the old layout), reads pending
// siginfo, accumulates the tick delta, re-classifies an
// interrupt-induced group-stop as a timeslice signal, clears the
// cached single-step flag, restores original_syscallno when resuming
// back onto a breakpoint is idempotent, and finally marks the task
// stopped.
func (g *Gateway) PostWait(status unix.WaitStatus) error {
	t := g.t
	t.WaitStatus = status

	isExecEvent := status.Stopped() && status.StopSignal() == unix.SIGTRAP &&
		status.TrapCause() == unix.PTRACE_EVENT_EXEC

	if !isExecEvent {
		regs, err := ReadRegs(t.Tid, t.Arch)
		if err != nil && err != ErrTaskDied {
			return err
		}
		if err == nil {
			t.SetCachedRegs(regs)
		}
	}

	if status.Stopped() && status.StopSignal() != 0 {
		if si, err := readSiginfo(t.Tid); err == nil {
			t.SigInfo = si
		}
	}

	delta := g.perfCounter.readAndStop(t.Tid)
	t.Ticks += delta

	if status.Stopped() && isPtraceInterruptStop(t, status) {
		t.SigInfo = &task.Siginfo{Signo: int32(timeSliceSignal), Code: pollIn}
		t.ExpectingPtraceInterruptStop = 0
	} else if t.ExpectingPtraceInterruptStop > 0 {
		t.ExpectingPtraceInterruptStop--
	}

	if t.RegState() == task.RegsStopped {
		t.Regs().ClearSingleStepFlag()

		bkptLen := breakpointInsnLength
		if t.LastResumeIP != 0 && t.Regs().IP() == t.LastResumeIP+uint64(bkptLen) {
			// Idempotent resume-to-breakpoint: the kernel clobbers the
			// original-syscall-number register in the stop this trap
			// produced; restore what it held right before the resume so
			// a syscall-exit classification downstream doesn't see a
			// bogus value.
			t.Regs().SetOrigSyscallNo(t.LastResumeOrigSyscallNo)
		}
	}

	t.IsStopped = true
	return nil
}

// breakpointInsnLength is the length in bytes of the single-byte INT3
// software breakpoint instruction used on x86/x86-64.
const breakpointInsnLength = 1

const (
	timeSliceSignal = unix.SIGSTKFLT // internal signal repurposed as the synthesized timeslice-expired notification
	pollIn          = 2              // POLL_IN si_code
)

// TimeSliceSignal and PollIn are exported for the dispatch package's
// ignored-signal classification and TrapReasons construction, which
// need to recognize the same synthesized values PostWait produces.
const (
	TimeSliceSignal = timeSliceSignal
	PollIn          = pollIn
)

func isPtraceInterruptStop(t *task.Task, status unix.WaitStatus) bool {
	if t.ExpectingPtraceInterruptStop == 0 {
		return false
	}
	sig := status.StopSignal()
	// The kernel delivers a PTRACE_INTERRUPT-induced group-stop as
	// either SIGTRAP or SIGSTOP; both are accepted without
	// prescribing which (§9, "known ambiguities").
	return sig == unix.SIGTRAP || sig == unix.SIGSTOP
}

func readSiginfo(pid int) (*task.Siginfo, error) {
	var raw [128]byte
	_, err := ptraceIfAlive(unix.PTRACE_GETSIGINFO, pid, 0, uintptr(unsafe.Pointer(&raw[0])))
	if err != nil {
		return nil, err
	}
	si := &task.Siginfo{}
	si.Signo = int32(le32(raw[0:4]))
	si.Errno = int32(le32(raw[4:8]))
	si.Code = int32(le32(raw[8:12]))
	return si, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
