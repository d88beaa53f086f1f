// Package task defines the central entity of the tracer: Task, the
// per-thread object that caches everything the kernel told us about
// one tracee thread, plus ThreadGroup, the set of Tasks that share a
// thread-group id and exec state.
//
// This package only holds state and the bookkeeping operations that
// don't themselves talk to the kernel (that's ptrace.Gateway) or
// interpret a stop (dispatch.Dispatcher). Keeping state separate from
// the syscalls that produce it is what lets ptrace/dispatch/debug
// share one coherent view of a Task without back-and-forth imports.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/arch"
	"github.com/rr-go/tracecore/diag"
)

// Logger is the diagnostic sink lifecycle/dispatch/debug call for
// verbose per-syscall tracing, kept narrow enough that a *logrus.Logger
// satisfies it directly (its Debugf/Warnf already match this shape)
// without an adapter.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}

// Nop discards everything; a Task with no Logger installed falls back
// to it via Log().
var Nop Logger = nopLogger{}

// Serial is a monotone identifier for a Task, used instead of pointer
// identity so that AddressSpace/FdTable membership sets can be plain
// maps (see the cyclic-ownership design note).
type Serial uint64

var serialCounter uint64

func nextSerial() Serial {
	return Serial(atomic.AddUint64(&serialCounter, 1))
}

// Siginfo is the subset of siginfo_t the dispatcher and debug
// facilities care about: enough to classify SIGTRAP stops (SI_KERNEL,
// TRAP_BRKPT) and synthesized timeslice signals (POLL_IN), without
// pulling in the full kernel union layout.
type Siginfo struct {
	Signo int32
	Errno int32
	Code  int32
}

// RegState models whether the cached general-purpose registers are
// trustworthy: Unknown after any resume, Stopped (with a fresh read)
// after any successful wait.
type RegState int

const (
	RegsUnknown RegState = iota
	RegsStopped
)

// AddressSpace and FdTable are the narrow contracts Task needs from
// its two external collaborators (full behavior lives in the
// addrspace and fdtable packages; Task only needs to know how to look
// itself up and tear itself down).
type AddressSpace interface {
	Serial() uint64
	RemoveTask(Serial)
}

type FdTable interface {
	Serial() uint64
	RemoveTask(Serial)
}

// ThreadArea is one struct user_desc entry installed by
// set_thread_area, merged into the task's list by EntryNumber.
type ThreadArea struct {
	EntryNumber uint32
	BaseAddr    uint32
	Limit       uint32
	Flags       uint32 // packed bitfield: seg_32bit, contents, read_exec_only, limit_in_pages, seg_not_present, useable
}

// SyscallBuf describes the shared-memory region mapped into both
// tracer and tracee through which the syscall-buffer preload library
// records benign syscalls without a ptrace round-trip.
type SyscallBuf struct {
	RemoteAddr     uintptr
	Size           int
	DeschedFD      int // tracee-side fd for the desched event
	ClonedFileDataFD int // tracee-side fd backing the cloned-file-data mapping
}

// ScratchMem is the anonymous private tracee mapping used as
// destination memory for syscall arguments that need temporary space.
type ScratchMem struct {
	RemoteAddr uintptr
	Size       int
}

// Task is the per-thread tracee control object (component C1).
type Task struct {
	// Identifiers.
	Tid    int    // current OS thread id
	RecTid int    // recorded thread id; equals Tid during recording
	Serial Serial

	Arch arch.Arch

	Group *ThreadGroup

	addrSpace AddressSpace
	fdTable   FdTable

	// Registers cache. Invariant: valid iff RegState == RegsStopped.
	regState  RegState
	gpRegs    GPRegs
	extraRegs ExtraRegs

	// IsStopped is true only between a successful wait and the next
	// resume.
	IsStopped bool

	WaitStatus unix.WaitStatus
	SigInfo    *Siginfo

	// Ticks is the cumulative retired-conditional-branch count since
	// task creation.
	Ticks uint64

	// Unstable marks a task dying uncleanly: teardown syscalls and
	// future waits are suppressed for it.
	Unstable bool

	// SeenExitEvent is set once PTRACE_EVENT_EXIT has been observed.
	SeenExitEvent bool

	// ExpectingPtraceInterruptStop debounces PTRACE_INTERRUPT races
	// with other stops; ranges over 0, 1, 2.
	ExpectingPtraceInterruptStop int

	SyscallBuf    *SyscallBuf
	Scratch       ScratchMem
	ThreadLocal   [104]byte // mirrored preload thread-local snapshot
	PreloadGlobals uintptr  // remote pointer to preload library globals

	threadAreas []ThreadArea

	// LastResumeWasSingleStep/LastResumeIP record how/where the task was last
	// resumed, needed by the breakpoint-idempotence and
	// singlestep-over-syscall logic in the ptrace and dispatch
	// packages. LastResumeOrigSyscallNo is the original-syscall-number
	// register value at that same moment, restored by the ptrace
	// gateway when a resume lands back exactly on a breakpoint (the
	// trap clobbers it).
	LastResumeWasSingleStep bool
	LastResumeIP            uint64
	LastResumeOrigSyscallNo uint64

	prname string

	// Logger receives verbose per-task diagnostics; nil falls back to
	// Nop via Log().
	Logger Logger

	symbols map[string]uintptr

	seccompEnabled bool
}

// ThreadGroup is the set of Tasks sharing a thread-group id and exec
// state.
type ThreadGroup struct {
	mu      sync.Mutex
	Tgid    int
	Execed  bool
	ExecCount int
	members map[Serial]*Task
}

// NewThreadGroup creates a thread group rooted at the given tgid.
func NewThreadGroup(tgid int) *ThreadGroup {
	return &ThreadGroup{Tgid: tgid, members: make(map[Serial]*Task)}
}

func (g *ThreadGroup) add(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[t.Serial] = t
}

func (g *ThreadGroup) remove(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, t.Serial)
}

// Count returns the number of live members.
func (g *ThreadGroup) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Leader returns the member whose tid equals the group's tgid, and
// false if no such member is in the group.
func (g *ThreadGroup) Leader() (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.members {
		if t.Tid == g.Tgid {
			return t, true
		}
	}
	return nil, false
}

// New creates a Task for an already-seized/cloned tid. Lifecycle code
// (spawn/clone) is responsible for joining it to a ThreadGroup and
// calling SetAddressSpace/SetFdTable.
func New(tid, recTid int, a arch.Arch, group *ThreadGroup) *Task {
	t := &Task{
		Tid:     tid,
		RecTid:  recTid,
		Serial:  nextSerial(),
		Arch:    a,
		Group:   group,
		symbols: make(map[string]uintptr),
	}
	t.gpRegs.Arch = a
	if group != nil {
		group.add(t)
	}
	return t
}

// SetAddressSpace installs t's AddressSpace collaborator.
func (t *Task) SetAddressSpace(as AddressSpace) { t.addrSpace = as }

// AddressSpaceHandle returns t's AddressSpace collaborator, if any.
func (t *Task) AddressSpaceHandle() AddressSpace { return t.addrSpace }

// SetFdTable installs t's FdTable collaborator.
func (t *Task) SetFdTable(f FdTable) { t.fdTable = f }

// FdTableHandle returns t's FdTable collaborator, if any.
func (t *Task) FdTableHandle() FdTable { return t.fdTable }

// RegState reports the current coherence state of the register cache.
func (t *Task) RegState() RegState { return t.regState }

// InvalidateRegs transitions the cache to Unknown. Called by the
// ptrace gateway on every resume.
func (t *Task) InvalidateRegs() {
	t.regState = RegsUnknown
	t.IsStopped = false
}

// SetCachedRegs installs a freshly-read register set and marks the
// cache valid. Called by the ptrace gateway's post_wait.
func (t *Task) SetCachedRegs(r GPRegs) {
	t.gpRegs = r
	t.regState = RegsStopped
}

// Regs returns the cached general-purpose registers. Per invariant 1,
// callers must only call this while IsStopped.
func (t *Task) Regs() *GPRegs {
	if !t.IsStopped || t.regState != RegsStopped {
		diag.Bug("task %d: Regs() called while not in a valid ptrace-stop", t.Tid)
	}
	return &t.gpRegs
}

// Log returns t's installed Logger, or Nop if none was set.
func (t *Task) Log() Logger {
	if t.Logger == nil {
		return Nop
	}
	return t.Logger
}

// RawExtraRegs returns the lazily-populated extended register cache
// pointer for mutation by the ptrace gateway (which knows how to
// (re)populate it on demand).
func (t *Task) RawExtraRegs() *ExtraRegs { return &t.extraRegs }

// InvalidateExtraRegs discards the cached extended registers; called
// together with InvalidateRegs on every resume.
func (t *Task) InvalidateExtraRegs() {
	t.extraRegs = ExtraRegs{}
}

// MergeThreadArea installs or replaces a thread-area entry by
// EntryNumber, as set_thread_area does.
func (t *Task) MergeThreadArea(entry ThreadArea) {
	for i := range t.threadAreas {
		if t.threadAreas[i].EntryNumber == entry.EntryNumber {
			t.threadAreas[i] = entry
			return
		}
	}
	t.threadAreas = append(t.threadAreas, entry)
}

// ThreadAreas returns the task's current thread-area list.
func (t *Task) ThreadAreas() []ThreadArea {
	return t.threadAreas
}

// SetPrname records the cached 16-byte process name (re-read from
// tracee memory after PR_SET_NAME or a post-exec transition).
func (t *Task) SetPrname(name string) { t.prname = name }

// Prname returns the cached process name.
func (t *Task) Prname() string { return t.prname }

// FlushInconsistentState zeroes the tick counter. Used by the
// (out-of-scope) replay engine when it detects it must resynchronize
// a task's logical clock; kept here because it is pure Task-state
// bookkeeping (recovered from Task::flush_inconsistent_state).
func (t *Task) FlushInconsistentState() {
	t.Ticks = 0
}

// ActivatePreloadThreadLocals is the entry point recovered from
// Task::activate_preload_thread_locals. Its body is empty: it records
// nothing and does not copy t.ThreadLocal into any shared page, and no
// other code in this tree performs that remap.
func (t *Task) ActivatePreloadThreadLocals() {
}

// RegisterSymbol records a named remote address for later lookup by
// TLSAddress (recovered from Task::register_symbol, used to resolve
// preload-library internals by name during debugging).
func (t *Task) RegisterSymbol(name string, addr uintptr) {
	t.symbols[name] = addr
}

// TLSAddress looks up a previously registered symbol (recovered from
// Task::get_tls_address).
func (t *Task) TLSAddress(name string) (uintptr, bool) {
	a, ok := t.symbols[name]
	return a, ok
}

// SeccompEnabled reports whether this task has installed a seccomp
// filter (tracked so the dispatcher knows whether to expect a
// seccomp-event before a syscall-stop).
func (t *Task) SeccompEnabled() bool { return t.seccompEnabled }

// SetSeccompEnabled marks seccomp as installed for this task, set by
// the dispatcher on a successful prctl(PR_SET_SECCOMP, MODE_FILTER).
func (t *Task) SetSeccompEnabled() { t.seccompEnabled = true }

// String renders a short one-line dump of the task's state for
// debugging (recovered from Task::dump).
func (t *Task) String() string {
	return fmt.Sprintf("Task{tid=%d rec_tid=%d serial=%d arch=%s stopped=%v ticks=%d unstable=%v}",
		t.Tid, t.RecTid, t.Serial, t.Arch, t.IsStopped, t.Ticks, t.Unstable)
}

// Destroy drops t from its ThreadGroup and notifies its AddressSpace/
// FdTable collaborators that it is gone, so their membership sets stay
// accurate for the next mapping/fd decision (e.g. whether to unmap a
// shared region because no task references it any more). It does not
// touch the kernel; callers detach/reap the underlying tid separately.
func (t *Task) Destroy() {
	if t.Group != nil {
		t.Group.remove(t)
	}
	if t.addrSpace != nil {
		t.addrSpace.RemoveTask(t.Serial)
	}
	if t.fdTable != nil {
		t.fdTable.RemoveTask(t.Serial)
	}
}
