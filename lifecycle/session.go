package lifecycle

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/addrspace"
	"github.com/rr-go/tracecore/arch"
	"github.com/rr-go/tracecore/debug"
	"github.com/rr-go/tracecore/dispatch"
	"github.com/rr-go/tracecore/fdtable"
	"github.com/rr-go/tracecore/memory"
	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/task"
)

// Session bundles the per-task collaborators Spawn/CloneIntoTrace wire
// together (§4.1-§4.3) and drives them through a single task's
// resume/wait/classify cycle. It is the registry dispatch.Dispatcher's
// Lookup callback resolves against for nested-ptrace bookkeeping
// (§4.2.4), and the thing that turns the otherwise-unreachable
// dispatch package into actual control flow.
type Session struct {
	Task       *task.Task
	Gateway    *ptrace.Gateway
	IO         *memory.IO
	Dispatcher *dispatch.Dispatcher

	registry *Registry
}

// Registry tracks every live Session in a recording/replay run, keyed
// by tid, so a Dispatcher's Lookup callback and CloneIntoTrace's new-
// child wiring can find each other without lifecycle importing itself
// circularly through dispatch.
type Registry struct {
	sessions map[int]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int]*Session)}
}

func (r *Registry) lookup(pid int) *task.Task {
	if s, ok := r.sessions[pid]; ok {
		return s.Task
	}
	return nil
}

func (r *Registry) add(s *Session)      { r.sessions[s.Task.Tid] = s }
func (r *Registry) remove(tid int)      { delete(r.sessions, tid) }
func (r *Registry) Get(tid int) *Session { return r.sessions[tid] }

// newSession wraps t/gw/io in a Session whose Dispatcher's Lookup
// callback resolves sibling tasks through reg, and registers it.
func newSession(t *task.Task, gw *ptrace.Gateway, io *memory.IO, reg *Registry) *Session {
	d := dispatch.New(t, gw, io)
	d.Lookup = reg.lookup
	s := &Session{Task: t, Gateway: gw, IO: io, Dispatcher: d, registry: reg}
	reg.add(s)
	return s
}

// Close drops the Session from its Registry; callers still owe the
// Task a Destroy (lifecycle.Destroy) to actually detach/reap it.
func (s *Session) Close() {
	if s.registry != nil {
		s.registry.remove(s.Task.Tid)
	}
}

// StepSyscall drives one full syscall through entry and exit (§4.2):
// EnterSyscall resumes to the syscall-entry stop, the Gateway resumes
// again to the matching exit stop, and ExitSyscall applies the
// resulting AddressSpace/FdTable side effects.
func (s *Session) StepSyscall() error {
	if err := s.Dispatcher.EnterSyscall(); err != nil {
		return err
	}
	if s.Task.SeenExitEvent {
		return nil
	}
	if err := s.Gateway.Resume(ptrace.ResumeSyscall, ptrace.Wait, ptrace.NoTickBudget, 0); err != nil {
		return err
	}
	return s.Dispatcher.ExitSyscall()
}

// ClassifyTrap reads and clears DR6 (if a debug AddressSpace is wired)
// and hands it to the Dispatcher's trap classification (§4.2.1-3).
func (s *Session) ClassifyTrap() (dispatch.TrapReasons, error) {
	var dr6 uint32
	if as, ok := s.Task.AddressSpaceHandle().(*addrspace.AddressSpace); ok && as != nil {
		v, err := ptrace.ReadDebugReg(s.Task.Tid, 6)
		if err != nil {
			return dispatch.TrapReasons{}, err
		}
		dr6 = uint32(v)
		if _, err := debug.ReadAndClearStatus(s.Task.Tid, as); err != nil {
			return dispatch.TrapReasons{}, err
		}
	}
	return s.Dispatcher.ClassifyTrap(dr6), nil
}

// HandleExecEvent applies the §4.2 exec-transition bookkeeping once a
// PTRACE_EVENT_EXEC stop has been observed: builds a fresh AddressSpace
// and a cloned FdTable for the new image and hands both to the
// Dispatcher. execve replaces the VM wholesale, so the new AddressSpace
// is never shared with anything the old one was shared with.
func (s *Session) HandleExecEvent(newArch arch.Arch, execveNo uint64, newPrname string) {
	newAS := addrspace.New()
	newAS.AddTask(s.Task.Serial)
	if oldAS, ok := s.Task.AddressSpaceHandle().(*addrspace.AddressSpace); ok && oldAS != nil {
		newAS.ExecCount = oldAS.ExecCount
	}

	var newFT task.FdTable
	if oldFT, ok := s.Task.FdTableHandle().(*fdtable.FdTable); ok {
		cloned := oldFT.Clone()
		cloned.AddTask(s.Task.Serial)
		newFT = cloned
	}
	s.Dispatcher.HandleExec(newArch, newAS, newFT, execveNo, newPrname)
}

// ResumeAndWait drives the Gateway through one resume/wait cycle
// without syscall-entry/exit classification, for callers stepping
// through signal-delivery or single-step stops directly.
func (s *Session) ResumeAndWait(how ptrace.ResumeHow, budget ptrace.TickBudget, injectedSignal int) error {
	return s.Gateway.Resume(how, ptrace.Wait, budget, injectedSignal)
}

// Status reports the last collected wait status, for callers deciding
// whether a Session's task has exited.
func (s *Session) Status() unix.WaitStatus { return s.Task.WaitStatus }

// String renders the Session's Dispatcher for debugging.
func (s *Session) String() string {
	return fmt.Sprintf("session[%s]", s.Dispatcher)
}
