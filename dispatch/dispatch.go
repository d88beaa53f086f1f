// Package dispatch is the Event Dispatcher (component C3): it drives
// a Task through resume/wait cycles, classifies each stop, and
// updates the AddressSpace/FdTable collaborators accordingly (§4.2).
package dispatch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/arch"
	"github.com/rr-go/tracecore/fdtable"
	"github.com/rr-go/tracecore/memory"
	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/task"
)

// AddressSpace is the capability surface dispatch needs from a Task's
// AddressSpace collaborator; task.AddressSpace stays narrow (Serial/
// RemoveTask only) so Task itself doesn't need to know about any of
// this.
type AddressSpace interface {
	NotifyMprotect(addr, length uintptr, prot int)
	NotifyMunmap(addr, length uintptr)
	NotifyShmdt(addr uintptr)
	NotifyMadvise(addr, length uintptr, advice int)
	NotifyWrite(addr, length uintptr)
	BreakpointAt(addr uintptr) bool
	MarkWatchpointStatus(dr6 uint32) bool
	IncrementExecCount()
}

// FdTable is the capability surface dispatch needs from a Task's
// FdTable collaborator.
type FdTable interface {
	NotifyDup(oldFD, newFD int)
	NotifyClose(fd int)
	NotifyWrite(fd int, data []byte, offset int64)
}

// Dispatcher drives one Task's resume/wait/classify cycle.
type Dispatcher struct {
	T  *task.Task
	GW *ptrace.Gateway
	IO *memory.IO

	// pendingSignals stashes stray signals observed while looping for
	// the syscall-entry stop, for the recording path to replay later
	// (§4.2 "Syscall entry").
	pendingSignals []int

	// Lookup resolves a sub-tracee's own Task by pid, used by
	// applyNestedPtrace to find the cached state of a task that a
	// traced tracee just ptrace(2)'d directly. nil (the default) means
	// the owning registry hasn't wired one in, e.g. because nested
	// ptrace isn't in scope for this session.
	Lookup func(pid int) *task.Task
}

// New wraps a Task, its Gateway, and the memory.IO that reads its
// address space in a Dispatcher. io is used to resolve the tracee-
// memory arguments (struct user_desc, process names, write buffers,
// instruction bytes) that several ExitSyscall/ClassifyTrap cases need
// but cannot read themselves without becoming a memory-package
// reimplementation.
func New(t *task.Task, gw *ptrace.Gateway, io *memory.IO) *Dispatcher {
	return &Dispatcher{T: t, GW: gw, IO: io}
}

func (d *Dispatcher) addressSpace() AddressSpace {
	as, _ := d.T.AddressSpaceHandle().(AddressSpace)
	return as
}

func (d *Dispatcher) fdTable() FdTable {
	ft, _ := d.T.FdTableHandle().(FdTable)
	return ft
}

// ignoredSignal reports whether sig is a kernel-internal signal class
// silently continued during replay (§4.2): SIGSTOP, SIGCHLD,
// SIGWINCH, SIGPROF, or the synthesized TIME_SLICE_SIGNAL.
func ignoredSignal(sig int) bool {
	switch sig {
	case int(unix.SIGSTOP), int(unix.SIGCHLD), int(unix.SIGWINCH), int(unix.SIGPROF), int(ptrace.TimeSliceSignal):
		return true
	}
	return false
}

// EnterSyscall drives the Task to the next syscall-entry stop (§4.2
// "Syscall entry"). Without seccomp it is one RESUME_SYSCALL/wait
// pair. With seccomp the first stop may be the seccomp event and a
// separate syscall-stop may or may not follow depending on kernel
// ordering; the loop consumes stops until it has seen the syscall-stop
// and, with seccomp, the seccomp event, stashing any stray signal that
// is not in the ignored class. A stop that is neither (e.g. an exit)
// ends the loop early.
func (d *Dispatcher) EnterSyscall() error {
	t := d.T
	sawSeccomp := !t.SeccompEnabled()
	sawSyscallStop := false

	for !sawSyscallStop || !sawSeccomp {
		if err := d.GW.Resume(ptrace.ResumeSyscall, ptrace.Wait, ptrace.NoTickBudget, 0); err != nil {
			return err
		}
		switch {
		case isSeccompEvent(t.WaitStatus):
			sawSeccomp = true
		case isSyscallStop(t.WaitStatus):
			sawSyscallStop = true
		case t.WaitStatus.Stopped():
			sig := int(t.WaitStatus.StopSignal())
			if !ignoredSignal(sig) {
				d.pendingSignals = append(d.pendingSignals, sig)
			}
		default:
			return nil
		}
	}
	return nil
}

func isSeccompEvent(status unix.WaitStatus) bool {
	return status.Stopped() && status.StopSignal() == unix.SIGTRAP &&
		status.TrapCause() == unix.PTRACE_EVENT_SECCOMP
}

func isSyscallStop(status unix.WaitStatus) bool {
	// TRACESYSGOOD ORs 0x80 into the stop signal for a genuine
	// syscall-stop, distinguishing it from an ordinary SIGTRAP.
	return status.Stopped() && status.StopSignal() == unix.SIGTRAP|0x80
}

// ExitSyscall interprets a syscall-exit stop and updates the
// AddressSpace/FdTable collaborators (§4.2 "Syscall exit"). Callers
// are expected to have already resumed and waited for the exit stop;
// ExitSyscall only classifies and applies side effects.
func (d *Dispatcher) ExitSyscall() error {
	t := d.T
	regs := t.Regs()
	table := arch.TableFor(t.Arch)
	no := int64(regs.OrigSyscallNo())
	ret := int64(regs.SyscallNo()) // kernel overwrote rax/eax with the return value

	failed := ret < 0 && ret > -4096

	as := d.addressSpace()
	ft := d.fdTable()

	switch {
	case no == int64(table.Mmap), (table.Mmap2 != 0 && no == int64(table.Mmap2)), no == int64(table.Mremap), no == int64(table.Brk):
		// Nothing to do here: the dispatcher does not record these
		// in the AddressSpace.

	case no == int64(table.Mprotect):
		if as != nil {
			addr := uintptr(regs.Arg(0))
			length := uintptr(regs.Arg(1))
			prot := int(regs.Arg(2))
			as.NotifyMprotect(addr, length, prot)
		}

	case no == int64(table.Munmap):
		if !failed && as != nil {
			as.NotifyMunmap(uintptr(regs.Arg(0)), uintptr(regs.Arg(1)))
		}

	case no == int64(table.Shmdt):
		if !failed && as != nil {
			as.NotifyShmdt(uintptr(regs.Arg(0)))
		}

	case no == int64(table.Madvise):
		if !failed && as != nil {
			as.NotifyMadvise(uintptr(regs.Arg(0)), uintptr(regs.Arg(1)), int(regs.Arg(2)))
		}

	case no == int64(table.SetThreadArea):
		if !failed {
			d.readThreadArea(regs.Arg(0))
		}

	case no == int64(table.Prctl):
		if !failed {
			d.handlePrctl(regs.Arg(0), regs.Arg(1))
		}

	case no == int64(table.Dup), no == int64(table.Dup2), no == int64(table.Dup3):
		if !failed && ft != nil {
			ft.NotifyDup(int(regs.Arg(0)), int(ret))
		}

	case no == int64(table.Fcntl):
		if !failed && ft != nil && isDupFcntl(regs.Arg(1)) {
			ft.NotifyDup(int(regs.Arg(0)), int(ret))
		}

	case no == int64(table.Close):
		if !failed && ft != nil {
			ft.NotifyClose(int(regs.Arg(0)))
		}

	case no == int64(table.Unshare):
		if !failed && regs.Arg(0)&unix.CLONE_FILES != 0 {
			d.unshareFdTable()
		}

	case no == int64(table.Write), no == int64(table.Writev), no == int64(table.Pwrite64), no == int64(table.Pwritev):
		if !failed {
			d.notifyWriteRange(no, table, regs, ret)
		}

	case no == int64(table.Ptrace):
		if !failed {
			d.applyNestedPtrace(regs)
		}
	}

	return nil
}

func isDupFcntl(cmd uint64) bool {
	const fDupFD = 0
	const fDupFDCloexec = 1030
	return cmd == fDupFD || cmd == fDupFDCloexec
}

// readThreadArea reads the 16-byte struct user_desc argument out of
// tracee memory at addr and merges it into the Task's thread-area
// list.
func (d *Dispatcher) readThreadArea(addr uint64) {
	if d.IO == nil {
		return
	}
	var raw [16]byte
	if err := d.IO.ReadBytes(uintptr(addr), raw[:]); err != nil {
		return
	}
	var words [4]uint32
	for i := 0; i < 4; i++ {
		words[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	d.MergeThreadAreaBytes(words)
}

// MergeThreadAreaBytes merges an already-read struct user_desc (as 4
// little-endian uint32 words: entry_number, base_addr, limit, flags)
// into the Task's thread-area list.
func (d *Dispatcher) MergeThreadAreaBytes(words [4]uint32) {
	d.T.MergeThreadArea(task.ThreadArea{
		EntryNumber: words[0],
		BaseAddr:    words[1],
		Limit:       words[2],
		Flags:       words[3],
	})
}

const (
	prSetSeccomp = 22
	prSetName    = 15
	seccompModeFilter = 2
)

func (d *Dispatcher) handlePrctl(option, arg2 uint64) {
	switch option {
	case prSetSeccomp:
		if arg2 == seccompModeFilter {
			d.T.SetSeccompEnabled()
		}
	case prSetName:
		if d.IO == nil {
			return
		}
		var raw [16]byte
		if err := d.IO.ReadBytes(uintptr(arg2), raw[:]); err != nil {
			return
		}
		d.RefreshPrname(raw[:])
	}
}

// RefreshPrname installs a freshly re-read 16-byte process name,
// completing the prctl(PR_SET_NAME) handling.
func (d *Dispatcher) RefreshPrname(raw []byte) {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	d.T.SetPrname(string(raw[:n]))
}

// unshareFdTable gives the Task a private copy of its current fd
// table, dropping its membership in the shared one (§4.2:
// "unshare(CLONE_FILES): detach from the shared FdTable and clone a
// private one").
func (d *Dispatcher) unshareFdTable() {
	cur, ok := d.T.FdTableHandle().(*fdtable.FdTable)
	if !ok {
		return
	}
	cur.RemoveTask(d.T.Serial)
	clone := cur.Clone()
	clone.AddTask(d.T.Serial)
	d.T.SetFdTable(clone)
}

// notifyWriteRange computes the written byte range and, for the p*
// variants, the 64-bit file offset (assembled from two 32-bit words on
// a 32-bit arch), copies the written bytes out of the tracee via IO,
// and hands both off to the FdTable.
func (d *Dispatcher) notifyWriteRange(no int64, table *arch.Table, regs *task.GPRegs, ret int64) {
	ft := d.fdTable()
	if ft == nil || d.IO == nil || ret <= 0 {
		return
	}

	fd := int(regs.Arg(0))
	var offset int64 = -1
	if no == int64(table.Pwrite64) || no == int64(table.Pwritev) {
		if regs.Arch == arch.X86 {
			lo := regs.Arg(3)
			hi := regs.Arg(4)
			offset = int64(uint64(lo) | uint64(hi)<<32)
		} else {
			offset = int64(regs.Arg(3))
		}
	}

	var data []byte
	if no == int64(table.Writev) || no == int64(table.Pwritev) {
		data = d.readIovecData(regs, int(ret))
	} else {
		data = make([]byte, ret)
		if err := d.IO.ReadBytes(uintptr(regs.Arg(1)), data); err != nil {
			return
		}
	}
	ft.NotifyWrite(fd, data, offset)
}

// readIovecData reads up to total bytes out of the tracee's struct
// iovec array argument (Arg(1): base pointer, Arg(2): count), used by
// the writev/pwritev cases of notifyWriteRange. A short or unreadable
// entry simply truncates the result rather than failing the whole
// classification.
func (d *Dispatcher) readIovecData(regs *task.GPRegs, total int) []byte {
	iovAddr := uintptr(regs.Arg(1))
	iovCount := regs.Arg(2)
	width := regs.Arch.PointerWidth()
	entrySize := width * 2

	out := make([]byte, 0, total)
	for i := uint64(0); i < iovCount && len(out) < total; i++ {
		entry := make([]byte, entrySize)
		if err := d.IO.ReadBytes(iovAddr+uintptr(i)*uintptr(entrySize), entry); err != nil {
			break
		}
		var base uintptr
		var length uint64
		if width == 8 {
			base = uintptr(binary.LittleEndian.Uint64(entry[0:8]))
			length = binary.LittleEndian.Uint64(entry[8:16])
		} else {
			base = uintptr(binary.LittleEndian.Uint32(entry[0:4]))
			length = uint64(binary.LittleEndian.Uint32(entry[4:8]))
		}
		if remaining := uint64(total - len(out)); length > remaining {
			length = remaining
		}
		if length == 0 {
			continue
		}
		chunk := make([]byte, length)
		if err := d.IO.ReadBytes(base, chunk); err != nil {
			break
		}
		out = append(out, chunk...)
	}
	return out
}

// applyNestedPtrace handles a traced tracee's own ptrace(2) call over a
// sub-tracee of its own (§4.2 "ptrace by tracee over another tracee").
// The kernel has already applied the real request (SETREGS/SETFPREGS/
// SETFPXREGS/SETREGSET/POKEUSER) to the sub-tracee by the time this
// syscall-exit is observed; what's stale is only our own cached view of
// it, when that sub-tracee also happens to be one of our own tracked
// Tasks. Lookup resolves that, keyed by the sub-tracee pid at Arg(1);
// a nil Lookup (nested ptrace out of scope for this session) makes
// this a no-op.
func (d *Dispatcher) applyNestedPtrace(regs *task.GPRegs) {
	if d.Lookup == nil {
		return
	}
	sub := d.Lookup(int(regs.Arg(1)))
	if sub == nil || !sub.IsStopped {
		return
	}
	if newRegs, err := ptrace.ReadRegs(sub.Tid, sub.Arch); err == nil {
		sub.SetCachedRegs(newRegs)
	}
	sub.InvalidateExtraRegs()
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher{%s}", d.T)
}
