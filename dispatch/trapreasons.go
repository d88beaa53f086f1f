package dispatch

import (
	"github.com/rr-go/tracecore/arch"
	"github.com/rr-go/tracecore/task"
)

// Raw si_code values from asm-generic/siginfo.h that aren't exposed as
// named constants in golang.org/x/sys/unix.
const (
	siKernel  = 0x80
	trapBrkpt = 1
)

const syscallInsnLength = 2 // x86/x86-64 SYSCALL/INT 0x80 opcode length

// breakpointInsnLen mirrors ptrace.breakpointInsnLength (unexported
// there); both packages independently know INT3 is one byte on
// x86/x86-64, so it's duplicated rather than plumbed cross-package.
const breakpointInsnLen = 1

// TrapReasons classifies a SIGTRAP stop per §4.2's breakpoint/
// single-step/watchpoint rules.
type TrapReasons struct {
	SingleStep bool
	Watchpoint bool
	Breakpoint bool
}

// ClassifyTrap computes TrapReasons for the Task's current stop. dr6
// is the already-read debug status register value (0 if unavailable).
func (d *Dispatcher) ClassifyTrap(dr6 uint32) TrapReasons {
	t := d.T
	regs := t.Regs()

	// The kernel does not set the single-step status bit (DR6.BS, bit
	// 14) when stepping over a syscall instruction, so that case is
	// recognized separately from the status bit (§4.2.1).
	const dr6SingleStep = 1 << 14
	singleStep := dr6&dr6SingleStep != 0 ||
		(t.LastResumeWasSingleStep && d.isSyscallInsnAt(t.LastResumeIP) && regs.IP() == t.LastResumeIP+syscallInsnLength)

	var watchpoint bool
	as := d.addressSpace()
	if dr6 != 0 || singleStep {
		if as != nil {
			watchpoint = as.MarkWatchpointStatus(dr6)
		}
	}

	var breakpoint bool
	switch {
	case singleStep:
		breakpoint = t.LastResumeWasSingleStep && as != nil && as.BreakpointAt(uintptr(t.LastResumeIP))
	case watchpoint:
		if as != nil {
			breakpoint = as.BreakpointAt(uintptr(regs.IP()) - breakpointInsnLen)
		}
	default:
		if t.SigInfo != nil {
			breakpoint = t.SigInfo.Code == siKernel || t.SigInfo.Code == trapBrkpt
		}
	}

	return TrapReasons{SingleStep: singleStep, Watchpoint: watchpoint, Breakpoint: breakpoint}
}

// syscallOpcodes are the two-byte x86/x86-64 encodings of SYSCALL
// (0x0f 0x05) and INT 0x80 (0xcd 0x80), the only instructions the
// single-step-over-syscall case in ClassifyTrap needs to recognize.
var syscallOpcodes = [][2]byte{{0x0f, 0x05}, {0xcd, 0x80}}

// isSyscallInsnAt reads the two bytes at ip and reports whether they
// encode SYSCALL or INT 0x80. A read failure (ip unmapped, or no IO
// wired) answers false rather than propagating an error, since this is
// only ever used to disambiguate an already-suspected single-step.
func (d *Dispatcher) isSyscallInsnAt(ip uint64) bool {
	if d.IO == nil {
		return false
	}
	var raw [2]byte
	if err := d.IO.ReadBytes(uintptr(ip), raw[:]); err != nil {
		return false
	}
	for _, op := range syscallOpcodes {
		if raw == op {
			return true
		}
	}
	return false
}

// HandleExec applies the exec-transition bookkeeping of §4.2: resets
// the arch tag, replaces the AddressSpace (bumping its exec count),
// clones the FdTable, normalizes original_syscallno to the new arch's
// execve number, and zeroes the extended-register cache. It does not
// itself construct the new AddressSpace/FdTable — those are supplied
// by the caller (lifecycle), which owns the registry of live
// instances.
func (d *Dispatcher) HandleExec(newArch arch.Arch, newAddrSpace task.AddressSpace, newFdTable task.FdTable, execveNo uint64, newPrname string) {
	t := d.T

	if oldAS := t.AddressSpaceHandle(); oldAS != nil {
		oldAS.RemoveTask(t.Serial)
	}
	if oldFT := t.FdTableHandle(); oldFT != nil {
		oldFT.RemoveTask(t.Serial)
	}

	t.Arch = newArch
	t.SetAddressSpace(newAddrSpace)
	t.SetFdTable(newFdTable)
	if as, ok := newAddrSpace.(interface{ IncrementExecCount() }); ok {
		as.IncrementExecCount()
	}

	if t.RegState() == task.RegsStopped {
		t.Regs().SetOrigSyscallNo(execveNo)
	}
	t.InvalidateExtraRegs()
	t.SetPrname(newPrname)
}
