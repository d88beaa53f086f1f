package task

import (
	"syscall"

	"github.com/rr-go/tracecore/arch"
)

// X86Regs mirrors the kernel's 32-bit struct user_regs_struct, used
// when a task is running under the x86 (i386) syscall ABI. The
// tracer itself always runs as a native amd64 process; these are read
// and written through PTRACE_GETREGSET/PTRACE_SETREGSET with
// NT_PRSTATUS, which the kernel lays out according to the tracee's
// personality rather than the tracer's.
type X86Regs struct {
	Ebx, Ecx, Edx, Esi, Edi, Ebp, Eax uint32
	Xds, Xes, Xfs, Xgs                uint32
	OrigEax                           uint32
	Eip                               uint32
	Xcs                               uint32
	Eflags                            uint32
	Esp                               uint32
	Xss                               uint32
}

// GPRegs is the general-purpose register cache for a Task (part of
// C1's Task State). It normalizes access across the two supported
// architectures instead of dispatching through an interface, per the
// arch-polymorphism design note: the Arch field selects which of the
// two raw blocks is meaningful.
type GPRegs struct {
	Arch arch.Arch
	X64  syscall.PtraceRegs
	X86  X86Regs
}

// IP returns the instruction pointer.
func (r *GPRegs) IP() uint64 {
	if r.Arch == arch.X86 {
		return uint64(r.X86.Eip)
	}
	return r.X64.Rip
}

// SetIP sets the instruction pointer in the cache (does not write
// through to the kernel; callers use ptrace.WriteRegs for that).
func (r *GPRegs) SetIP(ip uint64) {
	if r.Arch == arch.X86 {
		r.X86.Eip = uint32(ip)
		return
	}
	r.X64.Rip = ip
}

// SP returns the stack pointer.
func (r *GPRegs) SP() uint64 {
	if r.Arch == arch.X86 {
		return uint64(r.X86.Esp)
	}
	return r.X64.Rsp
}

// SyscallNo returns the current value of the syscall-number register
// (rax/eax), which the kernel overwrites with the return value on
// syscall exit. Use OrigSyscallNo for the number that was entered.
func (r *GPRegs) SyscallNo() uint64 {
	if r.Arch == arch.X86 {
		return uint64(r.X86.Eax)
	}
	return r.X64.Rax
}

// OrigSyscallNo returns the syscall number as entered, preserved by
// the kernel in orig_eax/orig_rax across the syscall.
func (r *GPRegs) OrigSyscallNo() uint64 {
	if r.Arch == arch.X86 {
		return uint64(r.X86.OrigEax)
	}
	return r.X64.Orig_rax
}

// SetOrigSyscallNo rewrites the original-syscall-number register.
// Used by the exec handler to normalize the cached value to the new
// architecture's execve number, and by the ptrace gateway's PostWait
// to restore the pre-resume value when a resume lands on a breakpoint.
func (r *GPRegs) SetOrigSyscallNo(no uint64) {
	if r.Arch == arch.X86 {
		r.X86.OrigEax = uint32(no)
		return
	}
	r.X64.Orig_rax = no
}

// SetReturn sets the return-value register for a skipped/emulated
// syscall.
func (r *GPRegs) SetReturn(v int64) {
	if r.Arch == arch.X86 {
		r.X86.Eax = uint32(v)
		return
	}
	r.X64.Rax = uint64(v)
}

// SetSyscallEntry sets the syscall-number register (rax/eax) to no,
// as needed before diverting a stopped tracee through an injected
// syscall instruction (the remote package's job: unlike
// SetOrigSyscallNo, this is the register the syscall instruction
// itself reads on entry).
func (r *GPRegs) SetSyscallEntry(no uint64) {
	if r.Arch == arch.X86 {
		r.X86.Eax = uint32(no)
		return
	}
	r.X64.Rax = no
}

// SetArg sets syscall argument i (0-5), the write-side counterpart of
// Arg, used by the remote package to stage arguments for an injected
// syscall.
func (r *GPRegs) SetArg(i int, v uint64) {
	if r.Arch == arch.X86 {
		switch i {
		case 0:
			r.X86.Ebx = uint32(v)
		case 1:
			r.X86.Ecx = uint32(v)
		case 2:
			r.X86.Edx = uint32(v)
		case 3:
			r.X86.Esi = uint32(v)
		case 4:
			r.X86.Edi = uint32(v)
		case 5:
			r.X86.Ebp = uint32(v)
		}
		return
	}
	switch i {
	case 0:
		r.X64.Rdi = v
	case 1:
		r.X64.Rsi = v
	case 2:
		r.X64.Rdx = v
	case 3:
		r.X64.R10 = v
	case 4:
		r.X64.R8 = v
	case 5:
		r.X64.R9 = v
	}
}

// Arg returns syscall argument i (0-5) per the platform calling
// convention (arg3 is r10 on x86-64, not rcx, since rcx is clobbered
// by the syscall instruction).
func (r *GPRegs) Arg(i int) uint64 {
	if r.Arch == arch.X86 {
		switch i {
		case 0:
			return uint64(r.X86.Ebx)
		case 1:
			return uint64(r.X86.Ecx)
		case 2:
			return uint64(r.X86.Edx)
		case 3:
			return uint64(r.X86.Esi)
		case 4:
			return uint64(r.X86.Edi)
		case 5:
			return uint64(r.X86.Ebp)
		}
		return 0
	}
	switch i {
	case 0:
		return r.X64.Rdi
	case 1:
		return r.X64.Rsi
	case 2:
		return r.X64.Rdx
	case 3:
		return r.X64.R10
	case 4:
		return r.X64.R8
	case 5:
		return r.X64.R9
	}
	return 0
}

// SingleStepFlag reports whether the hardware trap flag (EFLAGS.TF /
// EFLAGS bit 8) is set, i.e. the CPU is configured to single-step.
func (r *GPRegs) SingleStepFlag() bool {
	const trapFlag = 1 << 8
	if r.Arch == arch.X86 {
		return r.X86.Eflags&trapFlag != 0
	}
	return r.X64.Eflags&trapFlag != 0
}

// ClearSingleStepFlag clears the cached trap flag bit. post_wait does
// this once a single-step has been consumed so a stale TF does not
// leak into the next resume's view of the registers.
func (r *GPRegs) ClearSingleStepFlag() {
	const trapFlag = 1 << 8
	if r.Arch == arch.X86 {
		r.X86.Eflags &^= trapFlag
		return
	}
	r.X64.Eflags &^= trapFlag
}

// ExtraRegsFormat identifies which transport was used to read/write a
// task's extended (floating point / vector) register block.
type ExtraRegsFormat int

const (
	// FormatNone means no extra registers have been read yet.
	FormatNone ExtraRegsFormat = iota
	// FormatXSave is NT_X86_XSTATE via PTRACE_GETREGSET, used when the
	// CPU reports XSAVE support via CPUID.
	FormatXSave
	// FormatFPX is PTRACE_GETFPXREGS, the x86 legacy FPX format.
	FormatFPX
	// FormatFP is PTRACE_GETFPREGS, the plain legacy FP format
	// (x86-64 fallback when XSAVE is unavailable).
	FormatFP
)

// ExtraRegs is the lazily-populated extended register block: XSAVE
// state on CPUs that support it, else the legacy FPX/FP formats. Its
// size is fixed at first use per CPU (see ptrace.xsaveOnce).
type ExtraRegs struct {
	Format ExtraRegsFormat
	Data   []byte
}

// Empty reports whether no extended registers have been captured yet.
func (e *ExtraRegs) Empty() bool {
	return e == nil || e.Format == FormatNone
}
