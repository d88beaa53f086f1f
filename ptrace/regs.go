package ptrace

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/arch"
	"github.com/rr-go/tracecore/task"
)

const (
	ntPrstatus   = 1
	ntX86Xstate  = 0x202
	ptraceGetRegSet = 0x4204
	ptraceSetRegSet = 0x4205
	ptraceGetFPRegs  = 14
	ptraceSetFPRegs  = 15
	ptraceGetFPXRegs = 18
	ptraceSetFPXRegs = 19
)

func iovecFor(p unsafe.Pointer, n int) unix.Iovec {
	return unix.Iovec{Base: (*byte)(p), Len: uint64(n)}
}

// ReadRegs reads the general-purpose registers for pid under
// architecture a via PTRACE_GETREGSET/NT_PRSTATUS, which the kernel
// sizes according to the tracee's actual personality rather than the
// tracer's.
func ReadRegs(pid int, a arch.Arch) (task.GPRegs, error) {
	var regs task.GPRegs
	regs.Arch = a
	var iov unix.Iovec
	if a == arch.X86 {
		iov = iovecFor(unsafe.Pointer(&regs.X86), int(unsafe.Sizeof(regs.X86)))
	} else {
		iov = iovecFor(unsafe.Pointer(&regs.X64), int(unsafe.Sizeof(regs.X64)))
	}
	_, err := ptraceIfAlive(ptraceGetRegSet, pid, ntPrstatus, uintptr(unsafe.Pointer(&iov)))
	if err != nil {
		return regs, err
	}
	return regs, nil
}

// WriteRegs writes the general-purpose registers back to the kernel
// (the Ptrace Gateway's set_regs).
func WriteRegs(pid int, r *task.GPRegs) error {
	var iov unix.Iovec
	if r.Arch == arch.X86 {
		iov = iovecFor(unsafe.Pointer(&r.X86), int(unsafe.Sizeof(r.X86)))
	} else {
		iov = iovecFor(unsafe.Pointer(&r.X64), int(unsafe.Sizeof(r.X64)))
	}
	_, err := ptraceIfAlive(ptraceSetRegSet, pid, ntPrstatus, uintptr(unsafe.Pointer(&iov)))
	return err
}

var (
	xsaveOnce      sync.Once
	xsaveAreaSize  int
	xsaveSupported bool
)

// initXSave probes the host CPU via golang.org/x/sys/cpu (the same
// module that supplies golang.org/x/sys/unix, rather than hand-rolled
// CPUID assembly) for OS-enabled XSAVE support, matching the source's
// init_xsave probe. It is only meaningful on the tracer's own host
// CPU, which is what the kernel's XSAVE transport is sized against
// regardless of the tracee's arch.
func initXSave() {
	if cpu.X86.HasOSXSAVE {
		xsaveSupported = true
		// The kernel's true per-CPU XSAVE area size is reported via
		// CPUID leaf 0xd; x/sys/cpu doesn't surface that directly, so
		// we size conservatively for the legacy + AVX/AVX2 state that
		// covers the hosts rr-like tracers run on.
		switch {
		case cpu.X86.HasAVX512F:
			xsaveAreaSize = 2688
		case cpu.X86.HasAVX2, cpu.X86.HasAVX:
			xsaveAreaSize = 1088
		default:
			xsaveAreaSize = 576
		}
	}
}

// ExtraRegsFormatFor picks the extended-register transport for this
// host: XSAVE when CPUID reports it, else FPX on x86, else FP on
// x86-64 (§4.1). The choice and the resulting size are fixed at first
// use process-wide, replacing the xsave_area_size/xsave_initialized
// globals with a sync.Once.
func ExtraRegsFormatFor(a arch.Arch) task.ExtraRegsFormat {
	xsaveOnce.Do(initXSave)
	if xsaveSupported {
		return task.FormatXSave
	}
	if a == arch.X86 {
		return task.FormatFPX
	}
	return task.FormatFP
}

// ReadExtraRegs reads the extended register block using whichever
// transport ExtraRegsFormatFor selects, lazily sizing the buffer on
// first use.
func ReadExtraRegs(pid int, a arch.Arch) (task.ExtraRegs, error) {
	format := ExtraRegsFormatFor(a)
	switch format {
	case task.FormatXSave:
		xsaveOnce.Do(initXSave)
		buf := make([]byte, xsaveAreaSize)
		iov := iovecFor(unsafe.Pointer(&buf[0]), len(buf))
		n, err := ptraceIfAlive(ptraceGetRegSet, pid, ntX86Xstate, uintptr(unsafe.Pointer(&iov)))
		if err != nil {
			return task.ExtraRegs{}, err
		}
		_ = n
		return task.ExtraRegs{Format: task.FormatXSave, Data: buf[:iov.Len]}, nil
	case task.FormatFPX:
		var regs syscall.PtraceRegs // placeholder sizing; real FPX struct is arch-specific
		buf := make([]byte, unsafe.Sizeof(regs))
		_, err := ptraceIfAlive(ptraceGetFPXRegs, pid, 0, uintptr(unsafe.Pointer(&buf[0])))
		if err != nil {
			return task.ExtraRegs{}, err
		}
		return task.ExtraRegs{Format: task.FormatFPX, Data: buf}, nil
	default:
		var fp [512]byte // struct user_fpregs_struct, x86-64
		_, err := ptraceIfAlive(ptraceGetFPRegs, pid, 0, uintptr(unsafe.Pointer(&fp[0])))
		if err != nil {
			return task.ExtraRegs{}, err
		}
		return task.ExtraRegs{Format: task.FormatFP, Data: fp[:]}, nil
	}
}

// WriteExtraRegs writes back a previously-read (or externally
// constructed, e.g. by capture/restore) extended register block using
// its recorded format.
func WriteExtraRegs(pid int, r *task.ExtraRegs) error {
	if r.Empty() {
		return nil
	}
	switch r.Format {
	case task.FormatXSave:
		iov := iovecFor(unsafe.Pointer(&r.Data[0]), len(r.Data))
		_, err := ptraceIfAlive(ptraceSetRegSet, pid, ntX86Xstate, uintptr(unsafe.Pointer(&iov)))
		return err
	case task.FormatFPX:
		_, err := ptraceIfAlive(ptraceSetFPXRegs, pid, 0, uintptr(unsafe.Pointer(&r.Data[0])))
		return err
	default:
		_, err := ptraceIfAlive(ptraceSetFPRegs, pid, 0, uintptr(unsafe.Pointer(&r.Data[0])))
		return err
	}
}
