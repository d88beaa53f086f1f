package task

import (
	"testing"

	"github.com/rr-go/tracecore/arch"
)

func TestGPRegsIPSetIP(t *testing.T) {
	for _, a := range []arch.Arch{arch.X86, arch.X8664} {
		r := &GPRegs{Arch: a}
		r.SetIP(0x4010)
		if got := r.IP(); got != 0x4010 {
			t.Errorf("arch %s: IP() = %#x after SetIP, want %#x", a, got, 0x4010)
		}
	}
}

func TestGPRegsSP(t *testing.T) {
	r := &GPRegs{Arch: arch.X8664}
	r.X64.Rsp = 0x7fff0000
	if got := r.SP(); got != 0x7fff0000 {
		t.Errorf("SP() = %#x, want %#x", got, 0x7fff0000)
	}

	r86 := &GPRegs{Arch: arch.X86}
	r86.X86.Esp = 0xbfff0000
	if got := r86.SP(); got != 0xbfff0000 {
		t.Errorf("x86 SP() = %#x, want %#x", got, 0xbfff0000)
	}
}

func TestGPRegsOrigSyscallNoRoundTrip(t *testing.T) {
	for _, a := range []arch.Arch{arch.X86, arch.X8664} {
		r := &GPRegs{Arch: a}
		r.SetOrigSyscallNo(59)
		if got := r.OrigSyscallNo(); got != 59 {
			t.Errorf("arch %s: OrigSyscallNo() = %d after SetOrigSyscallNo(59), want 59", a, got)
		}
	}
}

func TestGPRegsSyscallNoReflectsKernelOverwrite(t *testing.T) {
	r := &GPRegs{Arch: arch.X8664}
	r.X64.Orig_rax = 1 // entered as write(2)
	r.X64.Rax = 0xfffffffffffffff6 // -10, kernel's in-place return value
	if got := r.OrigSyscallNo(); got != 1 {
		t.Errorf("OrigSyscallNo() = %d, want 1", got)
	}
	if got := r.SyscallNo(); got != r.X64.Rax {
		t.Errorf("SyscallNo() = %#x, want %#x", got, r.X64.Rax)
	}
}

func TestGPRegsSetReturn(t *testing.T) {
	r := &GPRegs{Arch: arch.X8664}
	r.SetReturn(-1)
	if int64(r.X64.Rax) != -1 {
		t.Errorf("Rax after SetReturn(-1) = %d, want -1", int64(r.X64.Rax))
	}
}

func TestGPRegsSetSyscallEntry(t *testing.T) {
	r := &GPRegs{Arch: arch.X8664}
	r.SetSyscallEntry(231) // exit_group
	if r.X64.Rax != 231 {
		t.Errorf("Rax after SetSyscallEntry(231) = %d, want 231", r.X64.Rax)
	}
}

func TestGPRegsArgSetArgRoundTrip(t *testing.T) {
	for _, a := range []arch.Arch{arch.X86, arch.X8664} {
		r := &GPRegs{Arch: a}
		for i := 0; i < 6; i++ {
			r.SetArg(i, uint64(100+i))
		}
		for i := 0; i < 6; i++ {
			if got := r.Arg(i); got != uint64(100+i) {
				t.Errorf("arch %s: Arg(%d) = %d, want %d", a, i, got, 100+i)
			}
		}
	}
}

func TestGPRegsArg3IsR10OnX8664(t *testing.T) {
	r := &GPRegs{Arch: arch.X8664}
	r.X64.R10 = 0xdead
	r.X64.Rcx = 0xbeef // clobbered by the syscall instruction, must not be read
	if got := r.Arg(3); got != 0xdead {
		t.Errorf("Arg(3) = %#x, want r10's value %#x", got, 0xdead)
	}
}

func TestGPRegsSingleStepFlag(t *testing.T) {
	r := &GPRegs{Arch: arch.X8664}
	if r.SingleStepFlag() {
		t.Fatal("fresh GPRegs should not report the trap flag set")
	}
	r.X64.Eflags |= 1 << 8
	if !r.SingleStepFlag() {
		t.Fatal("SingleStepFlag() should be true once bit 8 is set")
	}
	r.ClearSingleStepFlag()
	if r.SingleStepFlag() {
		t.Fatal("ClearSingleStepFlag() should clear the trap flag")
	}
	if r.X64.Eflags&^(1<<8) != r.X64.Eflags {
		t.Fatal("ClearSingleStepFlag() should leave bit 8 of Eflags clear")
	}
}

func TestGPRegsSingleStepFlagPreservesOtherBits(t *testing.T) {
	r := &GPRegs{Arch: arch.X8664}
	r.X64.Eflags = 1<<8 | 1<<2
	r.ClearSingleStepFlag()
	if r.X64.Eflags != 1<<2 {
		t.Errorf("Eflags after clear = %#x, want %#x", r.X64.Eflags, 1<<2)
	}
}

func TestExtraRegsEmpty(t *testing.T) {
	var nilRegs *ExtraRegs
	if !nilRegs.Empty() {
		t.Error("nil *ExtraRegs should report Empty")
	}
	e := &ExtraRegs{Format: FormatNone}
	if !e.Empty() {
		t.Error("ExtraRegs with FormatNone should report Empty")
	}
	e.Format = FormatXSave
	if e.Empty() {
		t.Error("ExtraRegs with FormatXSave should not report Empty")
	}
}
