package debug

import (
	"fmt"

	"github.com/rr-go/tracecore/addrspace"
	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/task"
)

// FinishEmulatedSyscall leaves a SYSEMU-stop by single-stepping once,
// which re-executes the (not actually run) syscall instruction at the
// current ip. Unless the caller already knows that instruction is
// idempotent (the syscall originated from the syscall buffer or the
// traced-syscall entry point), a breakpoint must be inserted at ip
// first so the single-step traps immediately rather than letting the
// syscall run for real; it is removed again before returning, leaving
// regs().ip() unchanged from the caller's perspective.
func FinishEmulatedSyscall(t *task.Task, gw *ptrace.Gateway, as *addrspace.AddressSpace, idempotent bool) error {
	ip := uintptr(t.Regs().IP())
	savedRegs := *t.Regs()

	if !idempotent {
		if err := SetBreakpoint(t.Tid, as, ip); err != nil {
			return fmt.Errorf("debug: finish_emulated_syscall: %w", err)
		}
		defer RemoveBreakpoint(t.Tid, as, ip)
	}

	if err := gw.Resume(ptrace.ResumeSysemuSingleStep, ptrace.Wait, ptrace.NoTickBudget, 0); err != nil {
		return fmt.Errorf("debug: finish_emulated_syscall: resuming: %w", err)
	}

	// The resulting stop is either a plain SIGTRAP (the single-step
	// trap) or one of the ignored signal classes racing in; either way
	// it's already cached on t.WaitStatus for the dispatcher to
	// classify, so there's nothing more to check here before restoring
	// registers (per §4.4: "accept either SIGTRAP or any ignored
	// signal as the resulting stop").

	if err := ptrace.WriteRegs(t.Tid, &savedRegs); err != nil {
		return fmt.Errorf("debug: finish_emulated_syscall: restoring regs: %w", err)
	}
	t.SetCachedRegs(savedRegs)
	return nil
}
