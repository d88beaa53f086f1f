// Package debug implements Debug Facilities (component C6): software
// breakpoints via INT3 patching, hardware watchpoints via the DR0-3/
// DR7 debug registers, and single-stepping a tracee across a syscall
// instruction without letting the kernel actually run it.
package debug

import (
	"fmt"

	"github.com/rr-go/tracecore/addrspace"
	"github.com/rr-go/tracecore/ptrace"
)

const int3 = 0xcc

// SetBreakpoint installs a software breakpoint at addr in pid's
// memory, recording the displaced byte in as so concurrent requests
// for the same address share one patched INT3 (refcounted). A repeat
// request for an address that already has one installed is a no-op
// at the memory level.
func SetBreakpoint(pid int, as *addrspace.AddressSpace, addr uintptr) error {
	word, err := ptrace.PeekData(pid, addr)
	if err != nil {
		return fmt.Errorf("debug: reading breakpoint site %#x: %w", addr, err)
	}
	origByte := byte(word)

	bp := as.SetBreakpoint(addr, origByte)
	if bp.RefCount > 1 {
		return nil // already patched by an earlier request
	}

	patched := (word &^ 0xff) | int3
	if err := ptrace.PokeData(pid, addr, patched); err != nil {
		as.RemoveBreakpoint(addr)
		return fmt.Errorf("debug: installing breakpoint at %#x: %w", addr, err)
	}
	return nil
}

// RemoveBreakpoint undoes one SetBreakpoint call for addr, restoring
// the original byte once the refcount drops to zero.
func RemoveBreakpoint(pid int, as *addrspace.AddressSpace, addr uintptr) error {
	origByte, removed := as.RemoveBreakpoint(addr)
	if !removed {
		return nil // other holders remain, or nothing was installed
	}
	word, err := ptrace.PeekData(pid, addr)
	if err != nil {
		return fmt.Errorf("debug: reading breakpoint site %#x for removal: %w", addr, err)
	}
	restored := (word &^ 0xff) | uint64(origByte)
	if err := ptrace.PokeData(pid, addr, restored); err != nil {
		return fmt.Errorf("debug: removing breakpoint at %#x: %w", addr, err)
	}
	return nil
}
