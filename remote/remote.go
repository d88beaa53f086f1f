// Package remote implements the remote-syscall helper referenced
// throughout the core (§3, §4.3, §5): a way to make a stopped tracee
// execute a syscall on the tracer's behalf. lifecycle uses it to map
// the syscall buffer, for the PROT_NONE/read-only-MAP_SHARED mprotect
// workaround for memory writes, and for the clone-time buffer/fd
// teardown in the child. It does not update the AddressSpace for the
// mappings it creates.
package remote

import (
	"encoding/binary"
	"fmt"

	"github.com/rr-go/tracecore/arch"
	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/task"
)

// Syscalls is one remote-syscall session against a stopped Task. It
// diverts the tracee through a syscall instruction temporarily
// written over whatever is at its current program counter, and
// restores both the bytes and the registers on Close.
type Syscalls struct {
	t  *task.Task
	gw *ptrace.Gateway

	addr      uintptr
	savedIns  [8]byte
	savedRegs task.GPRegs
}

// Enter opens a remote-syscall session against t, which must already
// be ptrace-stopped (the caller holds a valid register snapshot).
func Enter(t *task.Task, gw *ptrace.Gateway) (*Syscalls, error) {
	regs := *t.Regs()
	addr := uintptr(regs.IP())

	word, err := ptrace.PeekData(t.Tid, addr)
	if err != nil {
		return nil, fmt.Errorf("remote: reading injection site at %#x: %w", addr, err)
	}
	var saved [8]byte
	binary.LittleEndian.PutUint64(saved[:], word)

	patched := saved
	copy(patched[:], stubFor(t.Arch))
	if err := ptrace.PokeData(t.Tid, addr, binary.LittleEndian.Uint64(patched[:])); err != nil {
		return nil, fmt.Errorf("remote: installing syscall stub at %#x: %w", addr, err)
	}

	return &Syscalls{t: t, gw: gw, addr: addr, savedIns: saved, savedRegs: regs}, nil
}

// stubFor returns the injected instruction bytes: the native syscall
// entry followed by a trap, so one resume-and-wait for SIGTRAP is
// enough to know the syscall has both entered and exited.
func stubFor(a arch.Arch) []byte {
	if a == arch.X86 {
		return []byte{0xcd, 0x80, 0xcc} // int $0x80; int3
	}
	return []byte{0x0f, 0x05, 0xcc} // syscall; int3
}

// Syscall executes one syscall with the given number and up to 6
// arguments in the tracee, returning its result register. Each call
// restarts from the session's saved register snapshot, so calls don't
// see each other's side effects on unrelated registers.
func (s *Syscalls) Syscall(no uint64, args ...uint64) (int64, error) {
	t := s.t

	regs := s.savedRegs
	regs.SetIP(uint64(s.addr))
	regs.SetSyscallEntry(no)
	for i, a := range args {
		regs.SetArg(i, a)
	}

	if err := ptrace.WriteRegs(t.Tid, &regs); err != nil {
		return 0, fmt.Errorf("remote: staging registers: %w", err)
	}
	t.SetCachedRegs(regs)
	t.IsStopped = true

	if err := s.gw.Resume(ptrace.ResumeCont, ptrace.Wait, ptrace.NoTickBudget, 0); err != nil {
		return 0, fmt.Errorf("remote: resuming through stub: %w", err)
	}

	// The int3 trap leaves the pc just past the whole stub.
	result := t.Regs()
	want := uint64(s.addr) + uint64(len(stubFor(t.Arch)))
	if got := result.IP(); got != want {
		return 0, fmt.Errorf("remote: tracee stopped at unexpected pc %#x (wanted %#x)", got, want)
	}
	return int64(result.SyscallNo()), nil
}

// Close restores the original instruction bytes and pre-session
// registers, ending the remote-syscall session. Callers must call
// this before returning control to the normal dispatch/resume loop.
func (s *Syscalls) Close() error {
	if err := ptrace.PokeData(s.t.Tid, s.addr, binary.LittleEndian.Uint64(s.savedIns[:])); err != nil {
		return fmt.Errorf("remote: restoring instruction bytes: %w", err)
	}
	if err := ptrace.WriteRegs(s.t.Tid, &s.savedRegs); err != nil {
		return fmt.Errorf("remote: restoring registers: %w", err)
	}
	s.t.SetCachedRegs(s.savedRegs)
	s.t.IsStopped = true
	return nil
}

// Mmap issues a remote mmap(2), used by lifecycle to establish the
// syscall-buffer mapping.
func (s *Syscalls) Mmap(addr uintptr, length int, prot, flags, fd int, offset int64) (uintptr, error) {
	table := arch.TableFor(s.t.Arch)
	ret, err := s.Syscall(uint64(table.Mmap),
		uint64(addr), uint64(length), uint64(prot), uint64(flags), uint64(fd), uint64(offset))
	if err != nil {
		return 0, err
	}
	if ret < 0 && ret > -4096 {
		return 0, fmt.Errorf("remote: mmap failed: errno %d", -ret)
	}
	return uintptr(ret), nil
}

// Munmap issues a remote munmap(2).
func (s *Syscalls) Munmap(addr uintptr, length int) error {
	table := arch.TableFor(s.t.Arch)
	ret, err := s.Syscall(uint64(table.Munmap), uint64(addr), uint64(length))
	if err != nil {
		return err
	}
	if ret < 0 {
		return fmt.Errorf("remote: munmap failed: errno %d", -ret)
	}
	return nil
}

// Mprotect issues a remote mprotect(2) for the PROT_NONE/read-only-
// MAP_SHARED memory-write workaround (§4.3); lifecycle passes it to
// memory.IO.WriteBytes when staging bytes into the tracee. Its
// signature matches the mprotectWrite callback memory.IO.WriteBytes
// expects, so a bound method value can be passed straight through.
func (s *Syscalls) Mprotect(addr, length uintptr, prot int) error {
	table := arch.TableFor(s.t.Arch)
	ret, err := s.Syscall(uint64(table.Mprotect), uint64(addr), uint64(length), uint64(prot))
	if err != nil {
		return err
	}
	if ret < 0 {
		return fmt.Errorf("remote: mprotect failed: errno %d", -ret)
	}
	return nil
}

// Open issues a remote open(2), used to have the tracee open a path
// under its own fd table — notably /proc/<tracer-pid>/fd/<n>, the
// standard way to hand a tracer-held fd (e.g. a sealed memfd backing
// the syscall buffer) to the tracee without a socket round-trip: the
// tracee already has read access to its tracer's /proc/<pid>/fd/
// entries once it is being traced.
func (s *Syscalls) Open(path uintptr, flags, mode int) (int, error) {
	table := arch.TableFor(s.t.Arch)
	ret, err := s.Syscall(uint64(table.Open), uint64(path), uint64(flags), uint64(mode))
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("remote: open failed: errno %d", -ret)
	}
	return int(ret), nil
}

// CloseFD issues a remote close(2) on fd, used when tearing down a
// clone child's desched/cloned-file-data fds without a shared VM.
func (s *Syscalls) CloseFD(fd int) error {
	table := arch.TableFor(s.t.Arch)
	ret, err := s.Syscall(uint64(table.Close), uint64(fd))
	if err != nil {
		return err
	}
	if ret < 0 {
		return fmt.Errorf("remote: close failed: errno %d", -ret)
	}
	return nil
}

// Prctl issues a remote prctl(2), used to restore PR_SET_NAME during
// capture/restore (§5.3).
func (s *Syscalls) Prctl(option, arg2 uint64) (int64, error) {
	table := arch.TableFor(s.t.Arch)
	return s.Syscall(uint64(table.Prctl), option, arg2)
}
