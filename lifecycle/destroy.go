package lifecycle

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/remote"
	"github.com/rr-go/tracecore/task"
)

// DestroyConfig carries the bits Destroy needs that aren't already on
// the Task itself.
type DestroyConfig struct {
	// Recording disables group-leader reaping on the stable path
	// (§4.5 "if ... not recording").
	Recording bool
}

// Destroy tears down a task whose exit has been observed, following
// one of two paths (§4.5 "Destruction"):
//
// Unstable: log, leak the tid as a zombie, unmap the syscall buffer's
// shared region from the tracee if one remains (the tracer side is
// not touched), then PTRACE_DETACH.
//
// Stable: assert the exit event was seen and the syscall buffer has
// already been torn down, reap the group leader via waitpid if t is
// the last member of its group and this is not a recording session,
// notify the AddressSpace/FdTable collaborators, then PTRACE_DETACH.
func Destroy(t *task.Task, gw *ptrace.Gateway, cfg DestroyConfig) error {
	if t.Unstable {
		return destroyUnstable(t, gw)
	}
	return destroyStable(t, gw, cfg)
}

// Destroy tears down s's Task per Destroy and deregisters s from its
// Registry, so a later Lookup by a sibling's Dispatcher correctly
// reports it gone.
func (s *Session) Destroy(cfg DestroyConfig) error {
	err := Destroy(s.Task, s.Gateway, cfg)
	s.Close()
	return err
}

func destroyUnstable(t *task.Task, gw *ptrace.Gateway) error {
	t.Log().Warnf("lifecycle: tid %d destroyed unstable, leaking as zombie", t.Tid)

	if t.SyscallBuf != nil {
		if err := unmapSyscallBufBothSides(t, gw); err != nil {
			t.Log().Warnf("lifecycle: tid %d: unmapping syscall buffer during unstable teardown: %v", t.Tid, err)
		}
	}

	if err := ptrace.Detach(t.Tid, 0); err != nil {
		t.Log().Warnf("lifecycle: tid %d: PTRACE_DETACH during unstable teardown: %v", t.Tid, err)
	}
	return nil
}

func destroyStable(t *task.Task, gw *ptrace.Gateway, cfg DestroyConfig) error {
	if !t.SeenExitEvent {
		return fmt.Errorf("lifecycle: destroy: tid %d: stable teardown requires a seen exit event", t.Tid)
	}
	if t.SyscallBuf != nil {
		return fmt.Errorf("lifecycle: destroy: tid %d: stable teardown requires the syscall buffer already destroyed", t.Tid)
	}

	isLast := t.Group == nil || t.Group.Count() == 1
	if isLast && !cfg.Recording && t.Group != nil {
		if leader, ok := t.Group.Leader(); ok && leader.Tid == t.Tid {
			var ws unix.WaitStatus
			if _, err := unix.Wait4(t.Tid, &ws, 0, nil); err != nil && err != unix.ECHILD {
				t.Log().Warnf("lifecycle: tid %d: reaping group leader: %v", t.Tid, err)
			}
		}
	}

	t.Destroy()

	if err := ptrace.Detach(t.Tid, 0); err != nil {
		return fmt.Errorf("lifecycle: destroy: tid %d: PTRACE_DETACH: %w", t.Tid, err)
	}
	return nil
}

// unmapSyscallBufBothSides drops the syscall-buffer mapping from the
// tracee's side via a remote munmap before it's abandoned; the local
// (tracer) side, if ever mapped, is the memory package's concern and
// is not touched here since the IO type holds no persistent local
// mapping of tracee syscall-buffer memory.
func unmapSyscallBufBothSides(t *task.Task, gw *ptrace.Gateway) error {
	buf := t.SyscallBuf
	if buf == nil || buf.RemoteAddr == 0 {
		return nil
	}
	rs, err := remote.Enter(t, gw)
	if err != nil {
		return fmt.Errorf("opening remote syscalls: %w", err)
	}
	defer rs.Close()

	if err := rs.Munmap(buf.RemoteAddr, buf.Size); err != nil {
		return fmt.Errorf("unmapping remote syscall buffer: %w", err)
	}
	if buf.DeschedFD != 0 {
		_ = rs.CloseFD(buf.DeschedFD)
	}
	if buf.ClonedFileDataFD != 0 {
		_ = rs.CloseFD(buf.ClonedFileDataFD)
	}
	t.SyscallBuf = nil
	return nil
}
