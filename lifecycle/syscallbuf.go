package lifecycle

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/memory"
	"github.com/rr-go/tracecore/pkg/memfd"
	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/remote"
	"github.com/rr-go/tracecore/task"
)

// syscallBufFD is a reserved fd number, analogous to
// MagicSaveDataFD/RootDirFD. Nothing installs the syscall-buffer memfd
// onto it: AllocateSyscallBuf maps whatever fd the remote open returns
// and closes that fd once the mapping exists.
const syscallBufFD = 42

// AllocateSyscallBuf creates the sealed, size-fixed memfd backing a
// task's syscall buffer, hands it to the tracee by having the tracee
// open it through /proc/<tracer-pid>/fd/<n> (the tracee already has
// read access to the tracer's fd directory once traced), and maps it
// MAP_SHARED into the tracee's address space (§6, "shared syscall-
// buffer region").
func AllocateSyscallBuf(t *task.Task, gw *ptrace.Gateway, io *memory.IO, size int) (*task.SyscallBuf, error) {
	local, err := memfd.New("tracecore-syscallbuf")
	if err != nil {
		return nil, fmt.Errorf("lifecycle: syscallbuf: creating memfd: %w", err)
	}
	defer local.Close()

	if err := local.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("lifecycle: syscallbuf: sizing memfd: %w", err)
	}
	const sizeSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(local.Fd(), unix.F_ADD_SEALS, sizeSeals); err != nil {
		return nil, fmt.Errorf("lifecycle: syscallbuf: sealing memfd: %w", err)
	}

	rs, err := remote.Enter(t, gw)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: syscallbuf: opening remote syscalls: %w", err)
	}
	defer rs.Close()

	procPath := fmt.Sprintf("/proc/%d/fd/%d\x00", os.Getpid(), local.Fd())
	if t.Scratch.RemoteAddr == 0 {
		return nil, fmt.Errorf("lifecycle: syscallbuf: no scratch region to stage the fd path")
	}
	if err := io.WriteBytes(t.Scratch.RemoteAddr, []byte(procPath), rs.Mprotect); err != nil {
		return nil, fmt.Errorf("lifecycle: syscallbuf: staging fd path: %w", err)
	}

	const oRdwr = 0x0002
	remoteFD, err := rs.Open(t.Scratch.RemoteAddr, oRdwr, 0)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: syscallbuf: remote open of tracer fd: %w", err)
	}

	const protRead, protWrite = 0x1, 0x2
	const mapShared = 0x01
	addr, err := rs.Mmap(0, size, protRead|protWrite, mapShared, remoteFD, 0)
	_ = rs.CloseFD(remoteFD)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: syscallbuf: remote mmap: %w", err)
	}

	buf := &task.SyscallBuf{
		RemoteAddr: addr,
		Size:       size,
	}
	t.SyscallBuf = buf
	return buf, nil
}

// ReleaseSyscallBuf unmaps and closes a previously allocated syscall
// buffer; the counterpart to the teardown branch destroy.go expects
// already performed before a stable Destroy.
func ReleaseSyscallBuf(t *task.Task, gw *ptrace.Gateway) error {
	return unmapSyscallBufBothSides(t, gw)
}
