package lifecycle

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rr-go/tracecore/arch"
	"github.com/rr-go/tracecore/memory"
	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/remote"
	"github.com/rr-go/tracecore/task"
)

// CapturedState is a snapshot of everything needed to reconstruct a
// Task's observable state in another session (§4.5 "Capture /
// restore state").
type CapturedState struct {
	Regs         task.GPRegs
	ExtraRegs    task.ExtraRegs
	Prname       string
	ThreadAreas  []task.ThreadArea
	SyscallBuf   *task.SyscallBuf
	Scratch      task.ScratchMem
	PreloadGlobals uintptr
	ThreadLocal  [104]byte
	WaitStatus   int
	Ticks        uint64
	TopOfStack   uint64

	ClonedFileDataOffset int64 // seek position at capture time, from /proc/<tid>/fdinfo/<fd>
}

// CaptureState reads everything CapturedState holds off a stopped
// Task.
func CaptureState(t *task.Task) (CapturedState, error) {
	cs := CapturedState{
		Regs:           *t.Regs(),
		ExtraRegs:      *t.RawExtraRegs(),
		Prname:         t.Prname(),
		ThreadAreas:    append([]task.ThreadArea(nil), t.ThreadAreas()...),
		SyscallBuf:     t.SyscallBuf,
		Scratch:        t.Scratch,
		PreloadGlobals: t.PreloadGlobals,
		ThreadLocal:    t.ThreadLocal,
		WaitStatus:     int(t.WaitStatus),
		Ticks:          t.Ticks,
		TopOfStack:     t.Regs().SP(),
	}

	if t.SyscallBuf != nil && t.SyscallBuf.ClonedFileDataFD != 0 {
		off, err := readFdOffset(t.Tid, t.SyscallBuf.ClonedFileDataFD)
		if err != nil {
			return cs, fmt.Errorf("lifecycle: capture: reading cloned-file-data offset: %w", err)
		}
		cs.ClonedFileDataOffset = off
	}

	return cs, nil
}

// readFdOffset parses the "pos:" field out of /proc/<tid>/fdinfo/<fd>
// (§4.5: "the latter's current kernel offset... parsed field pos:").
func readFdOffset(tid, fd int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/fdinfo/%d", tid, fd))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "pos:"); ok {
			return strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		}
	}
	return 0, fmt.Errorf("no pos: field in fdinfo")
}

// RestoreState applies a CapturedState onto a freshly cloned Task,
// via the local register-cache write plus the handful of operations
// that must happen through a remote syscall in the new Task itself.
// io is used to stage the comm-name bytes into the Task's own scratch
// region before the remote prctl(PR_SET_NAME) call that reads them.
func RestoreState(t *task.Task, gw *ptrace.Gateway, io *memory.IO, cs CapturedState) error {
	if err := ptrace.WriteRegs(t.Tid, &cs.Regs); err != nil {
		return fmt.Errorf("lifecycle: restore: writing registers: %w", err)
	}
	t.SetCachedRegs(cs.Regs)
	if !cs.ExtraRegs.Empty() {
		if err := ptrace.WriteExtraRegs(t.Tid, &cs.ExtraRegs); err != nil {
			return fmt.Errorf("lifecycle: restore: writing extended registers: %w", err)
		}
	}
	t.IsStopped = true

	for _, ta := range cs.ThreadAreas {
		t.MergeThreadArea(ta)
	}
	t.SyscallBuf = cs.SyscallBuf
	t.Scratch = cs.Scratch
	t.PreloadGlobals = cs.PreloadGlobals
	t.ThreadLocal = cs.ThreadLocal
	t.Ticks = cs.Ticks

	rs, err := remote.Enter(t, gw)
	if err != nil {
		return fmt.Errorf("lifecycle: restore: opening remote syscalls: %w", err)
	}
	defer rs.Close()

	if cs.Prname != "" && t.Scratch.RemoteAddr != 0 {
		nameBuf := make([]byte, 16)
		copy(nameBuf, cs.Prname)
		if err := io.WriteBytes(t.Scratch.RemoteAddr, nameBuf, nil); err != nil {
			return fmt.Errorf("lifecycle: restore: staging comm name: %w", err)
		}
		const prSetName = 15
		if _, err := rs.Prctl(prSetName, uint64(t.Scratch.RemoteAddr)); err != nil {
			return fmt.Errorf("lifecycle: restore: prctl(PR_SET_NAME): %w", err)
		}
		t.SetPrname(cs.Prname)
	}

	if cs.SyscallBuf != nil && cs.SyscallBuf.ClonedFileDataFD != 0 {
		sysLseek := 8 // x86-64 lseek
		if t.Arch == arch.X86 {
			sysLseek = 19 // x86 lseek
		}
		const seekSet = 0
		if _, err := rs.Syscall(uint64(sysLseek), uint64(cs.SyscallBuf.ClonedFileDataFD), uint64(cs.ClonedFileDataOffset), seekSet); err != nil {
			return fmt.Errorf("lifecycle: restore: seeking cloned-file-data fd: %w", err)
		}
	}

	return nil
}
