package dispatch

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/ptrace"
)

func TestIgnoredSignal(t *testing.T) {
	tests := []struct {
		name string
		sig  int
		want bool
	}{
		{"SIGSTOP", int(unix.SIGSTOP), true},
		{"SIGCHLD", int(unix.SIGCHLD), true},
		{"SIGWINCH", int(unix.SIGWINCH), true},
		{"SIGPROF", int(unix.SIGPROF), true},
		{"time slice signal", int(ptrace.TimeSliceSignal), true},
		{"SIGSEGV not ignored", int(unix.SIGSEGV), false},
		{"SIGTRAP not ignored", int(unix.SIGTRAP), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ignoredSignal(tt.sig); got != tt.want {
				t.Errorf("ignoredSignal(%d) = %v, want %v", tt.sig, got, tt.want)
			}
		})
	}
}

func TestIsDupFcntl(t *testing.T) {
	tests := []struct {
		name string
		cmd  uint64
		want bool
	}{
		{"F_DUPFD", 0, true},
		{"F_DUPFD_CLOEXEC", 1030, true},
		{"F_GETFD", 1, false},
		{"F_SETFL", 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDupFcntl(tt.cmd); got != tt.want {
				t.Errorf("isDupFcntl(%d) = %v, want %v", tt.cmd, got, tt.want)
			}
		})
	}
}

// stoppedStatus packs a WaitStatus reporting a stop with the given
// stop signal, per the kernel encoding syscall_linux.go's WaitStatus
// decodes (0x7f in the low byte, the stop signal in the next byte).
func stoppedStatus(stopSig uint32) unix.WaitStatus {
	return unix.WaitStatus(0x7f | stopSig<<8)
}

func TestIsSyscallStop(t *testing.T) {
	plainTrap := stoppedStatus(uint32(unix.SIGTRAP))
	if isSyscallStop(plainTrap) {
		t.Error("a plain SIGTRAP stop (no TRACESYSGOOD bit) should not read as a syscall-stop")
	}

	syscallTrap := stoppedStatus(uint32(unix.SIGTRAP) | 0x80)
	if !isSyscallStop(syscallTrap) {
		t.Error("SIGTRAP|0x80 stop should read as a syscall-stop")
	}

	exited := unix.WaitStatus(0)
	if isSyscallStop(exited) {
		t.Error("an exited status should never read as a syscall-stop")
	}
}

func TestIsSeccompEvent(t *testing.T) {
	// The kernel reports a ptrace event in bits 16-23 of the wait
	// status, which is what status.TrapCause() (status>>16) returns;
	// build a raw status in that layout so the test exercises the real
	// decode path.
	seccomp := unix.WaitStatus(0x7f | uint32(unix.SIGTRAP)<<8 | uint32(unix.PTRACE_EVENT_SECCOMP)<<16)
	if !isSeccompEvent(seccomp) {
		t.Error("a seccomp-event-tagged stop should be classified as such")
	}

	exec := unix.WaitStatus(0x7f | uint32(unix.SIGTRAP)<<8 | uint32(unix.PTRACE_EVENT_EXEC)<<16)
	if isSeccompEvent(exec) {
		t.Error("a differently-tagged ptrace event should not read as seccomp")
	}

	plainTrap := stoppedStatus(uint32(unix.SIGTRAP))
	if isSeccompEvent(plainTrap) {
		t.Error("an untagged SIGTRAP stop should not read as a seccomp event")
	}
}
