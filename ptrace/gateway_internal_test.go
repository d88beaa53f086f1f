package ptrace

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/task"
)

func TestLe32(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		want uint32
	}{
		{"zero", []byte{0, 0, 0, 0}, 0},
		{"one", []byte{1, 0, 0, 0}, 1},
		{"all ones", []byte{0xff, 0xff, 0xff, 0xff}, 0xffffffff},
		{"little endian order", []byte{0x78, 0x56, 0x34, 0x12}, 0x12345678},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := le32(tt.b); got != tt.want {
				t.Errorf("le32(%v) = %#x, want %#x", tt.b, got, tt.want)
			}
		})
	}
}

func stoppedStatus(stopSig uint32) unix.WaitStatus {
	return unix.WaitStatus(0x7f | stopSig<<8)
}

func TestIsPtraceInterruptStop(t *testing.T) {
	notExpecting := &task.Task{ExpectingPtraceInterruptStop: 0}
	if isPtraceInterruptStop(notExpecting, stoppedStatus(uint32(unix.SIGTRAP))) {
		t.Error("a task not expecting PTRACE_INTERRUPT should never report a match")
	}

	expecting := &task.Task{ExpectingPtraceInterruptStop: 1}
	if !isPtraceInterruptStop(expecting, stoppedStatus(uint32(unix.SIGTRAP))) {
		t.Error("SIGTRAP stop while expecting PTRACE_INTERRUPT should match")
	}
	if !isPtraceInterruptStop(expecting, stoppedStatus(uint32(unix.SIGSTOP))) {
		t.Error("SIGSTOP stop while expecting PTRACE_INTERRUPT should match")
	}
	if isPtraceInterruptStop(expecting, stoppedStatus(uint32(unix.SIGSEGV))) {
		t.Error("an unrelated stop signal should not match")
	}
}
