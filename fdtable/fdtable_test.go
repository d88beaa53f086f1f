package fdtable

import (
	"bytes"
	"testing"

	"github.com/rr-go/tracecore/task"
)

func TestNotifyOpenCloseHas(t *testing.T) {
	f := New()
	if f.Has(3) {
		t.Fatal("fresh table should not have fd 3")
	}
	f.NotifyOpen(3, "/dev/null")
	if !f.Has(3) {
		t.Fatal("NotifyOpen should record fd 3")
	}
	f.NotifyClose(3)
	if f.Has(3) {
		t.Fatal("NotifyClose should drop fd 3")
	}
}

func TestNotifyDupAliasesMonitoredData(t *testing.T) {
	f := New()
	f.NotifyOpen(4, "/tmp/out")
	f.SetMonitored(4)
	f.NotifyWrite(4, []byte("hello"), -1)

	f.NotifyDup(4, 9)
	if !f.Has(9) {
		t.Fatal("NotifyDup should create an entry for the new fd")
	}
	if got := f.WrittenBytes(9); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("WrittenBytes(9) = %q, want %q (dup should carry over monitored data)", got, "hello")
	}
}

func TestNotifyDupUnknownSourceStillRecordsFD(t *testing.T) {
	f := New()
	f.NotifyDup(100, 5)
	if !f.Has(5) {
		t.Fatal("NotifyDup with an unknown source should still record the new fd")
	}
}

func TestNotifyWriteOnlyCapturesWhenMonitored(t *testing.T) {
	f := New()
	f.NotifyOpen(6, "")
	f.NotifyWrite(6, []byte("unmonitored"), -1)
	if got := f.WrittenBytes(6); got != nil {
		t.Errorf("WrittenBytes on an unmonitored fd = %v, want nil", got)
	}
}

func TestNotifyWriteCapsAtMonitorCap(t *testing.T) {
	f := New()
	f.NotifyOpen(7, "")
	f.SetMonitored(7)

	chunk := bytes.Repeat([]byte{'x'}, monitorCap/2)
	f.NotifyWrite(7, chunk, -1)
	f.NotifyWrite(7, chunk, -1)
	f.NotifyWrite(7, chunk, -1) // this third write should be truncated/dropped

	if got := len(f.WrittenBytes(7)); got != monitorCap {
		t.Errorf("captured bytes = %d, want exactly monitorCap (%d)", got, monitorCap)
	}
}

func TestCloneIsIndependentCopy(t *testing.T) {
	f := New()
	f.NotifyOpen(8, "/tmp/a")
	f.SetMonitored(8)
	f.NotifyWrite(8, []byte("abc"), -1)

	clone := f.Clone()
	if clone.Serial() == f.Serial() {
		t.Error("Clone should assign a new serial identity")
	}
	clone.NotifyWrite(8, []byte("def"), -1)

	if got := f.WrittenBytes(8); !bytes.Equal(got, []byte("abc")) {
		t.Errorf("original table mutated by clone's write: got %q", got)
	}
	if got := clone.WrittenBytes(8); !bytes.Equal(got, []byte("abcdef")) {
		t.Errorf("clone WrittenBytes(8) = %q, want %q", got, "abcdef")
	}
}

func TestAddRemoveTaskMembership(t *testing.T) {
	f := New()
	var a, b task.Serial = 1, 2
	f.AddTask(a)
	f.AddTask(b)
	if got := f.MemberCount(); got != 2 {
		t.Fatalf("MemberCount() = %d, want 2", got)
	}
	f.RemoveTask(a)
	if got := f.MemberCount(); got != 1 {
		t.Fatalf("MemberCount() after RemoveTask = %d, want 1", got)
	}
}
