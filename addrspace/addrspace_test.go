package addrspace

import (
	"testing"

	"github.com/rr-go/tracecore/task"
)

func TestSetBreakpointRefcounts(t *testing.T) {
	a := New()
	bp := a.SetBreakpoint(0x1000, 0x90)
	if bp.RefCount != 1 {
		t.Fatalf("first SetBreakpoint RefCount = %d, want 1", bp.RefCount)
	}
	bp2 := a.SetBreakpoint(0x1000, 0xcc) // origByte ignored on re-arm
	if bp2.RefCount != 2 {
		t.Fatalf("second SetBreakpoint RefCount = %d, want 2", bp2.RefCount)
	}
	if bp2.OrigByte != 0x90 {
		t.Errorf("OrigByte changed on re-arm: got %#x, want %#x", bp2.OrigByte, 0x90)
	}
}

func TestRemoveBreakpointDropsAtZero(t *testing.T) {
	a := New()
	a.SetBreakpoint(0x2000, 0x55)
	a.SetBreakpoint(0x2000, 0x55)

	origByte, removed := a.RemoveBreakpoint(0x2000)
	if removed {
		t.Fatal("first RemoveBreakpoint should not remove a refcount-2 entry")
	}
	if origByte != 0x55 {
		t.Errorf("origByte = %#x, want %#x", origByte, 0x55)
	}
	if !a.BreakpointAt(0x2000) {
		t.Fatal("breakpoint should still be armed after one removal")
	}

	_, removed = a.RemoveBreakpoint(0x2000)
	if !removed {
		t.Fatal("second RemoveBreakpoint should remove the entry")
	}
	if a.BreakpointAt(0x2000) {
		t.Fatal("breakpoint should be gone after refcount reaches zero")
	}
}

func TestRemoveBreakpointUnknownAddr(t *testing.T) {
	a := New()
	_, removed := a.RemoveBreakpoint(0xdead)
	if removed {
		t.Fatal("RemoveBreakpoint on an unarmed address should report not-removed")
	}
}

func TestNotifyWriteInvalidatesOverlappingBreakpoint(t *testing.T) {
	a := New()
	a.SetBreakpoint(0x3000, 0x90)
	a.SetBreakpoint(0x4000, 0x90)

	a.NotifyWrite(0x3000, 1)

	if a.BreakpointAt(0x3000) {
		t.Error("write landing on a breakpointed byte should invalidate it")
	}
	if !a.BreakpointAt(0x4000) {
		t.Error("write outside a breakpoint's address should not touch it")
	}
}

func TestNotifyWriteIgnoresNonOverlapping(t *testing.T) {
	a := New()
	a.SetBreakpoint(0x5000, 0x90)
	a.NotifyWrite(0x6000, 16)
	if !a.BreakpointAt(0x5000) {
		t.Error("non-overlapping write should not invalidate the breakpoint")
	}
}

func TestMarkWatchpointStatus(t *testing.T) {
	a := New()
	a.SetWatchpoints([]Watchpoint{
		{Addr: 0x1000, Length: 4, Type: WatchWrite},
		{Addr: 0x2000, Length: 8, Type: WatchReadWrite},
	})

	changed := a.MarkWatchpointStatus(0x2) // bit 1 set -> second watchpoint
	if !changed {
		t.Fatal("MarkWatchpointStatus should report a change")
	}
	wps := a.Watchpoints()
	if wps[0].Changed {
		t.Error("watchpoint 0 should not be marked changed")
	}
	if !wps[1].Changed {
		t.Error("watchpoint 1 should be marked changed")
	}
}

func TestMarkWatchpointStatusNoBitsSet(t *testing.T) {
	a := New()
	a.SetWatchpoints([]Watchpoint{{Addr: 0x1000, Length: 4, Type: WatchExecute}})
	if a.MarkWatchpointStatus(0) {
		t.Error("MarkWatchpointStatus with dr6=0 should report no change")
	}
}

func TestNotifyMunmapFullyCovered(t *testing.T) {
	a := New()
	a.NotifyMmap(Mapping{Start: 0x1000, End: 0x2000})
	a.NotifyMunmap(0x1000, 0x1000)
	if _, ok := a.MappingAt(0x1000, 0x10); ok {
		t.Error("fully-covered mapping should be removed")
	}
}

func TestNotifyMunmapSplitsMapping(t *testing.T) {
	a := New()
	a.NotifyMmap(Mapping{Start: 0x1000, End: 0x4000, Prot: 3})
	a.NotifyMunmap(0x2000, 0x1000) // carve out [0x2000, 0x3000)

	if _, ok := a.MappingAt(0x1000, 0x1000); !ok {
		t.Error("left remainder [0x1000, 0x2000) should survive the split")
	}
	if _, ok := a.MappingAt(0x3000, 0x1000); !ok {
		t.Error("right remainder [0x3000, 0x4000) should survive the split")
	}
	if _, ok := a.MappingAt(0x2000, 0x1000); ok {
		t.Error("carved-out middle range should not resolve to any mapping")
	}
}

func TestNotifyMunmapPartialOverlap(t *testing.T) {
	a := New()
	a.NotifyMmap(Mapping{Start: 0x1000, End: 0x3000})
	a.NotifyMunmap(0x2000, 0x2000) // overlaps the tail only

	m, ok := a.MappingAt(0x1000, 0x1000)
	if !ok {
		t.Fatal("surviving head of the mapping should still resolve")
	}
	if m.End != 0x2000 {
		t.Errorf("truncated mapping End = %#x, want %#x", m.End, 0x2000)
	}
}

func TestNotifyShmdtUnmapsByStart(t *testing.T) {
	a := New()
	a.NotifyMmap(Mapping{Start: 0x5000, End: 0x9000})
	a.NotifyShmdt(0x5000)
	if _, ok := a.MappingAt(0x5000, 0x10); ok {
		t.Error("NotifyShmdt should remove the mapping starting at addr")
	}
}

func TestNotifyMprotectUpdatesOverlapping(t *testing.T) {
	a := New()
	a.NotifyMmap(Mapping{Start: 0x1000, End: 0x2000, Prot: 1})
	a.NotifyMprotect(0x1000, 0x1000, 7)
	m, ok := a.MappingAt(0x1000, 0x1000)
	if !ok || m.Prot != 7 {
		t.Fatalf("MappingAt after NotifyMprotect = %+v, ok=%v, want Prot=7", m, ok)
	}
}

func TestOverlappingWritableFiltersByProt(t *testing.T) {
	const (
		protRead  = 1
		protWrite = 2
		mapShared = 1
	)
	a := New()
	a.NotifyMmap(Mapping{Start: 0x1000, End: 0x2000, Prot: protRead, Flags: 0})
	a.NotifyMmap(Mapping{Start: 0x3000, End: 0x4000, Prot: protRead | protWrite, Flags: 0})

	out := a.OverlappingWritable(0x1000, 0x3000, protWrite, protRead, mapShared)
	if len(out) != 1 || out[0].Start != 0x1000 {
		t.Fatalf("OverlappingWritable = %+v, want only the non-writable mapping at 0x1000", out)
	}
}

func TestAddRemoveTaskMembership(t *testing.T) {
	a := New()
	var s1, s2 task.Serial = 10, 20
	a.AddTask(s1)
	a.AddTask(s2)
	if got := a.MemberCount(); got != 2 {
		t.Fatalf("MemberCount() = %d, want 2", got)
	}
	a.RemoveTask(s1)
	if got := a.MemberCount(); got != 1 {
		t.Fatalf("MemberCount() after RemoveTask = %d, want 1", got)
	}
}

func TestMemFDRoundTrip(t *testing.T) {
	a := New()
	if fd, _ := a.MemFD(); fd != 0 {
		t.Fatalf("fresh AddressSpace MemFD() = %d, want 0", fd)
	}
	a.SetMemFD(42, 1234)
	fd, pid := a.MemFD()
	if fd != 42 || pid != 1234 {
		t.Fatalf("MemFD() = (%d, %d), want (42, 1234)", fd, pid)
	}
	a.ClearMemFD()
	if fd, _ := a.MemFD(); fd != 0 {
		t.Errorf("MemFD() after ClearMemFD = %d, want 0", fd)
	}
}

func TestIncrementExecCount(t *testing.T) {
	a := New()
	a.IncrementExecCount()
	a.IncrementExecCount()
	if a.ExecCount != 2 {
		t.Fatalf("ExecCount = %d, want 2", a.ExecCount)
	}
}

func TestSerialUnique(t *testing.T) {
	a1 := New()
	a2 := New()
	if a1.Serial() == a2.Serial() {
		t.Error("two AddressSpaces should never share a serial")
	}
}
