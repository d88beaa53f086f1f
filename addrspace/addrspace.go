// Package addrspace implements the AddressSpace external collaborator
// (§3, §4.2): the shared, ref-counted view of a tracee's virtual
// memory that every Task sharing a CLONE_VM family mutates in
// lockstep. It tracks mappings well enough to serve the memory
// package's three-tier I/O fallback and the debug package's
// breakpoint/watchpoint bookkeeping; it does not itself understand
// the syscalls that produced a change, only the Event Dispatcher's
// notifications about them.
package addrspace

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rr-go/tracecore/task"
)

var serialCounter uint64

func nextSerial() uint64 {
	return atomic.AddUint64(&serialCounter, 1)
}

// Mapping is one tracked VMA, named loosely enough to cover both
// memfd-backed shared regions and ordinary anonymous/file mappings.
type Mapping struct {
	Start uintptr
	End   uintptr
	Prot  int // PROT_* bits
	Flags int // MAP_* bits
	Name  string

	// LocalAddr is nonzero when the tracer holds its own mapping of the
	// same pages (the local-shared-mapping tier of memory I/O).
	LocalAddr uintptr
}

func (m Mapping) contains(addr, length uintptr) bool {
	return addr >= m.Start && addr+length <= m.End
}

// Breakpoint is a software breakpoint: the original byte the INT3
// instruction replaced, so it can be restored non-destructively.
type Breakpoint struct {
	Addr       uintptr
	OrigByte   byte
	RefCount   int
}

// Watchpoint is a hardware watchpoint request, packed into DR0-3/DR7
// by the debug package; kept here too because the dispatcher's
// breakpoint/watchpoint classification (§4.2) needs to ask the
// AddressSpace which watchpoints exist and whether any changed.
type Watchpoint struct {
	Addr   uintptr
	Length int  // 1, 2, 4, or 8
	Type   WatchType
	Changed bool
}

type WatchType int

const (
	WatchExecute WatchType = iota
	WatchWrite
	WatchReadWrite
)

// AddressSpace is the shared VM view for one family of Tasks. It is
// not itself safe for concurrent mutation from multiple goroutines in
// parallel — the ordering guarantee in §5 is that the tracer
// serializes access because only one Task is ever being dispatched at
// a time — but the mutex guards against the rare case of a
// capture/restore path and the main dispatch loop touching it from
// different goroutines.
type AddressSpace struct {
	mu sync.Mutex

	serial uint64

	// ExecCount increments once per execve observed in this family
	// (the "AddressSpace exec-count" of the GLOSSARY); a fresh
	// AddressSpace is allocated at every exec and inherits the old
	// instance's count before the increment, so this is really a
	// monotone identifier across the replaced instances.
	ExecCount int

	mappings []Mapping

	breakpoints map[uintptr]*Breakpoint
	watchpoints []Watchpoint

	members map[task.Serial]struct{} // non-owning set of member Task serials

	memFD   int // cached /proc/<pid>/mem fd, 0 if unopened
	memFDPid int
}

// New creates a fresh AddressSpace, e.g. at process spawn or exec.
func New() *AddressSpace {
	return &AddressSpace{
		serial:      nextSerial(),
		breakpoints: make(map[uintptr]*Breakpoint),
		members:     make(map[task.Serial]struct{}),
	}
}

// Serial satisfies task.AddressSpace.
func (a *AddressSpace) Serial() uint64 { return a.serial }

// AddTask records a new member (called by lifecycle when a Task joins
// this AddressSpace, e.g. via CLONE_VM).
func (a *AddressSpace) AddTask(taskSerial task.Serial) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.members[taskSerial] = struct{}{}
}

// RemoveTask satisfies task.AddressSpace: drops the member, purging
// the non-owning reference the cyclic-ownership design note calls
// for.
func (a *AddressSpace) RemoveTask(taskSerial task.Serial) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.members, taskSerial)
}

// MemberCount reports how many Tasks currently share this
// AddressSpace.
func (a *AddressSpace) MemberCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.members)
}

// NotifyMmap records a new mapping. The dispatcher does not call it —
// per §4.2 the dispatcher itself does nothing for mmap/mmap2/mremap/
// brk — and neither does the remote package; lifecycle's
// NameStackMapping uses it to record the named [stack] mapping.
func (a *AddressSpace) NotifyMmap(m Mapping) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertLocked(m)
}

func (a *AddressSpace) insertLocked(m Mapping) {
	a.mappings = append(a.mappings, m)
	sort.Slice(a.mappings, func(i, j int) bool { return a.mappings[i].Start < a.mappings[j].Start })
}

// NotifyMunmap removes (or truncates) mappings overlapping
// [addr, addr+length), as munmap does. shmdt goes through NotifyShmdt
// instead, which drops the whole mapping starting at its address.
func (a *AddressSpace) NotifyMunmap(addr uintptr, length uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unmapLocked(addr, length)
}

// NotifyShmdt unmaps the whole mapping that starts at addr, whatever
// its length.
func (a *AddressSpace) NotifyShmdt(addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, m := range a.mappings {
		if m.Start == addr {
			a.mappings = append(a.mappings[:i], a.mappings[i+1:]...)
			return
		}
	}
}

func (a *AddressSpace) unmapLocked(addr, length uintptr) {
	end := addr + length
	kept := a.mappings[:0]
	for _, m := range a.mappings {
		switch {
		case m.End <= addr || m.Start >= end:
			kept = append(kept, m)
		case m.Start >= addr && m.End <= end:
			// fully covered, drop
		case m.Start < addr && m.End > end:
			// split into two
			left := m
			left.End = addr
			right := m
			right.Start = end
			kept = append(kept, left, right)
		case m.Start < addr:
			m.End = addr
			kept = append(kept, m)
		default:
			m.Start = end
			kept = append(kept, m)
		}
	}
	a.mappings = kept
}

// NotifyMprotect updates protection bits on the overlapping range,
// even when the originating syscall reported failure: per §4.2 the
// kernel may have partially applied the change regardless of the
// return value, so propagation happens unconditionally.
func (a *AddressSpace) NotifyMprotect(addr, length uintptr, prot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := addr + length
	for i := range a.mappings {
		m := &a.mappings[i]
		if m.Start < end && m.End > addr {
			m.Prot = prot
		}
	}
}

// NotifyMadvise accepts the madvise arguments and discards them: the
// AddressSpace neither records nor acts on advice values (e.g.
// MADV_DONTNEED does not invalidate anything).
func (a *AddressSpace) NotifyMadvise(addr, length uintptr, advice int) {
	_ = addr
	_ = length
	_ = advice
}

// NotifyWrite invalidates any software breakpoint whose patched address
// falls inside the written range, per §4.3's "all successful writes
// notify the AddressSpace of the written range": a write landing on a
// breakpointed byte means the tracee (or the tracer's own remote
// syscall helper) just overwrote the original instruction byte our
// bookkeeping cached, so removing the entry is cheaper and safer than
// restoring a now-wrong byte on a later RemoveBreakpoint.
func (a *AddressSpace) NotifyWrite(addr, length uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := addr + length
	for bpAddr := range a.breakpoints {
		if bpAddr >= addr && bpAddr < end {
			delete(a.breakpoints, bpAddr)
		}
	}
}

// MappingAt returns the mapping fully covering [addr, addr+length), if
// any — the lookup the memory package's local-shared-mapping tier
// uses to decide whether it can shortcut through LocalAddr.
func (a *AddressSpace) MappingAt(addr, length uintptr) (Mapping, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mappings {
		if m.contains(addr, length) {
			return m, true
		}
	}
	return Mapping{}, false
}

// OverlappingWritable enumerates mappings overlapping
// [addr, addr+length) whose current protection would reject a write
// (no PROT_WRITE, or MAP_SHARED without PROT_READ) — the set the
// memory package's PROT_NONE workaround needs to temporarily
// mprotect.
func (a *AddressSpace) OverlappingWritable(addr, length uintptr, protWrite, protRead, mapShared int) []Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := addr + length
	var out []Mapping
	for _, m := range a.mappings {
		if m.Start >= end || m.End <= addr {
			continue
		}
		if m.Prot&protWrite == 0 || (m.Flags&mapShared != 0 && m.Prot&protRead == 0) {
			out = append(out, m)
		}
	}
	return out
}

// SetMemFD installs the cached /proc/<pid>/mem fd (shared by every
// Task in this AddressSpace per §5 "Shared resources").
func (a *AddressSpace) SetMemFD(fd, pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memFD, a.memFDPid = fd, pid
}

// MemFD returns the cached /proc/<pid>/mem fd (0 if unopened) and the
// pid it was opened against.
func (a *AddressSpace) MemFD() (fd, pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memFD, a.memFDPid
}

// ClearMemFD drops the cached fd, forcing the memory package to reopen
// on next use (the "two distinct fds across exec" re-open path).
func (a *AddressSpace) ClearMemFD() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memFD, a.memFDPid = 0, 0
}

// SetBreakpoint installs (or bumps the refcount of) a software
// breakpoint at addr, recording the byte it will displace.
func (a *AddressSpace) SetBreakpoint(addr uintptr, origByte byte) *Breakpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bp, ok := a.breakpoints[addr]; ok {
		bp.RefCount++
		return bp
	}
	bp := &Breakpoint{Addr: addr, OrigByte: origByte, RefCount: 1}
	a.breakpoints[addr] = bp
	return bp
}

// RemoveBreakpoint decrements the refcount, removing the entry once it
// reaches zero; returns the original byte to restore and whether the
// breakpoint is now fully gone.
func (a *AddressSpace) RemoveBreakpoint(addr uintptr) (origByte byte, removed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bp, ok := a.breakpoints[addr]
	if !ok {
		return 0, false
	}
	bp.RefCount--
	if bp.RefCount <= 0 {
		delete(a.breakpoints, addr)
		return bp.OrigByte, true
	}
	return bp.OrigByte, false
}

// BreakpointAt reports whether a software breakpoint is installed at
// addr (used by the dispatcher's breakpoint classification, §4.2.3).
func (a *AddressSpace) BreakpointAt(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.breakpoints[addr]
	return ok
}

// SetWatchpoints replaces the tracked watchpoint list (installed
// together with the DR0-3/DR7 programming in the debug package).
func (a *AddressSpace) SetWatchpoints(list []Watchpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchpoints = list
}

// Watchpoints returns the currently-armed watchpoint list.
func (a *AddressSpace) Watchpoints() []Watchpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Watchpoint, len(a.watchpoints))
	copy(out, a.watchpoints)
	return out
}

// MarkWatchpointStatus flips Changed on every watchpoint whose bit is
// set in the DR6 status value, and reports whether any changed.
func (a *AddressSpace) MarkWatchpointStatus(dr6 uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	any := false
	for i := range a.watchpoints {
		bit := uint32(1) << uint(i)
		if dr6&bit != 0 {
			a.watchpoints[i].Changed = true
			any = true
		}
	}
	return any
}

// IncrementExecCount bumps the exec counter; called once per observed
// exec, on the freshly-allocated AddressSpace that replaces the
// pre-exec one.
func (a *AddressSpace) IncrementExecCount() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ExecCount++
}
