// Package fdtable implements the FdTable external collaborator (§3,
// §4.2): the shared, ref-counted view of a tracee's file descriptor
// table. Tasks created with CLONE_FILES share one FdTable instance;
// unshare(CLONE_FILES) or exec gives a Task its own private clone.
package fdtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/rr-go/tracecore/task"
)

var serialCounter uint64

func nextSerial() uint64 {
	return atomic.AddUint64(&serialCounter, 1)
}

// monitorCap bounds how much of a monitored fd's written bytes are
// retained in memory, mirroring the teacher's pipe.Buffer capture
// window — fd-table write monitoring here is the in-process
// equivalent of that pipe-capture idea, sized the same way, just
// without the OS pipe plumbing since the bytes already live in the
// tracer's address space once copied out of the tracee.
const monitorCap = 1 << 20

// fdEntry is one tracked descriptor.
type fdEntry struct {
	fd        int
	path      string // best-effort, from /proc/<pid>/fd/<n> at dup/open time
	monitored bool
	written   *bytes.Buffer // non-nil only when monitored
	writtenTotal int64
}

// FdTable is the shared fd view for a family of Tasks.
type FdTable struct {
	mu sync.Mutex

	serial uint64

	entries map[int]*fdEntry
	members map[task.Serial]struct{}
}

// New creates an empty FdTable (e.g. at spawn).
func New() *FdTable {
	return &FdTable{
		serial:  nextSerial(),
		entries: make(map[int]*fdEntry),
		members: make(map[task.Serial]struct{}),
	}
}

// Clone creates a private copy of f's entries with a new identity —
// used on exec (kernel unshares the table) and on
// unshare(CLONE_FILES).
func (f *FdTable) Clone() *FdTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	nf := New()
	for fd, e := range f.entries {
		ne := &fdEntry{fd: e.fd, path: e.path, monitored: e.monitored, writtenTotal: e.writtenTotal}
		if e.written != nil {
			ne.written = bytes.NewBuffer(append([]byte(nil), e.written.Bytes()...))
		}
		nf.entries[fd] = ne
	}
	return nf
}

// Serial satisfies task.FdTable.
func (f *FdTable) Serial() uint64 { return f.serial }

// AddTask records a new member.
func (f *FdTable) AddTask(taskSerial task.Serial) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[taskSerial] = struct{}{}
}

// RemoveTask satisfies task.FdTable.
func (f *FdTable) RemoveTask(taskSerial task.Serial) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, taskSerial)
}

// MemberCount reports how many Tasks currently share this FdTable.
func (f *FdTable) MemberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}

// NotifyOpen records a freshly opened fd and the path it refers to
// (dup/dup2/dup3 and fcntl(F_DUPFD*) go through NotifyDup instead).
func (f *FdTable) NotifyOpen(fd int, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[fd] = &fdEntry{fd: fd, path: path}
}

// NotifyClose drops fd's entry.
func (f *FdTable) NotifyClose(fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, fd)
}

// NotifyDup records that newFD now aliases oldFD's entry (dup/dup2/
// dup3/fcntl DUPFD* all funnel through this).
func (f *FdTable) NotifyDup(oldFD, newFD int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.entries[oldFD]
	if !ok {
		f.entries[newFD] = &fdEntry{fd: newFD}
		return
	}
	dup := *src
	dup.fd = newFD
	if src.written != nil {
		dup.written = bytes.NewBuffer(append([]byte(nil), src.written.Bytes()...))
	}
	f.entries[newFD] = &dup
}

// SetMonitored marks fd for write capture (used by callers wanting to
// observe a tracee's stdout/stderr-equivalent stream without reading
// it back out of the tracee's own buffers).
func (f *FdTable) SetMonitored(fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[fd]
	if !ok {
		e = &fdEntry{fd: fd}
		f.entries[fd] = e
	}
	e.monitored = true
	if e.written == nil {
		e.written = bytes.NewBuffer(nil)
	}
}

// NotifyWrite records length bytes written to fd at the given
// (for p*-variant syscalls, explicit) offset. Only the byte count and,
// for monitored fds, a capped copy of the data are retained; offset is
// accepted for API symmetry with the dispatcher's write-range
// computation but is not otherwise tracked per-fd.
func (f *FdTable) NotifyWrite(fd int, data []byte, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[fd]
	if !ok {
		return
	}
	e.writtenTotal += int64(len(data))
	if e.monitored && e.written != nil && e.written.Len() < monitorCap {
		remaining := monitorCap - e.written.Len()
		if remaining > len(data) {
			remaining = len(data)
		}
		e.written.Write(data[:remaining])
	}
}

// WrittenBytes returns a monitored fd's captured data so far.
func (f *FdTable) WrittenBytes(fd int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[fd]
	if !ok || e.written == nil {
		return nil
	}
	return append([]byte(nil), e.written.Bytes()...)
}

// Has reports whether fd currently has an entry.
func (f *FdTable) Has(fd int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[fd]
	return ok
}
