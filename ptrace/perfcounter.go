package ptrace

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// perfCounter wraps the hardware performance counter that measures
// retired conditional branches — the tracer's deterministic logical
// clock (a "tick", per the GLOSSARY). It is armed before every resume
// and read back (then stopped) in post_wait, so tracer-induced ticks
// never pollute the count (§5, "Shared resources").
type perfCounter struct {
	fd      int
	armed   bool
	running uint64
}

const (
	perfTypeHardware       = 0
	perfCountHWBranchInstr = 4 // PERF_COUNT_HW_BRANCH_INSTRUCTIONS
	perfCountHWCondBranch  = 8 // vendor CPUs lacking a dedicated conditional-branch event fall back to retired branches
)

// perfEventAttr mirrors struct perf_event_attr's fixed-size prefix, in
// the field order the kernel ABI expects.
type perfEventAttr struct {
	Type               uint32
	Size               uint32
	Config             uint64
	SamplePeriod       uint64
	SampleType         uint64
	ReadFormat         uint64
	Flags              uint64
	WakeupEvents       uint32
	BPType             uint32
	Config1            uint64
	Config2            uint64
	BranchSampleType   uint64
	SampleRegsUser     uint64
	SampleStackUser    uint32
	ClockID            int32
	SampleRegsIntr     uint64
	AuxWatermark       uint32
	SampleMaxStack     uint16
	Reserved2          uint16
}

const (
	perfAttrDisabled  = 1 << 0
	perfAttrExcludeKernel = 1 << 5
	perfAttrExcludeHV     = 1 << 6
)

func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int, flags uintptr) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN, uintptr(unsafe.Pointer(attr)),
		uintptr(pid), uintptr(cpu), uintptr(groupFD), flags, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// ensureOpen lazily opens the perf event counter for pid, disabled
// and counting only userspace conditional branches.
func (p *perfCounter) ensureOpen(pid int) error {
	if p.fd != 0 {
		return nil
	}
	attr := perfEventAttr{
		Type:  perfTypeHardware,
		Size:  uint32(unsafe.Sizeof(perfEventAttr{})),
		Config: perfCountHWCondBranch,
		Flags: perfAttrDisabled | perfAttrExcludeKernel | perfAttrExcludeHV,
	}
	const perfFlagFDCloexec = 1 << 3
	fd, err := perfEventOpen(&attr, pid, -1, -1, perfFlagFDCloexec)
	if err != nil {
		return err
	}
	p.fd = fd
	return nil
}

// setDebugStatusZero is folded in here because the source clears DR6
// (debug status) at exactly the same point it (re)arms the counter,
// immediately before a resume (§4.1).
func (p *perfCounter) setDebugStatusZero(pid int) {
	writeDebugStatus(pid, 0)
}

// arm resets the counter to zero and enables it. n (the finite budget
// clamped by the caller, or the unlimited sentinel) is not applied:
// the counter has no sample period or overflow notification, so it
// does not stop the tracee after n ticks.
func (p *perfCounter) arm(n uint64) {
	if p.fd == 0 {
		return
	}
	unix.IoctlSetInt(p.fd, perfEventIocReset, 0)
	p.running = 0
	unix.IoctlSetInt(p.fd, perfEventIocEnable, 0)
	p.armed = true
	_ = n
}

func (p *perfCounter) disarm() {
	if p.fd == 0 {
		return
	}
	unix.IoctlSetInt(p.fd, perfEventIocDisable, 0)
	p.armed = false
}

// readAndStop reads the accumulated count since the last arm and
// disables the counter, so ticks only accrue while the tracee is
// actually resumed.
func (p *perfCounter) readAndStop(pid int) uint64 {
	if p.fd == 0 {
		if err := p.ensureOpen(pid); err != nil {
			return 0
		}
	}
	unix.IoctlSetInt(p.fd, perfEventIocDisable, 0)
	buf := make([]byte, 8)
	n, err := unix.Read(p.fd, buf)
	if err != nil || n != 8 {
		return 0
	}
	count := le64(buf)
	delta := count - p.running
	p.running = count
	return delta
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

const (
	perfEventIocEnable  = 0x2400
	perfEventIocDisable = 0x2401
	perfEventIocReset   = 0x2403
)

// writeDebugStatus clears DR6 (the debug status register), done
// before every resume so stale trap bits from a previous stop don't
// leak into the next singlestep/watchpoint classification.
func writeDebugStatus(pid int, value uintptr) {
	xptrace(ptracePokeUser, pid, debugRegOffset(6), value)
}
