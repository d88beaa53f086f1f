// Package memory implements Memory I/O (component C4): reading and
// writing tracee memory through a four-tier fallback built on §4.3 —
// a local shared mapping, process_vm_readv/writev, the cached
// /proc/<pid>/mem fd, and word-wise ptrace PEEK/POKE — chosen per call
// based on what's available.
package memory

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rr-go/tracecore/addrspace"
	"github.com/rr-go/tracecore/diag"
)

// ErrShortRead names a short read. No function in this package
// returns it: ReadPartial reports a short read through its n result,
// and an unrequested short read in ReadBytes is a fatal assertion per
// §7.
var ErrShortRead = errors.New("memory: short read")

// IO mediates memory access for one AddressSpace/pid pair. One IO per
// AddressSpace matches §5's "/proc/<tid>/mem fd is cached per
// AddressSpace (one per VM)".
type IO struct {
	AS  *addrspace.AddressSpace
	Pid int // the representative tid used to open /proc/<pid>/mem
}

// New wraps an AddressSpace and a representative tid for memory I/O.
func New(as *addrspace.AddressSpace, pid int) *IO {
	return &IO{AS: as, Pid: pid}
}

func wordSize() int { return 8 } // amd64 tracer word size; ptrace PEEK/POKE always operate in tracer words

// processVMReadv and processVMWritev are the fast, fd-less tier ahead
// of the mem-fd: process_vm_readv/writev(2) copy directly between the
// tracer's and tracee's address spaces in one syscall, subject to the
// same ptrace_may_access() permission check as the mem-fd tier (which
// is why both still fall back to it on error rather than being used
// unconditionally in isolation).
func processVMReadv(pid int, addr uintptr, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	return unix.ProcessVMReadv(pid, local, remote, 0)
}

func processVMWritev(pid int, addr uintptr, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	return unix.ProcessVMWritev(pid, local, remote, 0)
}

// ReadBytes reads exactly len(buf) bytes from the tracee at addr,
// trying the local-shared-mapping tier, then process_vm_readv, then
// the mem-fd tier, then word-wise ptrace. An unrequested short read is a fatal assertion
// (§7); use ReadPartial to tolerate one explicitly.
func (io_ *IO) ReadBytes(addr uintptr, buf []byte) error {
	n, err := io_.readTiered(addr, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		diag.Bug("memory: short read at %#x: got %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

// ReadPartial is ReadBytes's explicit-ok-pointer counterpart (§7): a
// short read is reported via n rather than treated as a bug.
func (io_ *IO) ReadPartial(addr uintptr, buf []byte) (n int, err error) {
	return io_.readTiered(addr, buf)
}

func (io_ *IO) readTiered(addr uintptr, buf []byte) (int, error) {
	if io_.AS != nil {
		if m, ok := io_.AS.MappingAt(addr, uintptr(len(buf))); ok && m.LocalAddr != 0 {
			off := addr - m.Start
			local := unsafe.Slice((*byte)(unsafe.Pointer(m.LocalAddr+off)), len(buf))
			copy(buf, local)
			return len(buf), nil
		}
	}

	if n, err := processVMReadv(io_.Pid, addr, buf); err == nil {
		return n, nil
	}

	if fd, pid := io_.memFD(); fd != 0 {
		n, err := unix.Pread(fd, buf, int64(addr))
		if err == nil && n == 0 && len(buf) > 0 {
			// The kernel exposes two distinct mem-fds across exec; the
			// first becomes unreadable. Reopen once and retry.
			if nfd, rerr := reopenMemFD(pid); rerr == nil {
				io_.AS.SetMemFD(nfd, pid)
				n2, err2 := unix.Pread(nfd, buf, int64(addr))
				return n2, err2
			}
		}
		if err == nil {
			return n, nil
		}
		// Fall through to the ptrace tier on a hard mem-fd error.
	}

	return io_.peekWords(addr, buf)
}

// WriteBytes writes buf to the tracee at addr through the same
// four-tier fallback (process_vm_writev in place of process_vm_readv), applying the PROT_NONE/read-only-MAP_SHARED
// workaround when the mem-fd tier would otherwise fail, and notifies
// the AddressSpace of the written range on success (§4.3).
func (io_ *IO) WriteBytes(addr uintptr, buf []byte, mprotectWrite func(addr, length uintptr, prot int) error) error {
	if io_.AS != nil {
		if m, ok := io_.AS.MappingAt(addr, uintptr(len(buf))); ok && m.LocalAddr != 0 {
			off := addr - m.Start
			local := unsafe.Slice((*byte)(unsafe.Pointer(m.LocalAddr+off)), len(buf))
			copy(local, buf)
			io_.AS.NotifyWrite(addr, uintptr(len(buf)))
			return nil
		}
	}

	if n, err := processVMWritev(io_.Pid, addr, buf); err == nil && n == len(buf) {
		if io_.AS != nil {
			io_.AS.NotifyWrite(addr, uintptr(len(buf)))
		}
		return nil
	}

	if fd, _ := io_.memFD(); fd != 0 {
		n, err := unix.Pwrite(fd, buf, int64(addr))
		if err == nil && n == len(buf) {
			io_.AS.NotifyWrite(addr, uintptr(len(buf)))
			return nil
		}
		if err != nil && mprotectWrite != nil && io_.AS != nil {
			if err == unix.EPERM {
				return fmt.Errorf("memory: mem-fd write blocked (grsecurity MPROTECT?): %w", err)
			}
			const protWrite, protRead, mapShared = unix.PROT_WRITE, unix.PROT_READ, unix.MAP_SHARED
			overlapping := io_.AS.OverlappingWritable(addr, uintptr(len(buf)), protWrite, protRead, mapShared)
			for _, m := range overlapping {
				if werr := mprotectWrite(m.Start, m.End-m.Start, m.Prot|protWrite); werr != nil {
					return werr
				}
			}
			n, err = unix.Pwrite(fd, buf, int64(addr))
			for _, m := range overlapping {
				_ = mprotectWrite(m.Start, m.End-m.Start, m.Prot)
			}
			if err == nil && n == len(buf) {
				io_.AS.NotifyWrite(addr, uintptr(len(buf)))
				return nil
			}
		}
	}

	if err := io_.pokeWords(addr, buf); err != nil {
		return err
	}
	if io_.AS != nil {
		io_.AS.NotifyWrite(addr, uintptr(len(buf)))
	}
	return nil
}

// ReadCString reads a NUL-terminated string starting at addr,
// page-by-page so that a NUL residing in a page whose successor is
// unmapped doesn't force an over-read (§4.3 read_c_str).
func (io_ *IO) ReadCString(addr uintptr, maxLen int) (string, error) {
	const pageSize = 4096
	out := make([]byte, 0, 64)
	for len(out) < maxLen {
		pageEnd := (addr + pageSize) &^ (pageSize - 1)
		n := int(pageEnd - addr)
		if n <= 0 {
			n = pageSize
		}
		if n > maxLen-len(out) {
			n = maxLen - len(out)
		}
		buf := make([]byte, n)
		got, err := io_.readTiered(addr, buf)
		if err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		for i := 0; i < got; i++ {
			if buf[i] == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf[:got]...)
		addr += uintptr(got)
		if got < n {
			break
		}
	}
	return string(out), nil
}

func (io_ *IO) memFD() (fd, pid int) {
	if io_.AS == nil {
		return 0, 0
	}
	return io_.AS.MemFD()
}

func reopenMemFD(pid int) (int, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	fd := int(f.Fd())
	// Detach the *os.File's finalizer-driven close by duplicating the
	// fd: the caller is now the sole owner of the raw descriptor.
	dup, err := unix.Dup(fd)
	f.Close()
	if err != nil {
		return 0, err
	}
	return dup, nil
}

// OpenMemFD opens /proc/<pid>/mem for the tracer and caches it on the
// IO's AddressSpace.
func (io_ *IO) OpenMemFD() error {
	fd, err := reopenMemFD(io_.Pid)
	if err != nil {
		return err
	}
	if io_.AS != nil {
		io_.AS.SetMemFD(fd, io_.Pid)
	}
	return nil
}
