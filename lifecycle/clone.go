package lifecycle

import (
	"fmt"
	"strings"

	"github.com/rr-go/tracecore/addrspace"
	"github.com/rr-go/tracecore/fdtable"
	"github.com/rr-go/tracecore/memory"
	"github.com/rr-go/tracecore/ptrace"
	"github.com/rr-go/tracecore/remote"
	"github.com/rr-go/tracecore/task"
)

// CloneFlags is the subset of clone(2)'s flags bits the clone-into-
// trace path needs to decide sharing (§4.5 "Clone into trace").
type CloneFlags uint64

const (
	CloneVM       CloneFlags = 0x00000100
	CloneFS       CloneFlags = 0x00000200
	CloneFiles    CloneFlags = 0x00000400
	CloneThread   CloneFlags = 0x00010000
)

// CloneIntoTrace handles an observed clone/fork/vfork exit: it reads
// the new tid via PTRACE_GETEVENTMSG, builds the new Task sharing or
// cloning collaborators per flags, and — when the VM is not shared —
// unmaps the parent's syscall-buffer and scratch regions from the
// child's VM via a remote syscall session in the child itself. An
// error from the eventmsg read is returned to the caller as is;
// nothing here or in the dispatch package retries on EAGAIN or ENOMEM.
// The returned Session shares parent's
// Registry, so the parent's own Dispatcher.Lookup sees the new child
// immediately (relevant to a racing nested-ptrace classification).
func CloneIntoTrace(parent *Session, flags CloneFlags) (*Session, error) {
	parentTask, parentGW := parent.Task, parent.Gateway
	childTidU64, err := ptrace.GetEventMsg(parentTask.Tid)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: clone: reading new tid: %w", err)
	}
	childTid := int(childTidU64)

	var group *task.ThreadGroup
	if flags&CloneThread != 0 {
		group = parentTask.Group
	} else {
		group = task.NewThreadGroup(childTid)
	}

	child := task.New(childTid, childTid, parentTask.Arch, group)

	if flags&CloneVM != 0 {
		as, _ := parentTask.AddressSpaceHandle().(*addrspace.AddressSpace)
		if as != nil {
			as.AddTask(child.Serial)
			child.SetAddressSpace(as)
		}
	} else {
		as := addrspace.New()
		as.AddTask(child.Serial)
		child.SetAddressSpace(as)
	}

	if flags&CloneFiles != 0 {
		ft, _ := parentTask.FdTableHandle().(*fdtable.FdTable)
		if ft != nil {
			ft.AddTask(child.Serial)
			child.SetFdTable(ft)
		}
	} else {
		parentFT, _ := parentTask.FdTableHandle().(*fdtable.FdTable)
		var ft *fdtable.FdTable
		if parentFT != nil {
			ft = parentFT.Clone()
		} else {
			ft = fdtable.New()
		}
		ft.AddTask(child.Serial)
		child.SetFdTable(ft)
	}

	regs, err := ptrace.ReadRegs(childTid, parentTask.Arch)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: clone: reading child registers: %w", err)
	}
	child.SetCachedRegs(regs)
	child.IsStopped = true
	child.Logger = parentTask.Logger

	childGW := ptrace.New(child, parentGW.Recording())

	if flags&CloneVM == 0 && parentTask.SyscallBuf != nil {
		if err := unmapInheritedBuffers(child, childGW, parentTask.SyscallBuf, parentTask.Scratch); err != nil {
			return nil, err
		}
	}

	var childAS *addrspace.AddressSpace
	if flags&CloneVM != 0 {
		childAS, _ = parentTask.AddressSpaceHandle().(*addrspace.AddressSpace)
	} else {
		childAS, _ = child.AddressSpaceHandle().(*addrspace.AddressSpace)
	}
	childIO := memory.New(childAS, childTid)
	if err := childIO.OpenMemFD(); err != nil {
		return nil, fmt.Errorf("lifecycle: clone: opening child mem fd: %w", err)
	}

	return newSession(child, childGW, childIO, parent.registry), nil
}

// unmapInheritedBuffers drops the syscall-buffer and scratch mappings
// a non-VM-sharing clone still inherited as copy-on-write pages, via a
// remote syscall session against the child itself (it is already
// ptrace-stopped, having just returned from its own clone/fork/vfork).
func unmapInheritedBuffers(child *task.Task, childGW *ptrace.Gateway, buf *task.SyscallBuf, scratch task.ScratchMem) error {
	rs, err := remote.Enter(child, childGW)
	if err != nil {
		return fmt.Errorf("lifecycle: clone: opening remote syscalls in child: %w", err)
	}
	defer rs.Close()

	if buf.RemoteAddr != 0 {
		if err := rs.Munmap(buf.RemoteAddr, buf.Size); err != nil {
			return fmt.Errorf("lifecycle: clone: unmapping syscall buffer: %w", err)
		}
	}
	if scratch.RemoteAddr != 0 {
		if err := rs.Munmap(scratch.RemoteAddr, scratch.Size); err != nil {
			return fmt.Errorf("lifecycle: clone: unmapping scratch: %w", err)
		}
	}
	if buf.DeschedFD != 0 {
		_ = rs.CloseFD(buf.DeschedFD)
	}
	if buf.ClonedFileDataFD != 0 {
		_ = rs.CloseFD(buf.ClonedFileDataFD)
	}
	return nil
}

// NameStackMapping records the mapping backing the clone's stack
// argument under "[stack]" in the child's AddressSpace, unless it is
// the heap — recovered from §4.5's "If the stack argument identifies
// an existing mapping... record it under the name [stack]".
func NameStackMapping(child *task.Task, stackAddr uintptr) {
	as, _ := child.AddressSpaceHandle().(*addrspace.AddressSpace)
	if as == nil {
		return
	}
	m, ok := as.MappingAt(stackAddr, 1)
	if !ok || strings.Contains(m.Name, "heap") {
		return
	}
	as.NotifyMmap(addrspace.Mapping{
		Start: m.Start, End: m.End, Prot: m.Prot, Flags: m.Flags,
		LocalAddr: m.LocalAddr, Name: "[stack]",
	})
}
