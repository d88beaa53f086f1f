package lifecycle

// beforeFork/afterFork/afterForkInChild are the same runtime hooks the
// teacher's forkexec package links against: fork via a bare clone
// syscall is only safe between beforeFork (which stops the world and
// flushes buffered state) and afterFork/afterForkInChild, and only
// raw syscalls may run in the child until execve.
import _ "unsafe"

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
