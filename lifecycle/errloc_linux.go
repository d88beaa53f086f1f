package lifecycle

import (
	"fmt"
	"syscall"
)

// spawnLocation pinpoints which step of the pre-execve child sequence
// (§4.5 "Initial spawn") failed, mirroring the teacher's ChildError/
// ErrorLocation pair so a spawn failure is as diagnosable as any other
// forkexec failure.
type spawnLocation int

const (
	locClone spawnLocation = iota + 1
	locCloseRead
	locOpenDevNull
	locDup2MagicSave
	locOpenRoot
	locDup2RootDir
	locSetTSC
	locSetNoNewPrivs
	locSetRlimit
	locStop
	locSeccomp
	locExecve
	locIgnoreSigchld
	locPdeathsig
	locSetsid
)

var spawnLocationNames = [...]string{
	"unknown",
	"clone",
	"close_read",
	"open(/dev/null)",
	"dup2(magic_save_data_fd)",
	"open(/)",
	"dup2(root_dir_fd)",
	"prctl(PR_SET_TSC)",
	"prctl(PR_SET_NO_NEW_PRIVS)",
	"setrlimit",
	"raise(SIGSTOP)",
	"seccomp",
	"execve",
	"signal(SIGCHLD, SIG_IGN)",
	"prctl(PR_SET_PDEATHSIG)",
	"setsid",
}

func (l spawnLocation) String() string {
	if int(l) >= 0 && int(l) < len(spawnLocationNames) {
		return spawnLocationNames[l]
	}
	return "unknown"
}

// spawnChildError is what the child writes down the sync pipe on
// failure, and what the parent turns into an error.
type spawnChildError struct {
	Loc spawnLocation
	Err syscall.Errno
}

func (e spawnChildError) Error() string {
	return fmt.Sprintf("lifecycle: spawn child failed at %s: %s", e.Loc, e.Err)
}
