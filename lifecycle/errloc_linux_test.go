package lifecycle

import (
	"syscall"
	"testing"
)

func TestSpawnLocationString(t *testing.T) {
	tests := []struct {
		name string
		loc  spawnLocation
		want string
	}{
		{"clone", locClone, "clone"},
		{"seccomp", locSeccomp, "seccomp"},
		{"execve", locExecve, "execve"},
		{"ignore sigchld", locIgnoreSigchld, "signal(SIGCHLD, SIG_IGN)"},
		{"pdeathsig", locPdeathsig, "prctl(PR_SET_PDEATHSIG)"},
		{"setsid", locSetsid, "setsid"},
		{"zero value is unknown", spawnLocation(0), "unknown"},
		{"out of range is unknown", spawnLocation(9999), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.loc.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpawnChildErrorMessage(t *testing.T) {
	e := spawnChildError{Loc: locSeccomp, Err: syscall.EINVAL}
	got := e.Error()
	want := "lifecycle: spawn child failed at seccomp: invalid argument"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
