package ptrace

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// PeekData reads one tracer-word at addr via PTRACE_PEEKDATA. The raw
// kernel ABI for PEEK requests writes the result through the data
// pointer rather than returning it (unlike glibc's ptrace(3)
// wrapper), so this goes through x/sys/unix's PtracePeekData, which
// already handles that and the unaligned-edge cases.
func PeekData(pid int, addr uintptr) (uint64, error) {
	var buf [8]byte
	_, err := unix.PtracePeekData(pid, addr, buf[:])
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PokeData writes one tracer-word at addr via PTRACE_POKEDATA.
func PokeData(pid int, addr uintptr, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	_, err := unix.PtracePokeData(pid, addr, buf[:])
	return err
}
