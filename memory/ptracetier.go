package memory

import "github.com/rr-go/tracecore/ptrace"

const word = 8

// peekWords reads len(buf) bytes starting at addr via word-wise
// PTRACE_PEEKDATA, merging partial words at the edges from a
// preceding peek (§4.3, tier 3). This is also the path used before a
// mem-fd has been established.
func (io_ *IO) peekWords(addr uintptr, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	start := addr &^ (word - 1)
	end := (addr + uintptr(len(buf)) + word - 1) &^ (word - 1)
	out := make([]byte, 0, end-start)
	for w := start; w < end; w += word {
		v, err := ptrace.PeekData(io_.Pid, w)
		if err != nil {
			already := len(out)
			if already > int(addr-start) {
				already -= int(addr - start)
			} else {
				already = 0
			}
			if already > len(buf) {
				already = len(buf)
			}
			copy(buf, out[min(int(addr-start), len(out)):])
			return already, err
		}
		var wb [8]byte
		for i := 0; i < 8; i++ {
			wb[i] = byte(v >> (8 * i))
		}
		out = append(out, wb[:]...)
	}
	lead := int(addr - start)
	n := copy(buf, out[lead:])
	return n, nil
}

// pokeWords writes buf to the tracee at addr via word-wise
// PTRACE_POKEDATA, merging the unaligned leading/trailing words by
// first peeking them.
func (io_ *IO) pokeWords(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	start := addr &^ (word - 1)
	end := (addr + uintptr(len(buf)) + word - 1) &^ (word - 1)

	merged := make([]byte, end-start)
	lead := int(addr - start)
	copy(merged, mustPeekRange(io_.Pid, start, lead))
	copy(merged[lead:], buf)
	trailStart := lead + len(buf)
	if trailStart < len(merged) {
		copy(merged[trailStart:], mustPeekRange(io_.Pid, start+uintptr(trailStart), len(merged)-trailStart))
	}

	for off := 0; off < len(merged); off += word {
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(merged[off+i]) << (8 * i)
		}
		if err := ptrace.PokeData(io_.Pid, start+uintptr(off), v); err != nil {
			return err
		}
	}
	return nil
}

// mustPeekRange reads n bytes starting at addr for the sole purpose of
// merging edge words in pokeWords; a failure here means the edge word
// doesn't exist in the tracee, in which case zeros are an acceptable
// placeholder since pokeWords will immediately overwrite the relevant
// span anyway.
func mustPeekRange(pid int, addr uintptr, n int) []byte {
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	v, err := ptrace.PeekData(pid, addr)
	if err != nil {
		return out
	}
	for i := 0; i < n && i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
