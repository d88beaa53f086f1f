package debug

import (
	"fmt"

	"github.com/rr-go/tracecore/addrspace"
	"github.com/rr-go/tracecore/ptrace"
)

// watchLenEncoding maps a byte length to the DR7 LEN field (1/2/8
// bytes use the values the hardware defines directly; 4 bytes is
// encoded 0b11 per the SDM's non-sequential LEN layout).
func watchLenEncoding(n int) (uint32, error) {
	switch n {
	case 1:
		return 0b00, nil
	case 2:
		return 0b01, nil
	case 8:
		return 0b10, nil
	case 4:
		return 0b11, nil
	default:
		return 0, fmt.Errorf("debug: unsupported watchpoint length %d", n)
	}
}

func watchTypeEncoding(t addrspace.WatchType) uint32 {
	switch t {
	case addrspace.WatchWrite:
		return 0b01
	case addrspace.WatchReadWrite:
		return 0b11
	default: // WatchExecute
		return 0b00
	}
}

// SetWatchpoints programs up to 4 hardware watchpoints into DR0-3/DR7
// and records them on as for the dispatcher's DR6-based classification
// (§4.2.3). A request for more than 4 watchpoints is an error; the
// caller (debug facilities' client) is responsible for prioritizing.
//
// DR6 (status) and DR7 (control) are cleared to zero before DR0-3 are
// touched, so that a ptrace.WriteDebugReg failure partway through the
// DR0-3 loop leaves no watchpoint armed — DR7's enable bits, not DR0-3's
// addresses, are what the hardware actually checks, so clearing DR7
// first is what makes the partial state inert (§4.4 step 1).
func SetWatchpoints(pid int, as *addrspace.AddressSpace, list []addrspace.Watchpoint) error {
	if len(list) > 4 {
		return fmt.Errorf("debug: %d watchpoints requested, hardware supports 4", len(list))
	}

	if err := ptrace.WriteDebugReg(pid, 6, 0); err != nil {
		return fmt.Errorf("debug: clearing DR6: %w", err)
	}
	if err := ptrace.WriteDebugReg(pid, 7, 0); err != nil {
		return fmt.Errorf("debug: clearing DR7: %w", err)
	}

	var dr7 uint32
	for i, wp := range list {
		if err := ptrace.WriteDebugReg(pid, i, wp.Addr); err != nil {
			return fmt.Errorf("debug: writing DR%d: %w", i, err)
		}
		lenBits, err := watchLenEncoding(wp.Length)
		if err != nil {
			return err
		}
		typeBits := watchTypeEncoding(wp.Type)

		dr7 |= 1 << uint(2*i) // local enable for DRi
		shift := uint(16 + 4*i)
		dr7 |= (typeBits | lenBits<<2) << shift
	}
	for i := len(list); i < 4; i++ {
		if err := ptrace.WriteDebugReg(pid, i, 0); err != nil {
			return fmt.Errorf("debug: clearing DR%d: %w", i, err)
		}
	}

	if err := ptrace.WriteDebugReg(pid, 7, uintptr(dr7)); err != nil {
		return fmt.Errorf("debug: writing DR7: %w", err)
	}
	as.SetWatchpoints(list)
	return nil
}

// ReadAndClearStatus reads DR6, marks which watchpoints fired on as,
// and clears DR6 back to zero (the kernel does not do this
// automatically; a stale bit would otherwise be misattributed to the
// next trap).
func ReadAndClearStatus(pid int, as *addrspace.AddressSpace) (changed bool, err error) {
	dr6, err := ptrace.ReadDebugReg(pid, 6)
	if err != nil {
		return false, fmt.Errorf("debug: reading DR6: %w", err)
	}
	changed = as.MarkWatchpointStatus(uint32(dr6))
	if err := ptrace.WriteDebugReg(pid, 6, 0); err != nil {
		return changed, fmt.Errorf("debug: clearing DR6: %w", err)
	}
	return changed, nil
}
