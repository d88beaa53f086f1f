package remote

import (
	"bytes"
	"testing"

	"github.com/rr-go/tracecore/arch"
)

func TestStubFor(t *testing.T) {
	tests := []struct {
		name string
		a    arch.Arch
		want []byte
	}{
		{"x86 uses int $0x80", arch.X86, []byte{0xcd, 0x80, 0xcc}},
		{"x86-64 uses syscall", arch.X8664, []byte{0x0f, 0x05, 0xcc}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stubFor(tt.a); !bytes.Equal(got, tt.want) {
				t.Errorf("stubFor(%s) = %#x, want %#x", tt.a, got, tt.want)
			}
			if got := stubFor(tt.a); got[len(got)-1] != 0xcc {
				t.Errorf("stub must end in int3 (0xcc), got %#x", got[len(got)-1])
			}
		})
	}
}
