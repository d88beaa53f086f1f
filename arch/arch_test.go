package arch

import "testing"

func TestArchString(t *testing.T) {
	tests := []struct {
		name string
		a    Arch
		want string
	}{
		{"x86", X86, "x86"},
		{"x86-64", X8664, "x86-64"},
		{"invalid", Arch(99), "arch(invalid)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArchPointerWidth(t *testing.T) {
	tests := []struct {
		name string
		a    Arch
		want int
	}{
		{"x86 is 4 bytes", X86, 4},
		{"x86-64 is 8 bytes", X8664, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.PointerWidth(); got != tt.want {
				t.Errorf("PointerWidth() = %d, want %d", got, tt.want)
			}
		})
	}
}
