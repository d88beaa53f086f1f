package arch

import "testing"

func TestTableForDistinctTables(t *testing.T) {
	x86 := TableFor(X86)
	x8664 := TableFor(X8664)

	if x86.Execve == x8664.Execve {
		t.Fatalf("X86 and X8664 Execve numbers collide: both %d", x86.Execve)
	}
	if x86.Write != 4 {
		t.Errorf("X86 Write = %d, want 4", x86.Write)
	}
	if x8664.Write != 1 {
		t.Errorf("X8664 Write = %d, want 1", x8664.Write)
	}
}

func TestTableForMmap2OnlyOnX86(t *testing.T) {
	if TableFor(X86).Mmap2 == 0 {
		t.Error("X86 table should carry a nonzero Mmap2 entry")
	}
	if TableFor(X8664).Mmap2 != 0 {
		t.Errorf("X8664 table has no mmap2 syscall; want 0, got %d", TableFor(X8664).Mmap2)
	}
}
