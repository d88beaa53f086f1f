package arch

// Table is the set of syscall numbers the dispatcher and lifecycle
// packages need to recognize, for one architecture. Fields that do not
// exist on an architecture (e.g. Mmap2 on x86-64) are left zero; no
// real syscall uses number 0 for these operations on either arch table
// entry that matters, and callers compare against the specific field
// they care about rather than against zero.
type Table struct {
	Execve        int
	Open          int
	Mmap          int
	Mmap2         int
	Mremap        int
	Brk           int
	Mprotect      int
	Munmap        int
	Madvise       int
	SetThreadArea int
	Prctl         int
	Dup           int
	Dup2          int
	Dup3          int
	Fcntl         int
	Close         int
	Unshare       int
	Write         int
	Writev        int
	Pwrite64      int
	Pwritev       int
	Shmdt         int
	Ptrace        int
	Clone         int
	Fork          int
	Vfork         int
}

var tables = [2]Table{
	X86: {
		Execve:        11,
		Open:          5,
		Mmap:          90,
		Mmap2:         192,
		Mremap:        163,
		Brk:           45,
		Mprotect:      125,
		Munmap:        91,
		Madvise:       219,
		SetThreadArea: 243,
		Prctl:         172,
		Dup:           41,
		Dup2:          63,
		Dup3:          330,
		Fcntl:         55,
		Close:         6,
		Unshare:       310,
		Write:         4,
		Writev:        146,
		Pwrite64:      181,
		Pwritev:       334,
		Shmdt:         398,
		Ptrace:        26,
		Clone:         120,
		Fork:          2,
		Vfork:         190,
	},
	X8664: {
		Execve:        59,
		Open:          2,
		Mmap:          9,
		Mmap2:         0,
		Mremap:        25,
		Brk:           12,
		Mprotect:      10,
		Munmap:        11,
		Madvise:       28,
		SetThreadArea: 205,
		Prctl:         157,
		Dup:           32,
		Dup2:          33,
		Dup3:          292,
		Fcntl:         72,
		Close:         3,
		Unshare:       272,
		Write:         1,
		Writev:        20,
		Pwrite64:      18,
		Pwritev:       296,
		Shmdt:         67,
		Ptrace:        101,
		Clone:         56,
		Fork:          57,
		Vfork:         58,
	},
}

// TableFor returns the syscall-number table for a, indexed at compile
// time rather than dispatched through an interface.
func TableFor(a Arch) *Table {
	return &tables[a]
}
