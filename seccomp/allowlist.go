package seccomp

// allowedSyscalls is the fixed set of syscall names permitted inside the
// sandbox. It is deliberately static data rather than something derived
// from configuration, so tests can diff it directly and a reviewer can see
// the whole attack surface in one table.
//
// Notably absent, on purpose: connect, socket (for AF_INET/AF_INET6),
// ptrace, kexec_load, bpf, userfaultfd, perf_event_open. Those fall through
// to the filter's default action (EPERM).
var allowedSyscalls = []string{
	// File I/O.
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"open", "openat", "openat2", "close", "close_range",
	"stat", "fstat", "lstat", "newfstatat", "statx",
	"access", "faccessat", "faccessat2",
	"lseek", "dup", "dup2", "dup3",
	"fcntl", "flock", "fsync", "fdatasync",
	"getdents", "getdents64",
	"readlink", "readlinkat",
	"mkdir", "mkdirat", "rmdir",
	"unlink", "unlinkat",
	"rename", "renameat", "renameat2",
	"link", "linkat", "symlink", "symlinkat",
	"truncate", "ftruncate",
	"chmod", "fchmod", "fchmodat",
	"chown", "fchown", "fchownat", "lchown",
	"utime", "utimes", "utimensat",
	"ioctl",
	"pipe", "pipe2",
	"select", "pselect6", "poll", "ppoll",
	"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
	"eventfd", "eventfd2",
	"inotify_init", "inotify_init1", "inotify_add_watch", "inotify_rm_watch",
	"getcwd", "chdir", "fchdir",
	"getrandom",

	// Memory management.
	"mmap", "munmap", "mremap", "mprotect", "madvise",
	"brk",
	"msync", "mincore",
	"mlock", "munlock", "mlock2", "mlockall", "munlockall",

	// Process control.
	"clone", "clone3", "fork", "vfork",
	"execve", "execveat",
	"exit", "exit_group",
	"wait4", "waitid",
	"getpid", "getppid", "gettid",
	"getuid", "geteuid", "getgid", "getegid",
	"getresuid", "getresgid",
	"setuid", "setgid", "setgroups",
	"set_tid_address", "set_robust_list", "get_robust_list",
	"prctl", "arch_prctl",
	"sched_yield", "sched_getaffinity", "sched_setaffinity",
	"getrlimit", "setrlimit", "prlimit64",
	"getpriority", "setpriority",
	"capget", "capset",
	"personality",

	// Signals.
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
	"rt_sigpending", "rt_sigtimedwait", "rt_sigqueueinfo",
	"sigaltstack",
	"kill", "tkill", "tgkill",

	// Time.
	"clock_gettime", "clock_getres", "clock_nanosleep",
	"gettimeofday", "nanosleep", "time",

	// Futex / threading.
	"futex", "futex_waitv",
	"set_thread_area", "get_thread_area",

	// Misc needed by typical editors/toolchains.
	"uname", "sysinfo",
	"umask",
	"sync", "syncfs",
	"vmsplice", "splice", "tee",
	"membarrier",
	"restart_syscall",
}
