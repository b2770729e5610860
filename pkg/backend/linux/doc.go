// Package linux implements the acquisition backend for live processes of
// the local Linux system. Processes are enumerated through /proc, memory is
// read with process_vm_readv(2) and written through /proc/<pid>/mem, and
// exports are resolved from the dynamic symbol table of the mapped ELF
// files.
//
// The driver registers the "linux" scheme; the locator is simply
//
//	linux://
//
// and accepts proc=<dir> to use a procfs mounted somewhere else.
//
// Reading another process needs the same permissions as attaching a
// debugger to it (see ptrace(2), "Ptrace access mode checking").
package linux
