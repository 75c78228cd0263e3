package monitor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxStackFrames bounds a frame-pointer walk so a corrupted or
// cyclic chain in the tracee's stack can't spin the monitor forever.
const maxStackFrames = 64

// wordSize is 8 on every architecture framePointer is implemented for.
const wordSize = 8

// CollectStackTrace walks the frame-pointer chain of an already
// ptrace-stopped pid and returns one "0x%x" program-counter string per
// frame, innermost first. It never spawns a helper process: every read
// goes straight at the tracee's memory via process_vm_readv, the same
// primitive the teacher's ptrace helpers use for peeking tracee memory,
// just without symbolization (no pack example ships a symbolizer).
// A nil/empty result means the walk failed outright; callers already
// treat that as "no trace available" per the best-effort contract.
func CollectStackTrace(pid int) []string {
	pc, bp, err := framePointer(pid)
	if err != nil {
		return nil
	}

	frames := make([]string, 0, maxStackFrames)
	frames = append(frames, fmt.Sprintf("0x%x", pc))

	for i := 0; i < maxStackFrames && bp != 0; i++ {
		buf := make([]byte, 2*wordSize)
		if _, err := vmRead(pid, uintptr(bp), buf); err != nil {
			break
		}
		savedBP := leUint64(buf[:wordSize])
		retAddr := leUint64(buf[wordSize:])
		if retAddr == 0 {
			break
		}
		frames = append(frames, fmt.Sprintf("0x%x", retAddr))
		if savedBP <= bp {
			// A frame pointer chain only ever grows toward higher
			// addresses on the way out to main; anything else is a
			// corrupt or already-unwound chain.
			break
		}
		bp = savedBP
	}
	return frames
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// vmRead copies len(buf) bytes from addr in pid's address space via
// process_vm_readv, adapted from the teacher's ptrace helpers'
// processVMReadv/vmRead pattern (single-iovec, no retry-on-short-read:
// a short read here just means a truncated frame and the walk stops).
func vmRead(pid int, addr uintptr, buf []byte) (int, error) {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	return unix.ProcessVMReadv(pid, local, remote, 0)
}
