package stm

import (
	"runtime"
	"strconv"
)

// goroutineID extracts the current goroutine's id by parsing the header of
// its runtime.Stack dump ("goroutine N [running]:"). Slow, so the result is
// cached per goroutine by the caller; hot paths should hold an explicit
// *Thread instead of going through the package-level drivers.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// liveGoroutineIDs dumps every goroutine's stack and collects the ids, for
// reclaiming registry slots of goroutines that exited without releasing.
func liveGoroutineIDs() map[int64]struct{} {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	buf = buf[:n]
	live := make(map[int64]struct{})
	for i := 0; i < len(buf); {
		end := i
		for end < len(buf) && buf[end] != '\n' {
			end++
		}
		if gid := parseGID(buf[i:end]); gid != 0 {
			live[gid] = struct{}{}
		}
		i = end + 1
	}
	return live
}

func parseGID(line []byte) int64 {
	const prefix = "goroutine "
	if len(line) < len(prefix) || string(line[:len(prefix)]) != prefix {
		return 0
	}
	line = line[len(prefix):]
	end := 0
	for end < len(line) && line[end] >= '0' && line[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	gid, err := strconv.ParseInt(string(line[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return gid
}
