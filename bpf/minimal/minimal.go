//go:build tinygo

// Command minimal attaches and returns. It is used to check that the
// toolchain and loader work without involving the ring buffer.
package main

import "unsafe"

//export minimal_prog
func minimal_prog(ctx unsafe.Pointer) int32 {
	return 0
}

func main() {}
