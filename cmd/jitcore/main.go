// Package main provides the jitcore command line tool. It inspects the
// built-in register layouts and loads guest ELF images into a machine
// wired to the code cache.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
