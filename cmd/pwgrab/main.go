// pwgrab captures a Wayland screen through the desktop portal and writes
// raw frames to a file or stdout.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
