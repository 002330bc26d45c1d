// Command wellrelay replicates one well's source data to a remote consumer
// and mirrors its live samples to a local listener.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
