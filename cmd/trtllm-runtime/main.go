// main.go - Haupteinstiegspunkt fuer den trtllm-runtime CLI-Treiber
package main

import (
	"fmt"
	"os"

	"github.com/trtllm-go/runtime/cmd/trtllm-runtime/cmd"
)

func main() {
	if err := cmd.NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
