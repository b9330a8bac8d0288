// Command elh-selftest drives the six end-to-end scenarios of spec.md
// §8 against the hypervisor core's scheduling, trap-dispatch, vGIC and
// device-manager packages, and reports a pass/fail line per scenario.
// Flag-based CLI structure and exit-code convention grounded on
// tinyrange-cc's cmd/cc/main.go (stdlib flag, no CLI framework).
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	var only string
	flag.StringVar(&only, "scenario", "", "run a single scenario by name instead of all of them")
	flag.Parse()

	failed := 0
	for _, s := range scenarios {
		if only != "" && s.name != only {
			continue
		}
		if err := s.run(); err != nil {
			fmt.Printf("FAIL %-10s %v\n", s.name, err)
			failed++
			continue
		}
		fmt.Printf("PASS %-10s\n", s.name)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
