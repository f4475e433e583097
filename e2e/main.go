// Package main is the orchestrator for end-to-end testing of whitelistd.
// It builds the binary, starts one local whitelistd process per scenario
// with its own config file, and runs a test suite against the real HTTP
// listeners: forward-auth flow, static allow list, forwarded addresses,
// h2c, the admin API, config hot-reload and graceful shutdown.
//
// Usage:
//
//	go run ./e2e setup     build the whitelistd binary
//	go run ./e2e test      run E2E tests (binary must be built)
//	go run ./e2e teardown  remove the build and scratch directories
//	go run ./e2e all       setup → test → teardown
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		doSetup()
	case "test":
		if !doTest() {
			os.Exit(1)
		}
	case "teardown":
		doTeardown()
	case "all":
		doSetup()
		ok := doTest()
		doTeardown()

		if !ok {
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: go run ./e2e <command>

Commands:
  setup      Build the whitelistd binary into e2e/bin
  test       Run the full E2E test suite (binary must already be built)
  teardown   Remove e2e/bin and scratch directories
  all        setup → test → teardown (full cycle)`)
}

func doSetup() {
	banner("SETUP: Building whitelistd")

	buildBinary()

	banner("SETUP COMPLETE")
	info("Binary available at %s", binaryPath())
}

func doTest() bool {
	banner("RUNNING E2E TESTS")

	if !fileExists(binaryPath()) {
		fatal("binary %s not found; run `go run ./e2e setup` first", binaryPath())
	}

	passed := runAllTests()

	if passed {
		banner("ALL TESTS PASSED")
	} else {
		banner("SOME TESTS FAILED")
	}

	return passed
}

func doTeardown() {
	banner("TEARDOWN: Removing build artifacts")

	if err := os.RemoveAll(binDir()); err != nil {
		warn("could not remove %s: %v", binDir(), err)
	}

	banner("TEARDOWN COMPLETE")
}
