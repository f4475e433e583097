package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const binaryName = "whitelistd"

// run executes a command, printing it to stdout, and returns combined output.
func run(name string, args ...string) (string, error) {
	fmt.Printf("  $ %s %s\n", name, strings.Join(args, " "))

	cmd := exec.Command(name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w\n%s", name, strings.Join(args, " "), err, output)
	}

	return output, nil
}

// runInDir executes a command in a specific directory.
func runInDir(dir, name string, args ...string) (string, error) {
	fmt.Printf("  [%s] $ %s %s\n", dir, name, strings.Join(args, " "))

	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if err != nil {
		return output, fmt.Errorf("%s failed in %s: %w\n%s", name, dir, err, output)
	}

	return output, nil
}

// buildBinary compiles cmd/whitelistd into e2e/bin.
func buildBinary() {
	if err := os.MkdirAll(binDir(), 0o755); err != nil {
		fatal("Cannot create %s: %v", binDir(), err)
	}

	out, err := runInDir(getProjectDir(), "go", "build",
		"-ldflags", "-X main.version=e2e",
		"-o", binaryPath(),
		"./cmd/whitelistd")
	if err != nil {
		fatal("Build failed: %v\n%s", err, out)
	}

	if _, err := run(binaryPath(), "version"); err != nil {
		fatal("Built binary does not run: %v", err)
	}
}

// getProjectDir returns the absolute path to the project root.
func getProjectDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatal("Cannot get working directory: %v", err)
	}

	// If we're in the e2e directory.
	if filepath.Base(wd) == "e2e" {
		return filepath.Dir(wd)
	}

	// If we're in the project root.
	if fileExists(filepath.Join(wd, "cmd", binaryName)) {
		return wd
	}

	fatal("Cannot locate project root from %s", wd)
	return ""
}

func binDir() string {
	return filepath.Join(getProjectDir(), "e2e", "bin")
}

func binaryPath() string {
	return filepath.Join(binDir(), binaryName)
}

// freeAddr returns a loopback "host:port" the OS has just confirmed free.
func freeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fatal("Cannot reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// banner prints a section header.
func banner(msg string) {
	fmt.Printf("\n%s\n", strings.Repeat("=", 70))
	fmt.Printf("  %s\n", msg)
	fmt.Printf("%s\n\n", strings.Repeat("=", 70))
}

// info prints an info line.
func info(format string, args ...any) {
	fmt.Printf("[INFO] "+format+"\n", args...)
}

// warn prints a warning line.
func warn(format string, args ...any) {
	fmt.Printf("[WARN] "+format+"\n", args...)
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	os.Exit(1)
}

// fileExists checks whether a path exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// pollUntil calls check repeatedly with exponential backoff until it returns
// true or the timeout expires. Initial interval is 100ms, max interval is 2s.
// Returns an error if the timeout is exceeded.
func pollUntil(timeout time.Duration, desc string, check func() bool) error {
	deadline := time.Now().Add(timeout)
	interval := 100 * time.Millisecond

	for time.Now().Before(deadline) {
		if check() {
			return nil
		}
		sleep := interval
		if remaining := time.Until(deadline); sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
		interval = min(interval*2, 2*time.Second)
	}
	return fmt.Errorf("timeout after %s waiting for: %s", timeout, desc)
}
