// Package main is the entry point for whitelistd, a forward-authentication
// gateway for reverse proxies.
//
// A client address that presents trusted identity headers on /authorize is
// remembered until a daily cutoff; /allowed then admits that address and
// replays the captured headers so the proxy can pass them downstream.
package main

import (
	"fmt"
	"os"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
