package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// ---------------------------------------------------------------------------
// Test framework
// ---------------------------------------------------------------------------

type testResult struct {
	name   string
	passed bool
	detail string
}

type testCase struct {
	name     string
	instance string // instance the test runs against
	fn       func(inst *instance) testResult
}

// scenarios lists the instances started for the suite.
var scenarios = map[string]scenario{
	"default": {},
	"filter":  {Headers: []string{"Remote-User"}},
	"static":  {AllowList: []string{"127.0.0.0/8"}},
	"trusted": {TrustedProxies: []string{"10.0.0.0/8"}},
	"reload":  {Headers: []string{"Remote-User"}},
}

// runAllTests starts every scenario instance, runs all tests against the
// local listeners, stops the instances, and writes a report file.
func runAllTests() bool {
	runStart := time.Now()

	instances := make(map[string]*instance, len(scenarios))
	for name, sc := range scenarios {
		inst, err := startInstance(name, sc)
		if err != nil {
			for _, started := range instances {
				_ = started.kill()
			}
			fatal("instance %q failed to start: %v", name, err)
		}
		instances[name] = inst
		info("  ✓ %s listening on %s (admin %s)", name, inst.addr, inst.adminAddr)
	}

	cases := allTestCases()
	entries := make([]TestEntry, 0, len(cases)+1)
	passCount, failCount := 0, 0

	record := func(i int, name string, r testResult, elapsed time.Duration) {
		entry := TestEntry{
			Index:         i,
			Name:          name,
			TestID:        r.name,
			Passed:        r.passed,
			Detail:        r.detail,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
		}
		entries = append(entries, entry)

		if r.passed {
			passCount++
			fmt.Printf("  ✅ PASS: %s (%s)\n", r.detail, entry.DurationHuman)
		} else {
			failCount++
			fmt.Printf("  ❌ FAIL: %s (%s)\n", r.detail, entry.DurationHuman)
		}
	}

	for i, tc := range cases {
		fmt.Printf("\n[%d/%d] %s\n", i+1, len(cases)+1, tc.name)

		tStart := time.Now()
		r := tc.fn(instances[tc.instance])
		record(i+1, tc.name, r, time.Since(tStart))
	}

	// Collect logs before the shutdown test stops the processes.
	logSnapshot := func() []*instance {
		out := make([]*instance, 0, len(instances))
		for _, inst := range instances {
			out = append(out, inst)
		}
		return out
	}()

	fmt.Printf("\n[%d/%d] Graceful shutdown — SIGTERM exits cleanly\n", len(cases)+1, len(cases)+1)
	tStart := time.Now()
	record(len(cases)+1, "Graceful shutdown — SIGTERM exits cleanly", testGracefulShutdown(instances), time.Since(tStart))

	allPassed := failCount == 0

	// Summary.
	fmt.Printf("\n%s\n", strings.Repeat("-", 60))
	fmt.Printf("Results: %d passed, %d failed, %d total\n", passCount, failCount, len(entries))
	fmt.Printf("%s\n", strings.Repeat("-", 60))

	for _, e := range entries {
		mark := "✅"
		if !e.Passed {
			mark = "❌"
		}
		fmt.Printf("  %s %s\n", mark, e.TestID)
	}

	var logs []InstanceLog
	if !allPassed {
		info("Collecting whitelistd logs for failure diagnostics...")
		logs = collectLogs(logSnapshot)
	}

	report := &Report{
		Timestamp:  runStart,
		Duration:   time.Since(runStart),
		Binary:     binaryPath(),
		PassCount:  passCount,
		FailCount:  failCount,
		TotalCount: len(entries),
		AllPassed:  allPassed,
		Tests:      entries,
		Logs:       logs,
	}

	reportPath := writeReport(report)
	if reportPath != "" {
		fmt.Printf("\n📄 Report: %s\n", reportPath)
	}

	return allPassed
}

// ---------------------------------------------------------------------------
// Test definitions
// ---------------------------------------------------------------------------

func allTestCases() []testCase {
	return []testCase{
		// Forward-auth flow
		{"Forward auth — unknown client is denied", "default", testUnknownDenied},
		{"Forward auth — authorize then allowed replays headers", "default", testAuthorizeThenAllowed},
		{"Forward auth — only configured headers are captured", "filter", testHeaderFiltering},
		{"Forward auth — unknown path is 404", "default", testUnknownPath},

		// Address resolution
		{"Address — X-Forwarded-For identifies the client", "default", testForwardedFor},
		{"Address — invalid X-Forwarded-For falls back to peer", "default", testInvalidForwarded},
		{"Address — untrusted peer cannot spoof X-Forwarded-For", "trusted", testUntrustedProxy},

		// Static allow list
		{"Static allow list — bypasses the whitelist", "static", testStaticAllowList},

		// Concurrency
		{"Concurrent authorize/allowed — no 5xx under load", "default", testConcurrent},

		// Protocols
		{"Protocol — HTTP/2 (h2c) prior knowledge", "default", testH2C},

		// Admin API
		{"Admin — list and revoke whitelist entries", "default", testAdminRevoke},
		{"Admin — metrics exposed", "default", testMetrics},

		// Config hot-reload
		{"Config reload — captured headers change on file edit", "reload", testConfigReload},
	}
}

// ---------------------------------------------------------------------------
// Individual tests
// ---------------------------------------------------------------------------

func testUnknownDenied(inst *instance) testResult {
	resp, body, err := doRequest(inst.baseURL()+"/allowed", map[string]string{"X-Forwarded-For": "198.51.100.1"})
	if err != nil {
		return fail("unknown-denied", "request error: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		return fail("unknown-denied", "expected 403, got %d", resp.StatusCode)
	}
	if body != "Please (re)authenticate yourself" {
		return fail("unknown-denied", "unexpected body %q", body)
	}
	return pass("unknown-denied", "403 %q", body)
}

func testAuthorizeThenAllowed(inst *instance) testResult {
	const name = "authorize-allowed"
	client := map[string]string{"X-Forwarded-For": "198.51.100.2"}

	resp, _, err := doRequest(inst.baseURL()+"/authorize", with(client, map[string]string{
		"Remote-User":   "bob",
		"Remote-Email":  "bob@example.com",
		"Remote-Groups": "admins",
	}))
	if err != nil {
		return fail(name, "authorize error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fail(name, "authorize expected 200, got %d", resp.StatusCode)
	}

	resp, body, err := doRequest(inst.baseURL()+"/allowed", client)
	if err != nil {
		return fail(name, "allowed error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body != "Ok" {
		return fail(name, "allowed expected 200 Ok, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Remote-User") != "bob" || resp.Header.Get("Remote-Email") != "bob@example.com" {
		return fail(name, "headers not replayed: %v", resp.Header)
	}
	return pass(name, "replayed Remote-User=%s Remote-Groups=%s",
		resp.Header.Get("Remote-User"), resp.Header.Get("Remote-Groups"))
}

func testHeaderFiltering(inst *instance) testResult {
	const name = "header-filter"
	client := map[string]string{"X-Forwarded-For": "198.51.100.3"}

	if _, _, err := doRequest(inst.baseURL()+"/authorize", with(client, map[string]string{
		"Remote-User":  "bob",
		"Remote-Email": "bob@example.com",
		"X-Other":      "x",
	})); err != nil {
		return fail(name, "authorize error: %v", err)
	}

	resp, _, err := doRequest(inst.baseURL()+"/allowed", client)
	if err != nil {
		return fail(name, "allowed error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fail(name, "expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Remote-User") != "bob" {
		return fail(name, "Remote-User not replayed")
	}
	if resp.Header.Get("Remote-Email") != "" || resp.Header.Get("X-Other") != "" {
		return fail(name, "unconfigured headers replayed: %v", resp.Header)
	}
	return pass(name, "only Remote-User replayed")
}

func testUnknownPath(inst *instance) testResult {
	resp, body, err := doRequest(inst.baseURL()+"/foo", nil)
	if err != nil {
		return fail("unknown-path", "request error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		return fail("unknown-path", "expected 404, got %d", resp.StatusCode)
	}
	return pass("unknown-path", "404 %q", body)
}

func testForwardedFor(inst *instance) testResult {
	const name = "forwarded-for"

	if _, _, err := doRequest(inst.baseURL()+"/authorize", map[string]string{
		"X-Forwarded-For": "203.0.113.7",
		"Remote-User":     "carol",
	}); err != nil {
		return fail(name, "authorize error: %v", err)
	}

	same, _, err := doRequest(inst.baseURL()+"/allowed", map[string]string{"X-Forwarded-For": "203.0.113.7"})
	if err != nil {
		return fail(name, "allowed error: %v", err)
	}
	other, _, err := doRequest(inst.baseURL()+"/allowed", map[string]string{"X-Forwarded-For": "203.0.113.8"})
	if err != nil {
		return fail(name, "allowed error: %v", err)
	}

	if same.StatusCode != http.StatusOK || other.StatusCode != http.StatusForbidden {
		return fail(name, "expected 200/403, got %d/%d", same.StatusCode, other.StatusCode)
	}
	return pass(name, "203.0.113.7 allowed, 203.0.113.8 denied")
}

func testInvalidForwarded(inst *instance) testResult {
	const name = "invalid-forwarded"

	// 127.0.0.1 is the real peer; the garbage header must be ignored.
	resp, _, err := doRequest(inst.baseURL()+"/authorize", map[string]string{"X-Forwarded-For": "not-an-ip"})
	if err != nil {
		return fail(name, "authorize error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fail(name, "expected 200, got %d", resp.StatusCode)
	}

	resp, _, err = doRequest(inst.baseURL()+"/allowed", nil)
	if err != nil {
		return fail(name, "allowed error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fail(name, "peer address not whitelisted, got %d", resp.StatusCode)
	}

	revoke(inst, "127.0.0.1")
	return pass(name, "fell back to peer 127.0.0.1")
}

func testUntrustedProxy(inst *instance) testResult {
	const name = "untrusted-proxy"

	// Trusted proxies are 10.0.0.0/8; the test client connects from loopback.
	if _, _, err := doRequest(inst.baseURL()+"/authorize", map[string]string{"X-Forwarded-For": "203.0.113.50"}); err != nil {
		return fail(name, "authorize error: %v", err)
	}

	resp, body, err := doRequest(inst.adminURL()+"/whitelist", nil)
	if err != nil {
		return fail(name, "list error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fail(name, "list expected 200, got %d", resp.StatusCode)
	}
	if strings.Contains(body, "203.0.113.50") {
		return fail(name, "spoofed address was whitelisted: %s", body)
	}
	if !strings.Contains(body, "127.0.0.1") {
		return fail(name, "peer address missing from whitelist: %s", body)
	}
	return pass(name, "forwarded header ignored for untrusted peer")
}

func testStaticAllowList(inst *instance) testResult {
	resp, _, err := doRequest(inst.baseURL()+"/allowed", nil)
	if err != nil {
		return fail("static-allow", "request error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fail("static-allow", "expected 200 for 127.0.0.1, got %d", resp.StatusCode)
	}

	resp, _, err = doRequest(inst.baseURL()+"/allowed", map[string]string{"X-Forwarded-For": "198.51.100.99"})
	if err != nil {
		return fail("static-allow", "request error: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		return fail("static-allow", "expected 403 outside allow list, got %d", resp.StatusCode)
	}
	return pass("static-allow", "127.0.0.0/8 allowed without authorize")
}

func testConcurrent(inst *instance) testResult {
	const workers = 50
	var ok, errs int64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			client := map[string]string{"X-Forwarded-For": fmt.Sprintf("192.0.2.%d", i+1)}
			user := fmt.Sprintf("user-%d", i)
			if _, _, err := doRequest(inst.baseURL()+"/authorize", with(client, map[string]string{"Remote-User": user})); err != nil {
				atomic.AddInt64(&errs, 1)
				return
			}
			resp, _, err := doRequest(inst.baseURL()+"/allowed", client)
			if err != nil || resp.StatusCode != http.StatusOK || resp.Header.Get("Remote-User") != user {
				atomic.AddInt64(&errs, 1)
				return
			}
			atomic.AddInt64(&ok, 1)
		}(i)
	}
	wg.Wait()

	if errs == 0 {
		return pass("concurrent", "%d concurrent clients, all replayed their own headers", ok)
	}
	return fail("concurrent", "%d ok, %d errors", ok, errs)
}

func testH2C(inst *instance) testResult {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				// Dial plain TCP (no TLS) for h2c.
				return net.DialTimeout(network, addr, 10*time.Second)
			},
		},
	}

	resp, err := client.Get(inst.baseURL() + "/foo")
	if err != nil {
		return fail("proto-h2c", "request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.ProtoMajor != 2 {
		return fail("proto-h2c", "expected HTTP/2, got %s", resp.Proto)
	}
	if resp.StatusCode != http.StatusNotFound {
		return fail("proto-h2c", "expected 404, got %d", resp.StatusCode)
	}
	return pass("proto-h2c", "served over %s", resp.Proto)
}

func testAdminRevoke(inst *instance) testResult {
	const name = "admin-revoke"
	client := map[string]string{"X-Forwarded-For": "203.0.113.9"}

	if _, _, err := doRequest(inst.baseURL()+"/authorize", client); err != nil {
		return fail(name, "authorize error: %v", err)
	}

	_, body, err := doRequest(inst.adminURL()+"/whitelist", nil)
	if err != nil {
		return fail(name, "list error: %v", err)
	}
	if !strings.Contains(body, "203.0.113.9") {
		return fail(name, "entry not listed: %s", body)
	}

	if code := revoke(inst, "203.0.113.9"); code != http.StatusNoContent {
		return fail(name, "revoke expected 204, got %d", code)
	}

	resp, _, err := doRequest(inst.baseURL()+"/allowed", client)
	if err != nil {
		return fail(name, "allowed error: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		return fail(name, "expected 403 after revoke, got %d", resp.StatusCode)
	}
	return pass(name, "listed, revoked, then denied")
}

func testMetrics(inst *instance) testResult {
	_, body, err := doRequest(inst.adminURL()+"/metrics", nil)
	if err != nil {
		return fail("metrics", "request error: %v", err)
	}
	for _, want := range []string{
		"whitelistd_checks_total",
		"whitelistd_authorizations_total",
		"whitelistd_entries",
		"whitelistd_request_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			return fail("metrics", "missing %s", want)
		}
	}
	return pass("metrics", "whitelistd collectors exported")
}

// ---------------------------------------------------------------------------
// Config hot-reload tests
// ---------------------------------------------------------------------------

// testConfigReload rewrites the instance config to capture a different
// header and waits for the file watcher to apply it.
func testConfigReload(inst *instance) testResult {
	const name = "config-reload"
	client := map[string]string{"X-Forwarded-For": "203.0.113.20"}
	headers := with(client, map[string]string{"Remote-User": "dave", "Remote-Email": "dave@example.com"})

	if err := inst.writeConfig(scenario{Headers: []string{"Remote-Email"}}); err != nil {
		return fail(name, "rewrite config: %v", err)
	}

	err := pollUntil(15*time.Second, "Remote-Email captured", func() bool {
		if _, _, err := doRequest(inst.baseURL()+"/authorize", headers); err != nil {
			return false
		}
		resp, _, err := doRequest(inst.baseURL()+"/allowed", client)
		if err != nil {
			return false
		}
		return resp.Header.Get("Remote-Email") == "dave@example.com" && resp.Header.Get("Remote-User") == ""
	})
	if err != nil {
		return fail(name, "%v", err)
	}
	return pass(name, "captured header set switched to Remote-Email")
}

// testGracefulShutdown stops every instance with SIGTERM and expects a zero
// exit status from each.
func testGracefulShutdown(instances map[string]*instance) testResult {
	var failed []string
	for name, inst := range instances {
		if err := inst.stop(15 * time.Second); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if !strings.Contains(inst.logs.String(), "shutdown complete") {
			failed = append(failed, name+": no shutdown log")
		}
	}
	if len(failed) > 0 {
		return fail("graceful-shutdown", "%s", strings.Join(failed, "; "))
	}
	return pass("graceful-shutdown", "%d instances exited 0", len(instances))
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func doRequest(url string, headers map[string]string) (*http.Response, string, error) {
	return doMethod(http.MethodGet, url, headers)
}

func doMethod(method, url string, headers map[string]string) (*http.Response, string, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, "", err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp, string(body), err
}

func revoke(inst *instance, addr string) int {
	resp, _, err := doMethod(http.MethodDelete, inst.adminURL()+"/whitelist/"+addr, nil)
	if err != nil {
		return 0
	}
	return resp.StatusCode
}

// with merges header maps; later maps win.
func with(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Result helpers
// ---------------------------------------------------------------------------

func pass(name, format string, args ...any) testResult {
	return testResult{name: name, passed: true, detail: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) testResult {
	return testResult{name: name, passed: false, detail: fmt.Sprintf(format, args...)}
}
