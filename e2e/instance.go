package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// scenario describes the whitelist settings one instance runs with.
type scenario struct {
	Headers        []string
	AllowList      []string
	TrustedProxies []string
	Threads        int
}

// instance is one running whitelistd process.
type instance struct {
	name       string
	dir        string
	configPath string
	addr       string
	adminAddr  string

	cmd    *exec.Cmd
	logs   *syncBuffer
	exited chan error
}

// syncBuffer collects process output written from the exec goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startInstance writes a config for sc and starts whitelistd against it,
// returning once the admin server reports ready.
func startInstance(name string, sc scenario) (*instance, error) {
	dir, err := os.MkdirTemp("", "whitelistd-e2e-"+name+"-")
	if err != nil {
		return nil, err
	}

	inst := &instance{
		name:       name,
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		addr:       freeAddr(),
		adminAddr:  freeAddr(),
		logs:       &syncBuffer{},
		exited:     make(chan error, 1),
	}
	if err := inst.writeConfig(sc); err != nil {
		return nil, err
	}

	inst.cmd = exec.Command(binaryPath(), "--config", inst.configPath)
	inst.cmd.Env = append(os.Environ(), "WHITELISTD_LOGGING_LEVEL=debug")
	inst.cmd.Stdout = inst.logs
	inst.cmd.Stderr = inst.logs
	if err := inst.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	go func() { inst.exited <- inst.cmd.Wait() }()

	client := &http.Client{Timeout: time.Second}
	err = pollUntil(10*time.Second, name+" ready", func() bool {
		resp, getErr := client.Get(inst.adminURL() + "/readyz")
		if getErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	if err != nil {
		_ = inst.kill()
		return nil, fmt.Errorf("%w\n%s", err, inst.logs.String())
	}
	return inst, nil
}

// writeConfig renders sc as the instance's TOML config file.
func (i *instance) writeConfig(sc scenario) error {
	threads := sc.Threads
	if threads == 0 {
		threads = 4
	}
	whitelist := map[string]any{
		"allow_list":      append([]string{}, sc.AllowList...),
		"trusted_proxies": append([]string{}, sc.TrustedProxies...),
		"prune_interval":  60,
	}
	if len(sc.Headers) > 0 {
		whitelist["headers"] = sc.Headers
	}
	doc := map[string]any{
		"server": map[string]any{
			"address":       i.addr,
			"threads":       threads,
			"drain_timeout": "5s",
		},
		"admin":     map[string]any{"address": i.adminAddr},
		"whitelist": whitelist,
		"logging":   map[string]any{"format": "json"},
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return err
	}
	tmp := i.configPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	// Rename so the watcher never reads a half-written file.
	return os.Rename(tmp, i.configPath)
}

func (i *instance) baseURL() string  { return "http://" + i.addr }
func (i *instance) adminURL() string { return "http://" + i.adminAddr }

// stop sends SIGTERM and waits for a clean exit.
func (i *instance) stop(timeout time.Duration) error {
	defer os.RemoveAll(i.dir)

	if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", i.name, err)
	}
	select {
	case err := <-i.exited:
		return err
	case <-time.After(timeout):
		_ = i.kill()
		return errors.New("did not exit after SIGTERM")
	}
}

func (i *instance) kill() error {
	defer os.RemoveAll(i.dir)
	return i.cmd.Process.Kill()
}
