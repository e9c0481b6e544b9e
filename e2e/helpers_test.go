//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const testAPIKey = "sk-e2e-test-key"

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// relayBinary builds the realtime-relay binary once and returns its path.
func relayBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "realtime-relay")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/realtime-relay")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build realtime-relay: %v", buildErr)
	}
	return builtBinary
}

// relayProcess represents a running realtime-relay process with log capture.
type relayProcess struct {
	cmd    *exec.Cmd
	logs   *logBuffer
	exited chan error
}

// relayOptions controls how startRelay launches the process.
type relayOptions struct {
	// apiKey is exported as OPENAI_API_KEY unless empty.
	apiKey string
	// env holds extra KEY=VALUE entries.
	env []string
	// dir is the working directory. Empty means a fresh temp dir, so a
	// developer's .dev.vars is never picked up.
	dir string
}

// startRelay starts `realtime-relay serve` against upstreamURL and returns a
// handle. The process is killed on test cleanup.
func startRelay(t *testing.T, upstreamURL string, opts relayOptions, extraArgs ...string) *relayProcess {
	t.Helper()
	binary := relayBinary(t)

	args := append([]string{
		"serve",
		"--listen", "127.0.0.1:0",
		"--upstream-url", upstreamURL,
		"--log-level", "debug",
	}, extraArgs...)
	cmd := exec.Command(binary, args...)
	cmd.Env = relayEnv(opts)
	cmd.Dir = opts.dir
	if cmd.Dir == "" {
		cmd.Dir = t.TempDir()
	}

	logs := &logBuffer{}
	cmd.Stderr = logs // realtime-relay logs to stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start realtime-relay %v: %v", args, err)
	}

	proc := &relayProcess{cmd: cmd, logs: logs, exited: make(chan error, 1)}
	go func() { proc.exited <- cmd.Wait() }()

	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-proc.exited
		if t.Failed() {
			t.Logf("realtime-relay logs:\n%s", logs.String())
		}
	})

	return proc
}

// relayEnv returns the process environment with any inherited relay
// settings and API key removed, plus the options' values.
func relayEnv(opts relayOptions) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if name == "OPENAI_API_KEY" || strings.HasPrefix(name, "REALTIME_RELAY_") {
			continue
		}
		env = append(env, kv)
	}
	if opts.apiKey != "" {
		env = append(env, "OPENAI_API_KEY="+opts.apiKey)
	}
	return append(env, opts.env...)
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *relayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q", substr)
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *relayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// dialRelay opens a browser-style session with the realtime subprotocol.
func dialRelay(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/", &websocket.DialOptions{
		Subprotocols: []string{"realtime", "openai-insecure-api-key.ignored"},
	})
	if err != nil {
		t.Fatalf("dial relay %s: %v", addr, err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	return string(data)
}

func writeText(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}
