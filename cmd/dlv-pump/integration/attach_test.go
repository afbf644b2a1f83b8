package integration

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/dlv-pump/debug"
	"github.com/xhd2015/dlv-pump/debug/model"
	"github.com/xhd2015/dlv-pump/log"
)

const debuggee = `package main

import (
	"fmt"
	"time"
)

func main() {
	fmt.Println("Hello, Debugger!")
	result := add(5, 7)
	fmt.Printf("5 + 7 = %d\n", result)
	time.Sleep(10 * time.Hour)
}

func add(a, b int) int {
	return a + b
}
`

// TestAttachHitsBreakpoint runs the pump against a real headless Delve
// server over both transports.
func TestAttachHitsBreakpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	if _, err := exec.LookPath("dlv"); err != nil {
		t.Skip("dlv not found in PATH")
	}

	for _, transport := range []string{debug.TransportDAP, debug.TransportHeadless} {
		t.Run(transport, func(t *testing.T) {
			dir, line := writeDebuggee(t)
			addr := startHeadlessDlv(t, dir)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			session := model.NewSession(model.WithLogger(log.Nop()))
			defer session.Close()

			hits := make(chan int, 1)
			session.AddBreakpointListener(&model.BreakpointListenerFuncs{
				OnHit: func(thread *model.Thread, bp model.Breakpoint) bool {
					select {
					case hits <- bp.HitCount():
					default:
					}
					return true
				},
			})

			vm, err := debug.Dial(ctx, transport, addr, debug.DialOptions{
				Logger:         log.Nop(),
				RequestTimeout: 10 * time.Second,
			})
			require.NoError(t, err, "Failed to dial dlv")
			target, err := session.Attach(ctx, vm, model.WithName("hello"))
			require.NoError(t, err, "Failed to attach")

			bp := model.NewLineBreakpoint(filepath.Join(dir, "main.go"), line)
			require.NoError(t, target.AddBreakpoint(ctx, bp), "Failed to set breakpoint")
			require.NoError(t, target.Resume(ctx), "Failed to resume")

			select {
			case n := <-hits:
				assert.Equal(t, 1, n)
			case <-ctx.Done():
				t.Fatal("breakpoint was not hit")
			}
			assert.Equal(t, 1, bp.HitCount())

			require.NoError(t, target.Disconnect(ctx))
			assert.True(t, target.IsDisconnected())
		})
	}
}

// writeDebuggee writes the debuggee into its own module and returns the
// directory and the line of the statement inside add.
func writeDebuggee(t *testing.T) (string, int) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module hello\n\ngo 1.23\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(debuggee), 0644))

	for i, text := range strings.Split(debuggee, "\n") {
		if strings.TrimSpace(text) == "return a + b" {
			return dir, i + 1
		}
	}
	t.Fatal("debuggee has no add statement")
	return "", 0
}

func startHeadlessDlv(t *testing.T, dir string) string {
	t.Helper()
	addr := freeAddr(t)

	cmd := exec.Command("dlv", "debug", "--headless", "--listen="+addr, "--api-version=2", "--accept-multiclient")
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err, "Failed to create dlv stdout pipe")
	stderr, err := cmd.StderrPipe()
	require.NoError(t, err, "Failed to create dlv stderr pipe")
	require.NoError(t, cmd.Start(), "Failed to start dlv")

	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Signal(os.Interrupt)
			time.Sleep(100 * time.Millisecond)
			cmd.Process.Kill()
			cmd.Wait()
		}
	})

	go func() {
		scanner := bufio.NewScanner(io.MultiReader(stdout, stderr))
		for scanner.Scan() {
			t.Logf("DLV: %s", scanner.Text())
		}
	}()

	// dlv debug compiles first, which can take a while on a cold cache.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 30*time.Second, 100*time.Millisecond, "dlv failed to listen on %s", addr)
	return addr
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}
