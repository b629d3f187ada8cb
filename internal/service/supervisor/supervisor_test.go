package supervisor_test

import (
	"context"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cogtoolslab/cab-experiments/backend/internal/service/supervisor"
)

// TestHelperProcess is the child used by the tests below; it is a no-op
// unless SUPERVISOR_HELPER is set.
func TestHelperProcess(t *testing.T) {
	switch os.Getenv("SUPERVISOR_HELPER") {
	case "crash":
		os.Exit(3)
	case "serve":
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM)
		select {
		case <-sig:
			os.Exit(0)
		case <-time.After(30 * time.Second):
			os.Exit(1)
		}
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
}

func helper(mode string) supervisor.CommandFunc {
	return func(port int) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", "--port", strconv.Itoa(port))
		cmd.Env = append(os.Environ(), "SUPERVISOR_HELPER="+mode)
		return cmd
	}
}

func TestAllocatePort(t *testing.T) {
	port, err := supervisor.AllocatePort(4000, 5000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 4000)
	assert.LessOrEqual(t, port, 5000)
}

func TestAllocatePortSkipsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	_, err = supervisor.AllocatePort(busy, busy)
	assert.ErrorIs(t, err, supervisor.ErrNoFreePort)

	_, err = supervisor.AllocatePort(10, 5)
	assert.Error(t, err)
}

func TestSupervisorRestartsCrashedChild(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sup := supervisor.New(supervisor.Config{Port: 4321, RestartDelay: 10 * time.Millisecond}, helper("crash"), zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Restarts() >= 2 }, 10*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.NotZero(t, logs.FilterMessage("child process exited").Len())
	assert.Equal(t, 4321, sup.Port())
}

func TestSupervisorStopsChildOnShutdown(t *testing.T) {
	for _, mode := range []string{"serve", "stubborn"} {
		t.Run(mode, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			sup := supervisor.New(supervisor.Config{Port: 4322, RestartDelay: time.Second, StopTimeout: 200 * time.Millisecond}, helper(mode), zap.New(core))

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- sup.Run(ctx) }()

			require.Eventually(t, func() bool { return logs.FilterMessage("child process started").Len() == 1 }, 10*time.Second, 10*time.Millisecond)
			cancel()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatalf("supervisor did not stop %s child", mode)
			}
			assert.Zero(t, sup.Restarts())
		})
	}
}
