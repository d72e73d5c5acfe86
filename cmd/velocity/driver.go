package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/velocity/internal/driver"
)

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Run the loopback sandbox program (invoked inside a sandbox)",
	Long: `Answer one query without a model, speaking the sandbox wire protocol on
stdout. The session worker runs this through the process provider when
sandbox.driver is "loopback".`,
	Hidden:             true,
	DisableFlagParsing: true,
	Run:                runDriver,
}

// runDriver never returns an error to cobra: a failure is reported on the
// event stream and signalled by the exit code.
func runDriver(_ *cobra.Command, args []string) {
	emitter := driver.NewEmitter(os.Stdout)

	inv, err := driver.ParseArgs(args)
	if err != nil {
		emitter.Fail("invalid arguments: " + err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := driver.NewProxyClient(emitter, driver.ProxyOptions{
		Dir:          goutils.Env("VELOCITY_PROXY_DIR", "/tmp"),
		Root:         goutils.Env("SANDBOX_ROOT", ""),
		PollInterval: envDuration("VELOCITY_PROXY_POLL_MS", time.Millisecond),
		Timeout:      envDuration("VELOCITY_PROXY_TIMEOUT_SECONDS", time.Second),
	})
	if err := driver.NewLoopback(emitter, client).Run(ctx, inv); err != nil {
		emitter.Fail(err.Error())
		stop()
		os.Exit(1)
	}
}

// envDuration reads an integer count of unit from key. Missing or invalid
// values yield zero, which selects the client default.
func envDuration(key string, unit time.Duration) time.Duration {
	n, err := strconv.Atoi(goutils.Env(key, ""))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * unit
}
