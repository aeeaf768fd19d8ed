package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/saltcore/master/internal/masterconfig"
	"github.com/saltcore/master/internal/masterserver"
	"github.com/saltcore/master/internal/wire"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the master's authentication, routing, and publish loops",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// masterconfigLoader builds the Loader for the --config flag shared by run
// and the key subcommands.
func masterconfigLoader() *masterconfig.Loader {
	return masterconfig.NewLoader(cfgFile)
}

func runRun(cmd *cobra.Command, args []string) error {
	printHeader("Starting Master")

	loader := masterconfigLoader()
	cfg, err := loader.Load()
	if err != nil {
		printError(fmt.Sprintf("config: %v", err))
		return err
	}

	srv, err := masterserver.Build(cfg, defaultRegistry())
	if err != nil {
		printError(fmt.Sprintf("build: %v", err))
		return err
	}

	pub, err := srv.MasterPublicKeyPEM()
	if err != nil {
		return err
	}
	if verbose {
		fmt.Println(string(pub))
	}

	printSuccess(fmt.Sprintf("PKI directory: %s", cfg.PKIDir))
	printSuccess(fmt.Sprintf("worker pools:  %v", srv.Router.PoolNames()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printSuccess("master running, ctrl-c to stop")
	srv.Run(ctx)
	printWarning("master stopped")
	return nil
}

// defaultRegistry wires the handful of built-in commands every master
// answers regardless of deployment (currently only test.ping). Callers
// embedding masterserver in a larger program register their own job
// handlers through masterserver.Registry instead of this CLI default.
func defaultRegistry() masterserver.Registry {
	return masterserver.Registry{
		"test.ping": func(ctx context.Context, req wire.Request) (wire.HandlerResult, error) {
			return wire.HandlerResult{
				Ret:     true,
				Options: wire.HandlerOptions{Fun: wire.ReplySend},
			}, nil
		},
	}
}
