package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "netsentry",
		Short:         "Network device log classification and remediation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	component := func(name, short string, run func(ctx context.Context, rt *runtime) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				rt, err := newRuntime(configPath, name)
				if err != nil {
					return err
				}
				defer rt.close()
				return run(ctx, rt)
			},
		}
	}

	root.AddCommand(
		component("classifier", "Receive syslog and publish classified events", runClassifier),
		component("agent", "Run every configured domain agent", runAgents),
		component("orchestrator", "Turn findings into playbook actions", runOrchestrator),
		component("executor", "Run allowlisted commands on devices over SSH", runExecutor),
		component("all", "Run every component in one process", runAll),
	)
	return root
}
