// Command relay-worker relays MiningSolved events from the source chain to the
// destination credit contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/uscmining/relay-worker/internal/config"
	"github.com/uscmining/relay-worker/internal/logging"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if errors.Is(err, config.ErrInvalidConfig) || errors.Is(err, errUsage) {
			return exitConfig
		}
		return exitFailed
	}
	return exitOK
}

var errUsage = errors.New("usage error")

// app carries what every subcommand needs after the root pre-run.
type app struct {
	v      *viper.Viper
	cfg    config.Config
	log    *slog.Logger
	closer io.Closer
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdout: stdout, stderr: stderr}
	var cfgFile string

	root := &cobra.Command{
		Use:           "relay-worker",
		Short:         "Relay accepted mining solutions to the destination credit contract",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
				return err
			}
			if err := config.ReadFile(a.v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Decode(a.v)
			if err != nil {
				return err
			}
			log, closer, err := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
				Stderr: stderr,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
			}
			a.cfg, a.log, a.closer = cfg, log, closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closer != nil {
				return a.closer.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (yaml, json or toml)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the listener, submitter and read API until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.run(cmd.Context())
			},
		},
		newBackfillCmd(a),
		newJobsCmd(a),
	)
	return root
}
