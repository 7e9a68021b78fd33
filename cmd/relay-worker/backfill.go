package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/uscmining/relay-worker/internal/listener"
)

func newBackfillCmd(a *app) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "backfill --from N [--to M]",
		Short: "Scan a block range once and record any missed solves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var toPtr *uint64
			if cmd.Flags().Changed("to") {
				if to < from {
					return fmt.Errorf("%w: --to %d is below --from %d", errUsage, to, from)
				}
				toPtr = &to
			}
			if !cmd.Flags().Changed("from") {
				return fmt.Errorf("%w: --from is required", errUsage)
			}
			return a.backfill(cmd.Context(), from, toPtr)
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first block to scan")
	cmd.Flags().Uint64Var(&to, "to", 0, "last block to scan (default: confirmed head)")
	return cmd
}

func (a *app) backfill(ctx context.Context, from uint64, to *uint64) (err error) {
	if err := a.cfg.ValidateSource(); err != nil {
		return err
	}
	if err := a.cfg.ValidateStore(); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, a.cfg.Store, a.log)
	if err != nil {
		return err
	}
	client, err := ethclient.DialContext(ctx, a.cfg.Source.RPCURL)
	if err != nil {
		_ = closeStore()
		return fmt.Errorf("dial source rpc: %w", err)
	}
	defer func() {
		client.Close()
		if cerr := closeStore(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	l, err := listener.New(listenerConfig(a.cfg), client, store, a.log)
	if err != nil {
		return err
	}
	res, err := l.ScanPastEvents(ctx, from, to)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
