package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/uscmining/relay-worker/internal/job"
)

type jobLine struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	TxHash            string `json:"txHash"`
	BlockNumber       uint64 `json:"blockNumber"`
	TxIndex           uint64 `json:"txIndex"`
	Miner             string `json:"miner"`
	Epoch             uint64 `json:"epoch"`
	WorkUnits         uint64 `json:"workUnits"`
	DestinationTxHash string `json:"destinationTxHash,omitempty"`
	Error             string `json:"error,omitempty"`
	UpdatedAt         string `json:"updatedAt"`
}

func newJobsCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs [--status S] [--limit N]",
		Short: "Print jobs from the store as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listJobs(cmd.Context(), status, limit)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to print (0 for all)")
	return cmd
}

func (a *app) listJobs(ctx context.Context, status string, limit int) error {
	if err := a.cfg.ValidateStore(); err != nil {
		return err
	}
	var (
		filter job.Status
		err    error
	)
	if status != "" {
		if filter, err = job.ParseStatus(status); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
	}

	store, closeStore, err := openStore(ctx, a.cfg.Store, a.log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	var jobs []job.Job
	if status != "" {
		jobs, err = store.ListByStatus(ctx, filter, limit)
	} else {
		jobs, err = store.ListAll(ctx, limit)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.stdout)
	for _, j := range jobs {
		line := jobLine{
			ID:          j.ID,
			Status:      j.Status.String(),
			TxHash:      j.SourceTxHash.Hex(),
			BlockNumber: j.BlockNumber,
			TxIndex:     j.TxIndex,
			Miner:       j.Miner.Hex(),
			Epoch:       j.Epoch,
			WorkUnits:   j.WorkUnits,
			Error:       j.ErrorMessage,
			UpdatedAt:   j.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if (j.DestinationTxHash != common.Hash{}) {
			line.DestinationTxHash = j.DestinationTxHash.Hex()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
