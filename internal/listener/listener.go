// Package listener ingests confirmed MiningSolved events from the source chain
// into the job store.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/uscmining/relay-worker/internal/job"
	"github.com/uscmining/relay-worker/internal/lifecycle"
	"github.com/uscmining/relay-worker/internal/metrics"
	"github.com/uscmining/relay-worker/internal/solveabi"
)

const (
	DefaultConfirmations    uint64 = 3
	DefaultMaxBlockRange    uint64 = 2000
	DefaultHeadPollInterval        = 12 * time.Second
	DefaultDedupeCacheSize         = 4096
)

var ErrInvalidConfig = errors.New("listener: invalid config")

// SourceClient is the subset of ethclient.Client used against the source chain.
type SourceClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

type Config struct {
	Contract common.Address

	// Confirmations is the depth below head a block must reach before its logs
	// are ingested. Zero ingests up to head.
	Confirmations uint64
	StartBlock    uint64

	MaxBlockRange    uint64
	HeadPollInterval time.Duration
	DedupeCacheSize  int
}

// ScanResult summarizes one ScanPastEvents call. Blocks is zero when nothing
// confirmed lay in the requested range.
type ScanResult struct {
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	Blocks     uint64 `json:"blocks"`
	Logs       int    `json:"logs"`
	Created    int    `json:"created"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
}

type Option func(*Listener)

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

type Listener struct {
	cfg     Config
	client  SourceClient
	store   job.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	topic  common.Hash
	seen   *lru.Cache
	runner *lifecycle.Runner

	scanMu sync.Mutex
}

func New(cfg Config, client SourceClient, store job.Store, log *slog.Logger, opts ...Option) (*Listener, error) {
	if client == nil || store == nil {
		return nil, fmt.Errorf("%w: nil client or store", ErrInvalidConfig)
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("%w: missing source contract", ErrInvalidConfig)
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultMaxBlockRange
	}
	if cfg.HeadPollInterval <= 0 {
		cfg.HeadPollInterval = DefaultHeadPollInterval
	}
	if cfg.DedupeCacheSize <= 0 {
		cfg.DedupeCacheSize = DefaultDedupeCacheSize
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	topic, err := solveabi.MiningSolvedTopic()
	if err != nil {
		return nil, err
	}
	seen, err := lru.New(cfg.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: dedupe cache: %v", ErrInvalidConfig, err)
	}

	l := &Listener{
		cfg:    cfg,
		client: client,
		store:  store,
		log:    log.With("component", "listener"),
		topic:  topic,
		seen:   seen,
	}
	for _, o := range opts {
		o(l)
	}
	l.runner = lifecycle.NewRunner(l.run)
	return l, nil
}

// ScanPastEvents ingests MiningSolved logs in [from, to]. The upper bound is
// clamped to head-Confirmations; a nil to means "up to the confirmed head".
func (l *Listener) ScanPastEvents(ctx context.Context, from uint64, to *uint64) (ScanResult, error) {
	l.scanMu.Lock()
	defer l.scanMu.Unlock()

	res := ScanResult{From: from}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return res, fmt.Errorf("listener: head block: %w", err)
	}
	if head < l.cfg.Confirmations {
		return res, nil
	}
	end := head - l.cfg.Confirmations
	if to != nil && *to < end {
		end = *to
	}
	if from > end {
		return res, nil
	}

	for start := from; ; {
		stop := end
		if end-start >= l.cfg.MaxBlockRange {
			stop = start + l.cfg.MaxBlockRange - 1
		}

		logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(stop),
			Addresses: []common.Address{l.cfg.Contract},
			Topics:    [][]common.Hash{{l.topic}},
		})
		if err != nil {
			return res, fmt.Errorf("listener: filter logs [%d,%d]: %w", start, stop, err)
		}
		for i := range logs {
			if err := l.ingest(ctx, logs[i], &res); err != nil {
				return res, err
			}
		}

		res.To = stop
		res.Blocks = stop - from + 1
		l.metrics.SetCursor(stop + 1)

		if stop == end {
			break
		}
		start = stop + 1
	}

	if res.Logs > 0 {
		l.log.Info("scanned source logs",
			"from", res.From,
			"to", res.To,
			"logs", res.Logs,
			"created", res.Created,
			"duplicates", res.Duplicates,
			"skipped", res.Skipped,
		)
	}
	return res, nil
}

func (l *Listener) ingest(ctx context.Context, lg types.Log, res *ScanResult) error {
	res.Logs++
	if lg.Removed {
		res.Skipped++
		l.metrics.ListenerLog("removed")
		return nil
	}

	ev, err := solveabi.DecodeMiningSolved(lg)
	if err != nil {
		res.Skipped++
		l.metrics.ListenerLog("malformed")
		l.log.Warn("skipping malformed MiningSolved log", "tx", lg.TxHash, "block", lg.BlockNumber, "err", err)
		return nil
	}
	if l.seen.Contains(ev.TxHash) {
		res.Duplicates++
		l.metrics.ListenerLog("duplicate")
		return nil
	}
	if !ev.WorkUnits.IsUint64() {
		res.Skipped++
		l.metrics.ListenerLog("malformed")
		l.log.Warn("skipping MiningSolved with oversized workUnits", "tx", ev.TxHash)
		return nil
	}

	j, created, err := l.store.Create(ctx, job.Solve{
		SourceTxHash: ev.TxHash,
		BlockNumber:  ev.BlockNumber,
		TxIndex:      ev.TxIndex,
		LogIndex:     ev.LogIndex,
		Epoch:        ev.Epoch,
		Miner:        ev.Miner,
		Nonce:        ev.Nonce.String(),
		WorkUnits:    ev.WorkUnits.Uint64(),
		Digest:       ev.Digest,
	})
	if errors.Is(err, job.ErrInvalidJob) {
		res.Skipped++
		l.metrics.ListenerLog("malformed")
		l.log.Warn("skipping invalid solve", "tx", ev.TxHash, "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("listener: store solve %s: %w", ev.TxHash, err)
	}

	l.seen.Add(ev.TxHash, struct{}{})
	if !created {
		res.Duplicates++
		l.metrics.ListenerLog("duplicate")
		return nil
	}
	res.Created++
	l.metrics.ListenerLog("created")
	l.metrics.JobTransition(job.StatusSeen.String())
	l.log.Info("job created",
		"id", j.ID,
		"tx", ev.TxHash,
		"block", ev.BlockNumber,
		"miner", ev.Miner,
		"epoch", ev.Epoch,
		"work_units", ev.WorkUnits,
	)
	return nil
}

// ResumeBlock is where live ingestion starts: the configured start block or
// the highest block already stored, whichever is later. The stored block is
// rescanned because it may have been only partially ingested.
func (l *Listener) ResumeBlock(ctx context.Context) (uint64, error) {
	maxBlock, ok, err := l.store.MaxBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("listener: resume cursor: %w", err)
	}
	if ok && maxBlock > l.cfg.StartBlock {
		return maxBlock, nil
	}
	return l.cfg.StartBlock, nil
}

// resumeCursor retries ResumeBlock every HeadPollInterval until it succeeds or
// ctx is done.
func (l *Listener) resumeCursor(ctx context.Context) (uint64, error) {
	for {
		cursor, err := l.ResumeBlock(ctx)
		if err == nil {
			return cursor, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.log.Warn("cannot read resume cursor; retrying", "interval", l.cfg.HeadPollInterval, "err", err)
		t := time.NewTimer(l.cfg.HeadPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Listener) Start(ctx context.Context) error { return l.runner.Start(ctx) }

func (l *Listener) Stop() error { return l.runner.Stop() }

func (l *Listener) State() lifecycle.State { return l.runner.State() }

// Done is closed when the ingestion loop exits. Nil before Start.
func (l *Listener) Done() <-chan struct{} { return l.runner.Done() }

func (l *Listener) Err() error { return l.runner.Err() }

func (l *Listener) run(ctx context.Context) error {
	cursor, err := l.resumeCursor(ctx)
	if err != nil {
		return err
	}
	l.log.Info("listener started",
		"contract", l.cfg.Contract,
		"from_block", cursor,
		"confirmations", l.cfg.Confirmations,
	)

	scan := func() {
		res, err := l.ScanPastEvents(ctx, cursor, nil)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn("scan failed; retrying on next head", "from", cursor, "err", err)
			}
			return
		}
		if res.Blocks > 0 {
			cursor = res.To + 1
		}
	}
	scan()

	heads := make(chan *types.Header, 16)
	sub, err := l.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		l.log.Warn("head subscription unavailable; polling", "interval", l.cfg.HeadPollInterval, "err", err)
		sub = nil
	}
	var subErr <-chan error
	if sub != nil {
		defer sub.Unsubscribe()
		subErr = sub.Err()
	}

	ticker := time.NewTicker(l.cfg.HeadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("listener stopped", "cursor", cursor)
			return ctx.Err()
		case h := <-heads:
			if h != nil {
				scan()
			}
		case err := <-subErr:
			l.log.Warn("head subscription dropped; polling", "err", err)
			subErr = nil
		case <-ticker.C:
			if subErr == nil {
				scan()
			}
		}
	}
}
