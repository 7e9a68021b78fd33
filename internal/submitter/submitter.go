// Package submitter drives jobs from SEEN to a terminal status: it acquires
// proofs, records them on the destination contract and settles receipts.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
	"github.com/uscmining/relay-worker/internal/blobstore"
	"github.com/uscmining/relay-worker/internal/credit"
	"github.com/uscmining/relay-worker/internal/idempotency"
	"github.com/uscmining/relay-worker/internal/job"
	"github.com/uscmining/relay-worker/internal/lifecycle"
	"github.com/uscmining/relay-worker/internal/metrics"
	"github.com/uscmining/relay-worker/internal/proof"
	"github.com/uscmining/relay-worker/internal/queue"
	"github.com/uscmining/relay-worker/internal/solveabi"
)

const (
	DefaultPollInterval        = 10 * time.Second
	DefaultBatchLimit          = 100
	DefaultReceiptTimeout      = 3 * time.Minute
	DefaultReceiptPollInterval = 2 * time.Second

	EventVersion = "relay.job.v1"
)

var ErrInvalidConfig = errors.New("submitter: invalid config")

// Destination is the credit contract as seen by the submitter. *credit.Contract
// implements it.
type Destination interface {
	StrictDecode(ctx context.Context) (bool, error)
	BuildRecordFromQuery(ctx context.Context, sub credit.QuerySubmission) (*types.Transaction, error)
	BuildRecordDemoMode(ctx context.Context, sub credit.DemoSubmission) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	// Receipt returns ethereum.NotFound while the tx is pending.
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	DecodeCredit(r *types.Receipt) (solveabi.MiningCredited, bool, error)
	// Release hands back the nonce of a signed tx that was never broadcast.
	Release(tx *types.Transaction)
	// Resync re-reads the sender nonce from the node after a tx is given up.
	Resync()
}

type Config struct {
	SourceChainKey uint64

	PollInterval time.Duration
	BatchLimit   int

	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration

	// AllowDemoMode permits recordMiningDemoMode when the contract reports
	// strictDecode() == false. Otherwise such jobs wait in PROOF_READY.
	AllowDemoMode bool

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Submitter)

// WithArchive stores each acquired bundle under blobstore.ProofKey.
func WithArchive(store blobstore.Store) Option {
	return func(s *Submitter) { s.archive = store }
}

// WithEvents publishes every job transition to topic.
func WithEvents(p queue.Producer, topic string) Option {
	return func(s *Submitter) {
		s.events = p
		s.topic = topic
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

type Submitter struct {
	cfg    Config
	store  job.Store
	prover proof.Provider
	dest   Destination
	log    *slog.Logger

	archive blobstore.Store
	events  queue.Producer
	topic   string
	metrics *metrics.Metrics

	runner  *lifecycle.Runner
	cycleMu sync.Mutex

	// pending holds signed record txs by hash until their job settles, so a
	// failed broadcast can be retried without re-signing.
	pendingMu sync.Mutex
	pending   map[common.Hash]*types.Transaction
}

func New(cfg Config, store job.Store, prover proof.Provider, dest Destination, log *slog.Logger, opts ...Option) (*Submitter, error) {
	if store == nil || prover == nil || dest == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.SourceChainKey == 0 {
		return nil, fmt.Errorf("%w: source chain key must be > 0", ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Submitter{
		cfg:     cfg,
		store:   store,
		prover:  prover,
		dest:    dest,
		log:     log.With("component", "submitter"),
		pending: make(map[common.Hash]*types.Transaction),
	}
	for _, o := range opts {
		o(s)
	}
	if s.events != nil && s.topic == "" {
		return nil, fmt.Errorf("%w: events topic is required", ErrInvalidConfig)
	}
	s.runner = lifecycle.NewRunner(s.loop)
	return s, nil
}

func (s *Submitter) Start(ctx context.Context) error { return s.runner.Start(ctx) }

func (s *Submitter) Stop() error { return s.runner.Stop() }

func (s *Submitter) State() lifecycle.State { return s.runner.State() }

// Done is closed when the poll loop exits. Nil before Start.
func (s *Submitter) Done() <-chan struct{} { return s.runner.Done() }

func (s *Submitter) Err() error { return s.runner.Err() }

func (s *Submitter) loop(ctx context.Context) error {
	s.log.Info("submitter started",
		"poll_interval", s.cfg.PollInterval,
		"batch_limit", s.cfg.BatchLimit,
		"allow_demo_mode", s.cfg.AllowDemoMode,
	)
	for {
		if err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("submitter cycle incomplete", "err", err)
		}
		if err := s.cfg.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// RunOnce makes one pass over SUBMITTED, SEEN, ATTESTING and PROOF_READY jobs,
// in that order. Listing and chain read failures are returned after the
// remaining buckets ran; per-job failures are logged.
func (s *Submitter) RunOnce(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.cfg.Now()
	var result *multierror.Error
	for _, step := range []func(context.Context) error{
		s.recheckSubmitted,
		s.attestSeen,
		s.resumeAttesting,
		s.submitProofReady,
	} {
		if err := step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result = multierror.Append(result, err)
		}
	}
	s.metrics.Cycle(s.cfg.Now().Sub(start).Seconds())
	return result.ErrorOrNil()
}

func (s *Submitter) list(ctx context.Context, status job.Status) ([]job.Job, error) {
	jobs, err := s.store.ListByStatus(ctx, status, s.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("submitter: list %s jobs: %w", status, err)
	}
	return jobs, nil
}

func (s *Submitter) recheckSubmitted(ctx context.Context) error {
	jobs, err := s.list(ctx, job.StatusSubmitted)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.recheck(ctx, j)
	}
	return nil
}

func (s *Submitter) recheck(ctx context.Context, j job.Job) {
	h := j.DestinationTxHash
	if (h == common.Hash{}) {
		s.fail(ctx, j, "submitted job has no destination tx hash")
		return
	}

	r, err := s.dest.Receipt(ctx, h)
	switch {
	case err == nil:
		s.settle(ctx, j, r)
	case errors.Is(err, ethereum.NotFound):
		if s.cfg.Now().Sub(j.UpdatedAt) > s.cfg.ReceiptTimeout {
			s.giveUp(h)
			s.fail(ctx, j, fmt.Sprintf("destination tx %s not mined within %s", h.Hex(), s.cfg.ReceiptTimeout))
			return
		}
		if tx := s.pendingTx(h); tx != nil {
			if err := s.dest.Broadcast(ctx, tx); err != nil {
				s.metrics.DestinationTx("broadcast_error")
				s.log.Warn("rebroadcast failed", "id", j.ID, "dest_tx", h, "err", err)
				return
			}
			s.metrics.DestinationTx("rebroadcast")
			s.log.Info("rebroadcast destination tx", "id", j.ID, "dest_tx", h)
		}
	default:
		s.log.Warn("receipt lookup failed", "id", j.ID, "dest_tx", h, "err", err)
	}
}

func (s *Submitter) attestSeen(ctx context.Context) error {
	jobs, err := s.list(ctx, job.StatusSeen)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		attesting, err := s.transition(ctx, j, job.StatusAttesting, job.Update{})
		if err != nil {
			continue
		}
		s.attest(ctx, attesting)
	}
	return nil
}

func (s *Submitter) resumeAttesting(ctx context.Context) error {
	jobs, err := s.list(ctx, job.StatusAttesting)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.log.Info("resuming attestation", "id", j.ID, "tx", j.SourceTxHash)
		s.attest(ctx, j)
	}
	return nil
}

func (s *Submitter) attest(ctx context.Context, j job.Job) {
	b, err := s.prover.GetProof(ctx, proof.Request{
		ChainKey:    s.cfg.SourceChainKey,
		BlockHeight: j.BlockNumber,
		TxIndex:     j.TxIndex,
		TxHash:      j.SourceTxHash,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.ProofRequest("failed")
		s.fail(ctx, j, err.Error())
		return
	}

	raw, err := b.Encode()
	if err != nil {
		s.metrics.ProofRequest("failed")
		s.fail(ctx, j, fmt.Sprintf("encode proof bundle: %v", err))
		return
	}
	s.metrics.ProofRequest("ok")

	ready, err := s.transition(ctx, j, job.StatusProofReady, job.Update{ProofBundle: raw})
	if err != nil {
		return
	}
	s.archiveBundle(ctx, ready, raw)
}

func (s *Submitter) submitProofReady(ctx context.Context) error {
	jobs, err := s.list(ctx, job.StatusProofReady)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	strict, err := s.dest.StrictDecode(ctx)
	if err != nil {
		return fmt.Errorf("submitter: read strictDecode: %w", err)
	}
	if !strict && !s.cfg.AllowDemoMode {
		for _, j := range jobs {
			s.metrics.DemoRefused()
			s.log.Error("destination contract is in demo mode and demo submissions are disabled; leaving job PROOF_READY",
				"id", j.ID,
				"tx", j.SourceTxHash,
			)
		}
		return nil
	}

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.submit(ctx, j, strict)
	}
	return nil
}

func (s *Submitter) submit(ctx context.Context, j job.Job, strict bool) {
	b, err := proof.DecodeBundle(j.ProofBundle)
	if err != nil {
		s.log.Error("stored proof bundle is unreadable", "id", j.ID, "err", err)
		return
	}
	query := credit.QuerySubmission{
		ChainKey:    s.cfg.SourceChainKey,
		BlockHeight: j.BlockNumber,
		Bundle:      b,
	}

	var tx *types.Transaction
	if strict {
		tx, err = s.dest.BuildRecordFromQuery(ctx, query)
	} else {
		tx, err = s.dest.BuildRecordDemoMode(ctx, credit.DemoSubmission{
			QuerySubmission: query,
			Miner:           j.Miner,
			Epoch:           j.Epoch,
			WorkUnits:       new(big.Int).SetUint64(j.WorkUnits),
		})
	}
	if err != nil {
		s.log.Warn("build record tx failed", "id", j.ID, "strict", strict, "err", err)
		return
	}

	h := tx.Hash()
	s.remember(tx)
	submitted, err := s.transition(ctx, j, job.StatusSubmitted, job.Update{DestinationTxHash: &h})
	if err != nil {
		s.drop(h)
		return
	}

	if err := s.dest.Broadcast(ctx, tx); err != nil {
		s.metrics.DestinationTx("broadcast_error")
		s.log.Warn("broadcast failed; will retry", "id", j.ID, "dest_tx", h, "err", err)
		return
	}
	s.metrics.DestinationTx("broadcast")
	s.log.Info("record tx broadcast", "id", j.ID, "dest_tx", h, "strict", strict)

	s.await(ctx, submitted)
}

// await polls for the receipt of j's destination tx for at most ReceiptTimeout.
func (s *Submitter) await(ctx context.Context, j job.Job) {
	h := j.DestinationTxHash
	deadline := s.cfg.Now().Add(s.cfg.ReceiptTimeout)
	for {
		r, err := s.dest.Receipt(ctx, h)
		if err == nil {
			s.settle(ctx, j, r)
			return
		}
		notFound := errors.Is(err, ethereum.NotFound)
		if !notFound {
			s.log.Warn("receipt lookup failed", "id", j.ID, "dest_tx", h, "err", err)
		}
		if !s.cfg.Now().Before(deadline) {
			if notFound {
				s.giveUp(h)
				s.fail(ctx, j, fmt.Sprintf("destination tx %s not mined within %s", h.Hex(), s.cfg.ReceiptTimeout))
			}
			return
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return
		}
	}
}

func (s *Submitter) settle(ctx context.Context, j job.Job, r *types.Receipt) {
	h := j.DestinationTxHash
	ev, found, err := s.dest.DecodeCredit(r)
	if errors.Is(err, credit.ErrReverted) {
		s.forget(h)
		s.metrics.DestinationTx("reverted")
		s.fail(ctx, j, fmt.Sprintf("destination tx reverted: %s", h.Hex()))
		return
	}
	switch {
	case err != nil:
		s.log.Warn("cannot decode MiningCredited; crediting on receipt status", "id", j.ID, "dest_tx", h, "err", err)
	case !found:
		s.log.Warn("receipt has no MiningCredited event", "id", j.ID, "dest_tx", h)
	default:
		want := common.Hash(idempotency.QueryKeyV1(s.cfg.SourceChainKey, j.BlockNumber, j.TxIndex))
		if ev.QueryKey != want {
			s.log.Warn("MiningCredited query key mismatch", "id", j.ID, "got", ev.QueryKey, "want", want)
		}
	}

	if _, err := s.transition(ctx, j, job.StatusCredited, job.Update{DestinationTxHash: &h}); err != nil {
		return
	}
	s.forget(h)
	s.metrics.DestinationTx("credited")
}

func (s *Submitter) fail(ctx context.Context, j job.Job, msg string) {
	_, _ = s.transition(ctx, j, job.StatusFailed, job.Update{ErrorMessage: &msg})
}

func (s *Submitter) transition(ctx context.Context, j job.Job, to job.Status, u job.Update) (job.Job, error) {
	updated, err := s.store.UpdateStatus(ctx, j.ID, to, u)
	if err != nil {
		s.log.Error("persist job transition",
			"id", j.ID,
			"from", j.Status,
			"to", to,
			"err", err,
		)
		return job.Job{}, err
	}
	s.metrics.JobTransition(to.String())

	attrs := []any{"id", updated.ID, "tx", updated.SourceTxHash, "from", j.Status.String(), "to", to.String()}
	if (updated.DestinationTxHash != common.Hash{}) {
		attrs = append(attrs, "dest_tx", updated.DestinationTxHash)
	}
	if to == job.StatusFailed {
		attrs = append(attrs, "error", updated.ErrorMessage)
		s.log.Warn("job failed", attrs...)
	} else {
		s.log.Info("job transition", attrs...)
	}

	s.publish(ctx, j.Status, updated)
	return updated, nil
}

type jobEvent struct {
	Version           string    `json:"version"`
	ID                int64     `json:"id"`
	TxHash            string    `json:"txHash"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	DestinationTxHash string    `json:"destinationTxHash,omitempty"`
	Error             string    `json:"error,omitempty"`
	At                time.Time `json:"at"`
}

func (s *Submitter) publish(ctx context.Context, from job.Status, j job.Job) {
	if s.events == nil {
		return
	}
	ev := jobEvent{
		Version: EventVersion,
		ID:      j.ID,
		TxHash:  j.SourceTxHash.Hex(),
		From:    from.String(),
		To:      j.Status.String(),
		Error:   j.ErrorMessage,
		At:      s.cfg.Now().UTC(),
	}
	if (j.DestinationTxHash != common.Hash{}) {
		ev.DestinationTxHash = j.DestinationTxHash.Hex()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("encode job event", "id", j.ID, "err", err)
		return
	}
	if err := s.events.Publish(ctx, s.topic, j.SourceTxHash.Bytes(), payload); err != nil {
		s.log.Warn("publish job event", "id", j.ID, "to", ev.To, "err", err)
	}
}

func (s *Submitter) archiveBundle(ctx context.Context, j job.Job, raw []byte) {
	if s.archive == nil {
		return
	}
	key := blobstore.ProofKey(s.cfg.SourceChainKey, j.SourceTxHash)
	err := s.archive.Put(ctx, key, raw, blobstore.PutOptions{
		ContentType: blobstore.ContentTypeJSON,
		Metadata: map[string]string{
			"job-id":       strconv.FormatInt(j.ID, 10),
			"block-height": strconv.FormatUint(j.BlockNumber, 10),
		},
	})
	if err != nil {
		s.log.Warn("archive proof bundle", "id", j.ID, "key", key, "err", err)
	}
}

func (s *Submitter) remember(tx *types.Transaction) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[tx.Hash()] = tx
}

func (s *Submitter) forget(h common.Hash) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, h)
}

// drop discards h, a signed tx that never left the process.
func (s *Submitter) drop(h common.Hash) {
	s.pendingMu.Lock()
	tx := s.pending[h]
	delete(s.pending, h)
	s.pendingMu.Unlock()
	s.dest.Release(tx)
}

// giveUp stops tracking h once its job fails as not mined. The tx may still sit
// in the node's pool, so the nonce is resynced instead of reused.
func (s *Submitter) giveUp(h common.Hash) {
	s.forget(h)
	s.dest.Resync()
}

func (s *Submitter) pendingTx(h common.Hash) *types.Transaction {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending[h]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Destination = (*credit.Contract)(nil)
