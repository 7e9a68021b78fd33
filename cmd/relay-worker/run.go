package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/uscmining/relay-worker/internal/blobstore"
	"github.com/uscmining/relay-worker/internal/config"
	"github.com/uscmining/relay-worker/internal/credit"
	"github.com/uscmining/relay-worker/internal/eth"
	"github.com/uscmining/relay-worker/internal/listener"
	"github.com/uscmining/relay-worker/internal/metrics"
	"github.com/uscmining/relay-worker/internal/proof"
	"github.com/uscmining/relay-worker/internal/queue"
	"github.com/uscmining/relay-worker/internal/secrets"
	"github.com/uscmining/relay-worker/internal/statsapi"
	"github.com/uscmining/relay-worker/internal/submitter"
)

// closers runs registered close funcs in reverse order and joins their errors.
type closers []func() error

func (c *closers) add(f func() error) { *c = append(*c, f) }

func (c closers) close() error {
	var result *multierror.Error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func listenerConfig(cfg config.Config) listener.Config {
	return listener.Config{
		Contract:         cfg.SourceContract(),
		Confirmations:    cfg.Source.Confirmations,
		StartBlock:       cfg.Source.StartBlock,
		MaxBlockRange:    cfg.Source.MaxBlockRange,
		HeadPollInterval: cfg.Source.HeadPollInterval,
	}
}

func (a *app) run(parent context.Context) (err error) {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := a.log

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer func() {
		if cerr := cleanup.close(); cerr != nil {
			log.Error("shutdown cleanup", "err", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	m := metrics.New()

	store, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	cleanup.add(closeStore)

	sourceClient, err := ethclient.DialContext(ctx, cfg.Source.RPCURL)
	if err != nil {
		return fmt.Errorf("dial source rpc: %w", err)
	}
	cleanup.add(func() error { sourceClient.Close(); return nil })

	destClient, err := ethclient.DialContext(ctx, cfg.Destination.RPCURL)
	if err != nil {
		return fmt.Errorf("dial destination rpc: %w", err)
	}
	cleanup.add(func() error { destClient.Close(); return nil })

	chainID := new(big.Int).SetUint64(cfg.Destination.ChainID)
	if rpcChainID, err := destClient.ChainID(ctx); err != nil {
		return fmt.Errorf("destination chain id: %w", err)
	} else if rpcChainID.Cmp(chainID) != 0 {
		return fmt.Errorf("%w: destination.chain_id is %s but the rpc reports %s", config.ErrInvalidConfig, chainID, rpcChainID)
	}

	keys, err := secrets.New(ctx, cfg.Signer.Source)
	if err != nil {
		return err
	}
	rawKey, err := keys.Get(ctx, cfg.Signer.KeyName)
	if err != nil {
		return fmt.Errorf("%w: signing key: %v", config.ErrInvalidConfig, err)
	}
	signer, err := eth.LocalSignerFromHex(rawKey)
	if err != nil {
		return fmt.Errorf("%w: signing key %s: %v", config.ErrInvalidConfig, cfg.Signer.KeyName, err)
	}

	minTip, err := cfg.MinTip()
	if err != nil {
		return err
	}
	sender, err := eth.NewSender(destClient, signer, eth.SenderConfig{
		ChainID:   chainID,
		MinTipCap: minTip,
	})
	if err != nil {
		return err
	}
	contract, err := credit.New(credit.Config{
		Address:  cfg.DestinationContract(),
		GasLimit: cfg.Destination.GasLimit,
	}, sender)
	if err != nil {
		return err
	}
	log.Info("destination ready",
		"chain_id", sender.ChainID(),
		"from", sender.From(),
		"contract", contract.Address(),
	)

	prover, err := newProofProvider(cfg.Proof, log)
	if err != nil {
		return err
	}

	subOpts := []submitter.Option{submitter.WithMetrics(m)}
	if cfg.ArchiveEnabled() {
		archive, err := newArchive(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		subOpts = append(subOpts, submitter.WithArchive(archive))
	}
	if cfg.EventsEnabled() {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  cfg.Events.Driver,
			Brokers: queue.SplitCommaList(cfg.Events.Brokers),
			TLS:     cfg.Events.TLS,
			Writer:  a.stdout,
		})
		if err != nil {
			return err
		}
		cleanup.add(producer.Close)
		subOpts = append(subOpts, submitter.WithEvents(producer, cfg.Events.Topic))
	}

	sub, err := submitter.New(submitter.Config{
		SourceChainKey:      cfg.Source.ChainKey,
		PollInterval:        cfg.Submitter.PollInterval,
		BatchLimit:          cfg.Submitter.BatchLimit,
		ReceiptTimeout:      cfg.Destination.ReceiptTimeout,
		ReceiptPollInterval: cfg.Destination.ReceiptPollInterval,
		AllowDemoMode:       cfg.Destination.AllowDemoMode,
	}, store, prover, contract, log, subOpts...)
	if err != nil {
		return err
	}

	lst, err := listener.New(listenerConfig(cfg), sourceClient, store, log, listener.WithMetrics(m))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervise(gctx, "listener", lst) })
	g.Go(func() error { return supervise(gctx, "submitter", sub) })
	if cfg.API.Enabled {
		h := statsapi.NewHandler(store,
			statsapi.WithLogger(log),
			statsapi.WithMetrics(m.Handler()),
		)
		srv := statsapi.NewServer(statsapi.DefaultServerConfig(cfg.APIAddr()), h, log)
		g.Go(func() error { return srv.Start(gctx) })
	}

	log.Info("relay worker running",
		"environment", cfg.Environment,
		"source_chain_key", cfg.Source.ChainKey,
		"source_contract", cfg.SourceContract(),
		"store", cfg.Store.Driver,
		"proof", cfg.Proof.Driver,
		"allow_demo_mode", cfg.Destination.AllowDemoMode,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("relay worker stopped")
	return nil
}

func newProofProvider(cfg config.ProofConfig, log *slog.Logger) (proof.Provider, error) {
	switch cfg.Driver {
	case "fixture":
		p := proof.NewFixtureProvider()
		if cfg.FixturesFile != "" {
			n, err := p.LoadFixturesFile(cfg.FixturesFile)
			if err != nil {
				return nil, err
			}
			log.Info("loaded proof fixtures", "count", n, "file", cfg.FixturesFile)
		}
		log.Warn("using fixture proof provider; only demo-mode contracts accept its bundles")
		return p, nil
	default:
		backoff, err := cfg.BackoffSchedule()
		if err != nil {
			return nil, err
		}
		return proof.NewHTTPProvider(proof.HTTPConfig{
			BaseURL:        cfg.APIURL,
			Backoff:        backoff,
			RequestTimeout: cfg.RequestTimeout,
		}, log)
	}
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig) (blobstore.Store, error) {
	bcfg := blobstore.Config{
		Driver: cfg.Driver,
		Prefix: cfg.Prefix,
		Bucket: cfg.Bucket,
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		bcfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return blobstore.New(bcfg)
}

type loop interface {
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
	Err() error
}

// supervise runs l until ctx is done. A loop that exits first is an error, so
// the whole worker shuts down instead of serving with that loop dead.
func supervise(ctx context.Context, name string, l loop) error {
	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	select {
	case <-ctx.Done():
		return l.Stop()
	case <-l.Done():
		if err := l.Err(); err != nil {
			return fmt.Errorf("%s exited: %w", name, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s exited unexpectedly", name)
	}
}
