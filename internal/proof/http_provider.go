package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultRequestTimeout       = 30 * time.Second
	defaultMaxBodyBytes   int64 = 8 << 20
	maxErrorBodyBytes           = 512
)

// DefaultBackoff is the fixed delay schedule between attempts.
var DefaultBackoff = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

type HTTPConfig struct {
	BaseURL string

	// Backoff is the delay slept after each failed attempt. The provider makes at
	// most len(Backoff)+1 attempts. Nil selects DefaultBackoff.
	Backoff []time.Duration

	RequestTimeout time.Duration
	MaxBodyBytes   int64

	Client *http.Client
	Sleep  func(ctx context.Context, d time.Duration) error
}

// HTTPProvider fetches bundles from the attestation service's GET /proof endpoint.
type HTTPProvider struct {
	base    *url.URL
	cfg     HTTPConfig
	backoff []time.Duration
	log     *slog.Logger
}

func NewHTTPProvider(cfg HTTPConfig, log *slog.Logger) (*HTTPProvider, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	base, err := url.Parse(raw)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInvalidConfig, cfg.BaseURL)
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	for _, d := range backoff {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative backoff delay", ErrInvalidConfig)
		}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &HTTPProvider{
		base:    base,
		cfg:     cfg,
		backoff: append([]time.Duration(nil), backoff...),
		log:     log,
	}, nil
}

// Attempts returns the maximum number of requests one GetProof call makes.
func (p *HTTPProvider) Attempts() int {
	return len(p.backoff) + 1
}

func (p *HTTPProvider) GetProof(ctx context.Context, req Request) (Bundle, error) {
	attempts := p.Attempts()

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		b, err := p.fetch(ctx, req)
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return Bundle{}, ctx.Err()
		}
		if !IsRetryable(err) {
			return Bundle{}, err
		}
		last = err

		if attempt == attempts {
			break
		}
		delay := p.backoff[attempt-1]
		p.log.Info("proof not available; retrying",
			"block", req.BlockHeight,
			"tx_index", req.TxIndex,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"err", err,
		)
		if err := p.cfg.Sleep(ctx, delay); err != nil {
			return Bundle{}, err
		}
	}
	return Bundle{}, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

func (p *HTTPProvider) proofURL(req Request) string {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + "/proof"
	q := url.Values{}
	q.Set("chainKey", strconv.FormatUint(req.ChainKey, 10))
	q.Set("blockHeight", strconv.FormatUint(req.BlockHeight, 10))
	q.Set("txIndex", strconv.FormatUint(req.TxIndex, 10))
	if (req.TxHash != common.Hash{}) {
		q.Set("txHash", req.TxHash.Hex())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *HTTPProvider) fetch(ctx context.Context, req Request) (Bundle, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.proofURL(req), nil)
	if err != nil {
		return Bundle{}, permanent(0, "build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.cfg.Client.Do(httpReq)
	if err != nil {
		return Bundle{}, transient(0, "request attestation service", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		return Bundle{}, transient(resp.StatusCode, "read response body", err)
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		return Bundle{}, permanent(resp.StatusCode, "response body too large", nil)
	}

	if resp.StatusCode == http.StatusNotFound || bytes.Contains(bytes.ToLower(body), []byte("not ready")) {
		return Bundle{}, fmt.Errorf("%w: HTTP %d: %s", ErrNotReady, resp.StatusCode, snippet(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if retryableStatus(resp.StatusCode) {
			return Bundle{}, transient(resp.StatusCode, snippet(body), nil)
		}
		return Bundle{}, permanent(resp.StatusCode, snippet(body), nil)
	}

	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return Bundle{}, permanent(resp.StatusCode, "decode proof bundle", err)
	}
	if err := b.Validate(req); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes] + "..."
	}
	return s
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

var _ Provider = (*HTTPProvider)(nil)
