package auth

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is used when NewSweeper is given a non-positive interval.
const DefaultSweepInterval = time.Hour

// Sweeper periodically removes expired refresh records and API keys. Token
// verification never relies on it; it only reclaims storage.
type Sweeper struct {
	tokens   TokenRepository
	apiKeys  APIKeyRepository
	interval time.Duration
	logger   *slog.Logger
	reporter SweepReporter
}

// SweepReporter receives the counts from every successful sweep.
// *influxdb.Client satisfies it.
type SweepReporter interface {
	WriteSweepResult(refreshTokens, apiKeys int64)
}

// NewSweeper creates a Sweeper. apiKeys may be nil.
func NewSweeper(tokens TokenRepository, apiKeys APIKeyRepository, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{tokens: tokens, apiKeys: apiKeys, interval: interval, logger: logger}
}

// SetReporter installs r to receive sweep results. Call before Run.
func (s *Sweeper) SetReporter(r SweepReporter) {
	s.reporter = r
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	tokens, keys, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warn("credential sweep failed", "error", err)
		return
	}
	if s.reporter != nil {
		s.reporter.WriteSweepResult(tokens, keys)
	}
	if tokens > 0 || keys > 0 {
		s.logger.Info("expired credentials removed", "refresh_tokens", tokens, "api_keys", keys)
	}
}

// SweepOnce runs a single sweep and reports how many records were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (tokens, keys int64, err error) {
	tokens, err = s.tokens.DeleteExpired(ctx)
	if err != nil {
		return 0, 0, err
	}
	if s.apiKeys != nil {
		keys, err = s.apiKeys.DeleteExpired(ctx)
		if err != nil {
			return tokens, 0, err
		}
	}
	return tokens, keys, nil
}
