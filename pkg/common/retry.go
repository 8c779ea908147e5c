package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// RetryConfig bounds how long ConnectWithRetry keeps trying.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig retries for up to five minutes starting with five second intervals.
var DefaultRetryConfig = RetryConfig{InitialInterval: 5 * time.Second, MaxElapsedTime: 5 * time.Minute}

// ConnectWithRetry runs connect with exponential backoff until it succeeds, the
// retry budget is spent or ctx is cancelled. It is used for startup dependencies
// (Postgres, Kafka) that may come up after this service.
func ConnectWithRetry(ctx context.Context, log *logger.Logger, name string, cfg RetryConfig, connect func(ctx context.Context) error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime
	expBackoff.InitialInterval = cfg.InitialInterval

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := connect(ctx); err != nil {
			log.Warn(ctx, "Dependency not ready, will retry", "dependency", name, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}
	return nil
}
