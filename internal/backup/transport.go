package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"

	appErrors "app-backup/internal/errors"
	"app-backup/internal/logging"
)

// remoteStore is the provider specific half of a Transporter
type remoteStore interface {
	Destination
	// Put uploads localPath as name and returns the remote location.
	Put(ctx context.Context, localPath, name string) (string, error)
	// Size reports the stored size of name.
	Size(ctx context.Context, name string) (int64, error)
	Close() error
}

// RetryPolicy bounds transport retries
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
}

// StoreTransporter uploads artifacts to a remote store with bounded retries
// and size verification
type StoreTransporter struct {
	provider string
	store    remoteStore
	policy   RetryPolicy
	logger   *logging.Logger
}

func newStoreTransporter(provider string, store remoteStore, policy RetryPolicy, logger *logging.Logger) *StoreTransporter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Delay <= 0 {
		policy.Delay = time.Second
	}
	if policy.Clock == nil {
		policy.Clock = clock.WallClock
	}
	return &StoreTransporter{provider: provider, store: store, policy: policy, logger: logger}
}

// Name returns the provider name
func (t *StoreTransporter) Name() string {
	return t.provider
}

// Destination exposes the remote namespace for retention
func (t *StoreTransporter) Destination() Destination {
	return t.store
}

// Close releases provider connections
func (t *StoreTransporter) Close() error {
	return t.store.Close()
}

// Send uploads localPath and confirms the remote size matches. Only
// connection-class failures are retried; the local file is never touched.
func (t *StoreTransporter) Send(ctx context.Context, localPath string) (*TransferReceipt, error) {
	start := time.Now()
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, NewIOError("artifact to transfer is missing", err).
			WithContext("path", localPath).
			WithStage(StageTransporting)
	}
	name := filepath.Base(localPath)

	var (
		remotePath string
		lastErr    error
		attempts   int
	)
	callErr := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			remotePath, lastErr = t.attempt(ctx, localPath, name, info.Size())
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !IsRetryable(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			t.logger.WithFields(map[string]interface{}{
				"provider": t.provider,
				"attempt":  attempt,
				"of":       t.policy.Attempts,
				"error":    err.Error(),
			}).Warn("Transfer attempt failed, retrying")
		},
		Attempts: t.policy.Attempts,
		Delay:    t.policy.Delay,
		Clock:    t.policy.Clock,
		Stop:     ctx.Done(),
	})
	if callErr != nil {
		if lastErr == nil {
			lastErr = callErr
		}
		if cerr := ctxError(ctx); cerr != nil {
			return nil, NewCancelledError("transfer cancelled", lastErr).WithStage(StageTransporting)
		}
		return nil, asTransportError(lastErr).
			WithContext("attempts", attempts).
			WithContext("provider", t.provider)
	}

	receipt := &TransferReceipt{
		Provider:   t.provider,
		RemotePath: remotePath,
		Bytes:      info.Size(),
		Attempts:   attempts,
		Duration:   time.Since(start),
	}
	t.logger.WithFields(map[string]interface{}{
		"provider":    t.provider,
		"remote_path": remotePath,
		"size":        humanize.IBytes(uint64(info.Size())),
		"attempts":    attempts,
		"duration":    receipt.Duration.String(),
	}).Info("Artifact transferred")
	return receipt, nil
}

func (t *StoreTransporter) attempt(ctx context.Context, localPath, name string, size int64) (string, error) {
	actx := ctx
	if t.policy.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, t.policy.Timeout)
		defer cancel()
	}

	remotePath, err := t.store.Put(actx, localPath, name)
	if err != nil {
		return "", classifyTransportError("upload failed", err)
	}
	remoteSize, err := t.store.Size(actx, name)
	if err != nil {
		return "", classifyTransportError("failed to verify uploaded artifact", err)
	}
	if remoteSize != size {
		return "", NewTransportError(
			fmt.Sprintf("partial transfer: remote size %d does not match local size %d", remoteSize, size), nil).
			WithContext("retryable", true).
			WithContext("kind", string(appErrors.ErrorTypeConnection))
	}
	return remotePath, nil
}

// classifyTransportError marks connection-class failures as retryable
func classifyTransportError(message string, err error) *BackupError {
	if be, ok := err.(*BackupError); ok {
		return be
	}
	classified := appErrors.NewErrorClassifier().ClassifyError(err)
	retryable := classified.Recoverable ||
		classified.Type == appErrors.ErrorTypeConnection ||
		classified.Type == appErrors.ErrorTypeTimeout
	return NewTransportError(message, err).
		WithContext("kind", string(classified.Type)).
		WithContext("retryable", retryable)
}

func asTransportError(err error) *BackupError {
	be := classifyTransportError("transfer failed", err)
	if be.Type != BackupErrorTypeTransport {
		be = NewTransportError(be.Message, be)
	}
	return be.WithStage(StageTransporting)
}
