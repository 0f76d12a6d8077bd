// Package storageserver implements the consumer side of the TLog write
// path: it drains a peek cursor batch by batch and applies the mutation
// stream to the server's map service.
package storageserver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/chn0318/tlog/config"
	"github.com/chn0318/tlog/mapservice"
	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/peekcursor"
)

// applyRetries bounds replay attempts of one batch before the error is
// surfaced to the caller.
const applyRetries = 3

// Applier pulls mutations from a cursor and applies them version by
// version. If applying a batch fails midway, the batch is replayed from the
// cursor's refill snapshot; versions already applied are skipped by the map
// service, so replay is idempotent.
type Applier struct {
	cursor peekcursor.Cursor
	maps   *mapservice.MapService
	logger *zap.Logger

	// ApplyHook, when set, runs before each version is applied and may
	// fail, e.g. to flush downstream state. A failure triggers replay.
	ApplyHook func(version mutation.Version, muts []mutation.Mutation) error
}

func NewApplier(cursor peekcursor.Cursor, maps *mapservice.MapService, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{cursor: cursor, maps: maps, logger: logger}
}

// Run consumes the cursor until its stream ends. A false refill (remote has
// nothing yet) backs off and retries; transport errors propagate with the
// watermark intact so the caller can rebuild the cursor.
func (a *Applier) Run(ctx context.Context) error {
	backoff := config.MergeCursorRetryDelay()
	for {
		more, err := a.cursor.RemoteMoreAvailable(ctx)
		if err != nil {
			if errors.Is(err, mutation.ErrEndOfStream) {
				a.logger.Info("stream complete",
					zap.Int64("appliedVersion", int64(a.maps.MaxAppliedVersion())))
				return nil
			}
			return err
		}
		if !more {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := a.applyBatch(); err != nil {
			return err
		}
	}
}

// applyBatch drains the refilled batch, replaying it via Reset when the
// apply hook fails.
func (a *Applier) applyBatch() error {
	var err error
	for attempt := 0; attempt < applyRetries; attempt++ {
		if attempt > 0 {
			a.cursor.Reset()
			a.logger.Warn("replaying batch", zap.Int("attempt", attempt), zap.Error(err))
		}
		if err = a.drainOnce(); err == nil {
			return nil
		}
	}
	return errors.Wrap(err, "apply batch")
}

func (a *Applier) drainOnce() error {
	currentVersion := mutation.InvalidVersion
	var pending []mutation.Mutation

	flush := func() error {
		if currentVersion == mutation.InvalidVersion {
			return nil
		}
		if a.ApplyHook != nil {
			if err := a.ApplyHook(currentVersion, pending); err != nil {
				return err
			}
		}
		a.maps.ApplyVersion(currentVersion, pending)
		return nil
	}

	for a.cursor.HasRemaining() {
		vsm := a.cursor.Get()
		if vsm.Version != currentVersion {
			if err := flush(); err != nil {
				return err
			}
			currentVersion = vsm.Version
			pending = pending[:0:0]
		}
		// Control records and empty-version markers advance the version
		// without touching key state.
		if m, ok := vsm.Message.(mutation.Mutation); ok {
			pending = append(pending, m)
		}
		a.cursor.Next()
	}
	return flush()
}
