package peekcursor

import (
	"context"

	"github.com/chn0318/tlog/mutation"
)

// AdvanceTo fast-forwards the cursor until its current VSM is at or past
// (version, subsequence), issuing further peeks as required. If the remote
// reports no data is available yet, it returns with the cursor short of the
// target; the caller inspects Version(). Targets at or before the current
// position are a no-op.
func AdvanceTo(
	ctx context.Context,
	cursor Cursor,
	version mutation.Version,
	subsequence mutation.Subsequence,
) error {
	for {
		for cursor.HasRemaining() {
			vsm := cursor.Get()
			if vsm.Version > version {
				return nil
			}
			if vsm.Version == version && vsm.Subsequence >= subsequence {
				return nil
			}
			cursor.Next()
		}

		// Local buffers drained; the target may still be remote.
		more, err := cursor.RemoteMoreAvailable(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
