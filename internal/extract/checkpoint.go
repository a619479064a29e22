package extract

import (
	"context"
	"errors"
)

// ErrCanceled is returned by a Checkpoint once the job has been canceled. Work in
// flight is discarded and nothing further is written for the job.
var ErrCanceled = errors.New("job canceled")

// Checkpoint re-reads the job between tiers.
type Checkpoint func(ctx context.Context) error

// Check runs cp when set.
func (cp Checkpoint) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp == nil {
		return nil
	}
	return cp(ctx)
}
