// Package preflight decides whether a transfer can start before any transfer
// time is spent: it pre-scans the source size and checks destination space.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"r2clone/internal/logging"
)

// DefaultMargin leaves 5% headroom for filesystem and metadata overhead.
const DefaultMargin = 1.05

// ErrInsufficientSpace is matched by *SpaceError.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// Sizer reports the total byte count of a transfer source.
type Sizer interface {
	Size(ctx context.Context, source string) (int64, error)
}

// SpaceChecker reports free bytes on the filesystem holding path.
type SpaceChecker interface {
	FreeSpace(ctx context.Context, path string) (uint64, error)
}

// SpaceError describes a destination that cannot hold the transfer.
type SpaceError struct {
	Required  uint64
	Available uint64
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space: need %s, available %s, short by %s",
		humanize.IBytes(e.Required), humanize.IBytes(e.Available), humanize.IBytes(e.Shortfall()))
}

// Shortfall is how many more bytes the destination needs.
func (e *SpaceError) Shortfall() uint64 {
	if e.Available >= e.Required {
		return 0
	}
	return e.Required - e.Available
}

func (e *SpaceError) Is(target error) bool {
	return target == ErrInsufficientSpace
}

// Estimate is the outcome of a successful preflight.
type Estimate struct {
	TotalBytes int64
	Known      bool
}

// Estimator runs the preflight checks.
type Estimator struct {
	sizer  Sizer
	space  SpaceChecker
	margin float64
	log    *logging.Logger
}

// NewEstimator creates an estimator. margin < 1 falls back to DefaultMargin.
func NewEstimator(sizer Sizer, space SpaceChecker, margin float64, log *logging.Logger) *Estimator {
	if margin < 1 {
		margin = DefaultMargin
	}
	return &Estimator{sizer: sizer, space: space, margin: margin, log: log}
}

// Check pre-scans source and verifies destRoot can hold it. A failed or
// unparsable scan yields an unknown total, not an error; the only error is
// a known total that does not fit.
func (e *Estimator) Check(ctx context.Context, source, destRoot string) (Estimate, error) {
	total, err := e.sizer.Size(ctx, source)
	if err != nil {
		e.log.WithError(err).Warn("Pre-scan failed, continuing without a known total", "source", source)
		return Estimate{}, nil
	}
	if total < 0 {
		return Estimate{}, nil
	}

	est := Estimate{TotalBytes: total, Known: true}
	if total == 0 {
		return est, nil
	}

	free, err := e.space.FreeSpace(ctx, destRoot)
	if err != nil {
		e.log.WithError(err).Warn("Could not read destination free space", "destination", destRoot)
		return est, nil
	}

	required := uint64(math.Ceil(float64(total) * e.margin))
	if free < required {
		return est, &SpaceError{Required: required, Available: free}
	}

	e.log.Debug("Preflight passed", "source", source, "total", humanize.IBytes(uint64(total)), "free", humanize.IBytes(free))
	return est, nil
}
