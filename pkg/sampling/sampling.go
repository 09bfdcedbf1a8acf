package sampling

import (
	"context"
	"errors"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// MinTrimCount is the smallest number of successful reads that gets its
// minimum and maximum discarded.
const MinTrimCount = 5

// ErrNoValidSamples is returned when every read of a round failed.
var ErrNoValidSamples = errors.New("no valid samples")

// RawReader yields one raw code per call. Retries are the reader's business.
type RawReader interface {
	ReadRaw(ctx context.Context) (int32, error)
}

// Sample performs count reads and returns their filtered mean in raw units.
func Sample(ctx context.Context, r RawReader, count int) (float64, error) {
	values := make([]float64, 0, count)

	var lastErr error
	for i := 0; i < count; i++ {
		v, err := r.ReadRaw(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return 0, err
			}
			lastErr = err
			logrus.WithError(err).WithField("read", i+1).Trace("sample read failed")
			continue
		}
		values = append(values, float64(v))
	}

	if len(values) == 0 {
		if lastErr != nil {
			return 0, pkgerrors.Wrapf(ErrNoValidSamples, "last error: %v", lastErr)
		}
		return 0, ErrNoValidSamples
	}

	return TrimmedMean(values), nil
}

// TrimmedMean averages values after dropping the single smallest and single
// largest entry, when there are at least MinTrimCount of them. values is
// sorted in place. It returns 0 for an empty slice.
func TrimmedMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) < MinTrimCount {
		return stat.Mean(values, nil)
	}

	sort.Float64s(values)
	return stat.Mean(values[1:len(values)-1], nil)
}
