package blocks

import (
	"errors"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

// Unlimited disables the block budget of a split.
const Unlimited = -1

var (
	errNonPositiveSpan = errors.New("max block span must be positive")
	errNonPositiveSize = errors.New("max block size must be positive")
)

// SplitDateRange splits [from, to) into contiguous sub-ranges of at most
// maxSpan, ascending. At most maxBlocks ranges are returned unless maxBlocks
// is Unlimited; the uncovered tail is left to a later call.
func SplitDateRange(from, to time.Time, maxSpan time.Duration, maxBlocks int) ([]domain.DateRange, error) {
	if maxSpan <= 0 {
		return nil, errNonPositiveSpan
	}
	var out []domain.DateRange
	for start := from; start.Before(to); start = start.Add(maxSpan) {
		if maxBlocks != Unlimited && len(out) >= maxBlocks {
			break
		}
		end := start.Add(maxSpan)
		if end.After(to) {
			end = to
		}
		out = append(out, domain.DateRange{From: start, To: end})
	}
	return out, nil
}

// SplitNumericRange splits [from, to) into contiguous sub-ranges of at most
// maxSize values, ascending, honoring maxBlocks like SplitDateRange.
func SplitNumericRange(from, to, maxSize int64, maxBlocks int) ([]domain.NumericRange, error) {
	if maxSize <= 0 {
		return nil, errNonPositiveSize
	}
	var out []domain.NumericRange
	for start := from; start < to; {
		if maxBlocks != Unlimited && len(out) >= maxBlocks {
			break
		}
		end := to
		if to-start > maxSize {
			end = start + maxSize
		}
		out = append(out, domain.NumericRange{From: start, To: end})
		start = end
	}
	return out, nil
}

// ChunkList partitions values into consecutive chunks of at most size
// elements, preserving order. The result has ceil(len(values)/size) chunks.
func ChunkList[T any](values []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, errNonPositiveSize
	}
	chunks := make([][]T, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := min(start+size, len(values))
		chunks = append(chunks, values[start:end:end])
	}
	return chunks, nil
}
