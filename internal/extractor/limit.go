package extractor

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var errLimitExceeded = errors.New("size limit exceeded")

// MaxSize is the largest size (in bytes) of a single file the bot will
// transmit. A file whose size is greater than or equal to the limit is
// rejected. Zero disables the limit.
type MaxSize int64

func (m MaxSize) Allows(size int64) bool {
	return m <= 0 || size < int64(m)
}

func (m MaxSize) String() string {
	return fmt.Sprintf("%dKB", int64(m)/1024)
}

// StageFile copies the reader to a new file at path, aborting (and removing
// the partial file) as soon as the copy reaches the limit. tooLarge is the
// reply used for the resulting TooLargeError.
func StageFile(path string, r io.Reader, limit MaxSize, tooLarge string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, IOError(fmt.Errorf("failed to create staged file %s: %w", path, err))
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, int64(limit))
	}

	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr == nil && limit > 0 && !limit.Allows(n) {
		copyErr = errLimitExceeded
	}

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if errors.Is(copyErr, errLimitExceeded) {
			return n, TooLargeError(tooLarge, fmt.Errorf("staged file %s reached %s", path, limit))
		} else if copyErr != nil {
			return n, FetchError(fmt.Errorf("failed to download to %s: %w", path, copyErr))
		}

		return n, IOError(fmt.Errorf("failed to close staged file %s: %w", path, closeErr))
	}

	return n, nil
}
