// Package fingerprint derives content keys for uploaded audio.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// blockSize bounds each read so large uploads are never loaded in one allocation.
const blockSize = 4096

// ErrIO wraps read and seek failures while fingerprinting.
var ErrIO = errors.New("fingerprint: io failure")

// Fingerprint is the 128-bit MD5 digest of an upload's full content.
type Fingerprint [md5.Size]byte

// String returns the lowercase hex form used as the cache key.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Compute hashes r from its current position to EOF and rewinds r to the
// start so the caller can consume the same bytes again.
func Compute(r io.ReadSeeker) (Fingerprint, error) {
	var fp Fingerprint
	h := md5.New()
	buf := make([]byte, blockSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fp, fmt.Errorf("%w: read: %v", ErrIO, err)
		}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fp, fmt.Errorf("%w: rewind: %v", ErrIO, err)
	}
	copy(fp[:], h.Sum(nil))
	return fp, nil
}
