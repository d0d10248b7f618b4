package blobcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// ErrDigestMismatch is returned when downloaded bytes do not match the
// digest advertised by the index.
var ErrDigestMismatch = errors.New("blobcache: digest mismatch")

// verifyingReader hashes everything read through it and turns io.EOF into
// ErrDigestMismatch when the digest differs, so a storage write consuming it
// fails instead of committing bad bytes.
type verifyingReader struct {
	r    io.Reader
	h    hash.Hash
	want string
	done bool
}

func newSHA256Verifier(r io.Reader, want string) *verifyingReader {
	return &verifyingReader{r: r, h: sha256.New(), want: strings.ToLower(want)}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		_, _ = v.h.Write(p[:n])
	}
	if err == io.EOF && !v.done {
		v.done = true
		if got := hex.EncodeToString(v.h.Sum(nil)); got != v.want {
			return n, fmt.Errorf("%w: sha256 want %s got %s", ErrDigestMismatch, v.want, got)
		}
	}
	return n, err
}
