// Package download de-duplicates concurrent upstream fetches of the same
// distribution file. When several requests arrive for a file that is not yet
// in blob storage, only one upstream fetch is performed.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	simplemirror "github.com/wolfeidau/simple-mirror"
)

// Result describes a file written to blob storage.
type Result struct {
	Key    string            // storage key
	Size   int64             // bytes written
	Digest simplemirror.Hash // BLAKE3 of the stored bytes
}

// DownloadFunc fetches from upstream, verifies integrity and writes to
// storage. Its context is detached from any single request so that one
// caller going away does not cancel the write for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader runs at most one DownloadFunc per key at a time. Callers use
// DoChan underneath so each can honour its own deadline.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. It reports whether the result was
// shared with another caller.
//
// If ctx ends first, Do returns ctx.Err() and the download carries on for
// the remaining waiters. Once a call finishes, successful or not, the next
// Do for key starts a new download.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		res, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			d.logger.Debug("download failed", "key", key, "error", err)
		}
		return res, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
