// Package pypi implements the client side of the Python Simple Repository
// API (PEP 503 HTML and PEP 691 JSON): content negotiation, name
// normalization, index parsing and upstream fetches.
package pypi

import (
	"errors"
	"time"
)

// Content types for the Simple API (PEP 691).
const (
	ContentTypeLegacyHTML = "text/html"
	ContentTypeV1HTML     = "application/vnd.pypi.simple.v1+html"
	ContentTypeV1JSON     = "application/vnd.pypi.simple.v1+json"
	ContentTypeLatestHTML = "application/vnd.pypi.simple.latest+html"
	ContentTypeLatestJSON = "application/vnd.pypi.simple.latest+json"
)

// MetadataSuffix is appended to a distribution filename (and URL) to name
// its core metadata file (PEP 658).
const MetadataSuffix = ".metadata"

var (
	// ErrIndexParsing is returned when an upstream index document has an
	// unsupported content type or cannot be decoded.
	ErrIndexParsing = errors.New("index parsing error")

	// ErrIndexTimeout is returned when an upstream index fetch exceeds its
	// deadline.
	ErrIndexTimeout = errors.New("index fetch timed out")

	// ErrIndexTooLarge is returned when an upstream index document exceeds
	// the size limit. Nothing from the document is used.
	ErrIndexTooLarge = errors.New("index document too large")

	// ErrUpstreamStatus is returned when the upstream answers with a non-2xx status.
	ErrUpstreamStatus = errors.New("unexpected upstream status")

	// ErrInvalidQuality is returned for an Accept header quality value that
	// is not a number in [0,1] with at most three decimals.
	ErrInvalidQuality = errors.New("invalid quality value")

	// ErrUnknownFileFormat is returned when a format name is neither html nor json.
	ErrUnknownFileFormat = errors.New("unknown file format")
)

// Hash is a content digest attached to a distribution or metadata file.
type Hash struct {
	Kind  string
	Value string
}

// ParsedMetadata describes the core metadata file advertised for a
// distribution file.
type ParsedMetadata struct {
	Filename string
	URL      string
	Hashes   []Hash
}

// ParsedFile is one distribution file parsed from an upstream project page.
type ParsedFile struct {
	Filename       string
	URL            string
	Version        *string
	RequiresPython *string
	Yanked         bool
	YankedReason   *string
	Size           *int64
	UploadTime     *time.Time
	Hashes         []Hash
	Metadata       *ParsedMetadata
}
