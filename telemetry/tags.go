// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// repositoryKey propagates the repository slug into detached contexts.
	repositoryKey contextKey = "repository"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheStale  CacheResult = "stale"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Repository  string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return tagsFromContext(r.Context())
}

func tagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	SetCacheResultContext(r.Context(), result)
}

// SetCacheResultContext sets the cache result on the tags carried by ctx.
// Services below the HTTP layer use this as they only see the context.
func SetCacheResultContext(ctx context.Context, result CacheResult) {
	if tags := tagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetRepository sets the repository tag for metrics and logging.
func SetRepository(r *http.Request, slug string) {
	if tags := GetTags(r); tags != nil {
		tags.Repository = slug
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// RepositoryFromContext retrieves the repository slug from a context.
// It checks both detached contexts (set by WithRepositoryContext) and
// request contexts (set by SetRepository via InjectTags).
func RepositoryFromContext(ctx context.Context) string {
	if slug, ok := ctx.Value(repositoryKey).(string); ok && slug != "" {
		return slug
	}
	if tags := tagsFromContext(ctx); tags != nil {
		return tags.Repository
	}
	return ""
}

// WithRepositoryContext returns a context with the repository slug stored.
// Use this to propagate the slug into work that outlives the request context.
func WithRepositoryContext(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, repositoryKey, slug)
}
