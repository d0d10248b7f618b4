package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_Defaults(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Repository)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))

	// setters are no-ops without tags
	SetRepository(r, "pypi")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "index")
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRepository(r, "pypi")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "index")

	require.Equal(t, "pypi", tags.Repository)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "index", tags.Endpoint)
}

func TestSetCacheResultContext(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResultContext(r.Context(), CacheStale)
	require.Equal(t, CacheStale, GetTags(r).CacheResult)

	// no tags in context: must not panic
	SetCacheResultContext(context.Background(), CacheHit)
}

func TestRepositoryFromContext(t *testing.T) {
	r := newTaggedRequest()
	SetRepository(r, "pypi")
	require.Equal(t, "pypi", RepositoryFromContext(r.Context()))

	detached := WithRepositoryContext(context.WithoutCancel(r.Context()), "internal")
	require.Equal(t, "internal", RepositoryFromContext(detached))

	require.Empty(t, RepositoryFromContext(context.Background()))
}
