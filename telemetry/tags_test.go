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

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Route)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// should not panic
	SetRoute(r, "sync")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "force")
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRoute(r, "cache")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "clear")

	require.Equal(t, "cache", tags.Route)
	require.Equal(t, CacheMiss, tags.CacheResult)
	require.Equal(t, "clear", tags.Endpoint)
}

func TestTargetContext(t *testing.T) {
	require.Empty(t, TargetFromContext(context.Background()))

	ctx := WithTarget(context.Background(), "sync")
	require.Equal(t, "sync", TargetFromContext(ctx))
}
