package offlineengine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name     string
		err      error
		sentinel error
		category Category
	}{
		{name: "offline", err: &OfflineError{Action: "SEND_EMAIL"}, sentinel: ErrOffline, category: CategoryOffline},
		{name: "network", err: NewNetworkError("apply", cause), sentinel: ErrNetwork, category: CategoryNetwork},
		{name: "storage", err: NewStorageError("put cache", cause), sentinel: ErrStorage, category: CategoryStorage},
		{name: "max retries", err: &MaxRetriesExceededError{ItemID: 7, Attempts: 3, Err: cause}, sentinel: ErrMaxRetries, category: CategorySync},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.err, tt.sentinel)

			wrapped := fmt.Errorf("outer: %w", tt.err)
			require.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.category, CategoryOf(wrapped))
		})
	}
}

func TestNetworkErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := NewNetworkError("fetch", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch")

	status := &NetworkError{Op: "fetch", StatusCode: 503}
	assert.Equal(t, "network: fetch: status 503", status.Error())
}

func TestNewStorageErrorNilAndIdempotent(t *testing.T) {
	require.NoError(t, NewStorageError("noop", nil))

	inner := NewStorageError("inner", errors.New("disk full"))
	outer := NewStorageError("outer", inner)
	require.Same(t, inner, outer)
}

func TestOfflineErrorMessage(t *testing.T) {
	assert.Equal(t, "EXPORT_TO_ZATCA requires a network connection", (&OfflineError{Action: "EXPORT_TO_ZATCA"}).Error())
	assert.Equal(t, "operation requires a network connection", (&OfflineError{}).Error())
	assert.True(t, IsOffline(fmt.Errorf("wrap: %w", &OfflineError{})))
	assert.False(t, IsOffline(errors.New("other")))
}

func TestCategoryOfMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"authentication expired", CategoryAuthentication},
		{"request timeout", CategoryNetwork},
		{"field is required", CategoryValidation},
		{"sync aborted", CategorySync},
		{"quota exceeded", CategoryStorage},
		{"unknown user", CategoryUser},
		{"boom", CategorySystem},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(errors.New(tt.msg)))
		})
	}
	assert.Equal(t, Category(""), CategoryOf(nil))
}

func TestDescribe(t *testing.T) {
	n := Describe(&OfflineError{Action: "CLOUD_BACKUP"})
	assert.Equal(t, CategoryOffline, n.Category)
	assert.Equal(t, LevelMedium, n.Level)
	assert.True(t, n.Dismissible)
	assert.Equal(t, "CLOUD_BACKUP requires a network connection", n.Detail)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, "ENABLE_OFFLINE_MODE", n.Actions[1].Action)

	n = Describe(errors.New("auth token revoked"))
	assert.Equal(t, LevelCritical, n.Level)
	assert.False(t, n.Dismissible)

	n = Describe(errors.New("invalid total"))
	assert.Equal(t, LevelLow, n.Level)
	require.Len(t, n.Actions, 1)
	assert.Equal(t, "DISMISS_ERROR", n.Actions[0].Action)

	n = Describe(NewStorageError("put", errors.New("quota")))
	assert.Equal(t, "CLEAR_CACHE", n.Actions[0].Action)
	assert.Equal(t, LevelHigh, n.Level)
}
