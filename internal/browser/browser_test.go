package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

func TestIsCrash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrBrowserClosed, true},
		{"wrapped sentinel", fmt.Errorf("capture: %w", ErrBrowserClosed), true},
		{"playwright target closed", errors.New("Target page, context or browser has been closed"), true},
		{"cdp socket dropped", errors.New("websocket: close 1006 (abnormal closure)"), true},
		{"selector timeout", errors.New("Timeout 10000ms exceeded waiting for locator('#go')"), false},
		{"navigation", errors.New("net::ERR_NAME_NOT_RESOLVED at https://nope.test"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsCrash(tt.err))
		})
	}
}

func TestWriteStorageStateFillsDefaults(t *testing.T) {
	t.Parallel()

	auth := &models.AuthState{Cookies: []models.Cookie{{Name: "sid", Value: "abc", Domain: "example.com"}}}
	path, err := writeStorageState(auth)
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got models.AuthState
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "/", got.Cookies[0].Path)
	assert.Equal(t, "Lax", got.Cookies[0].SameSite)
	assert.Equal(t, float64(-1), got.Cookies[0].Expires)
	assert.NotNil(t, got.Origins)

	// the caller's state is not touched
	assert.Empty(t, auth.Cookies[0].Path)
}
