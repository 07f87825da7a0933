package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/domain"
)

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses(" new, Researching ,")
	require.NoError(t, err)
	assert.Equal(t, []domain.LeadStatus{domain.StatusNew, domain.StatusResearching}, got)

	_, err = parseStatuses("sent")
	assert.Error(t, err)

	_, err = parseStatuses(" , ")
	assert.Error(t, err)
}

func TestShutdownHandlerGuards(t *testing.T) {
	srv := &http.Server{}
	h := shutdownHandler("s3cret", srv)

	cases := []struct {
		name   string
		remote string
		token  string
		want   int
	}{
		{"remote caller", "10.0.0.7:5000", "s3cret", http.StatusForbidden},
		{"missing token", "127.0.0.1:5000", "", http.StatusUnauthorized},
		{"wrong token", "[::1]:5000", "nope", http.StatusUnauthorized},
		{"loopback with token", "127.0.0.1:5000", "s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
			req.RemoteAddr = tc.remote
			if tc.token != "" {
				req.Header.Set("X-Shutdown-Token", tc.token)
			}
			rec := httptest.NewRecorder()
			h(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRandomToken(t *testing.T) {
	a, err := randomToken(16)
	require.NoError(t, err)
	b, err := randomToken(16)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
