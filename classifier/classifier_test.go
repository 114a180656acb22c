package classifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, status int, resp moderationResp) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/moderations", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var req moderationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Input)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyFlagged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := testServer(t, http.StatusOK, moderationResp{Results: []moderationResult{{
		Flagged: true,
		Categories: map[string]bool{
			"violence":   true,
			"harassment": true,
			"self-harm":  false,
		},
	}}})
	c := NewClient(srv.URL, "test-token", slog.Default())

	verdict, err := c.Classify(ctx, "some toxic text")
	assert.NoError(err)
	assert.True(verdict.Flagged)
	// categories sorted for a deterministic reason string
	assert.Equal("harassment, violence", verdict.Reason)
	assert.Equal([]string{"harassment", "violence"}, verdict.Categories)
	assert.False(verdict.Unchecked)
}

func TestClassifyClean(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := testServer(t, http.StatusOK, moderationResp{Results: []moderationResult{{Flagged: false}}})
	c := NewClient(srv.URL, "test-token", slog.Default())

	verdict, err := c.Classify(ctx, "hello there")
	assert.NoError(err)
	assert.False(verdict.Flagged)
	assert.Empty(verdict.Reason)
	assert.False(verdict.Unchecked)
}

func TestClassifyFlaggedWithoutCategories(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := testServer(t, http.StatusOK, moderationResp{Results: []moderationResult{{Flagged: true}}})
	c := NewClient(srv.URL, "test-token", slog.Default())

	verdict, err := c.Classify(ctx, "bad in an uncategorized way")
	assert.NoError(err)
	assert.True(verdict.Flagged)
	assert.Equal("General policy violation", verdict.Reason)
}

func TestEmptyContentShortCircuits(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("classifier service must not be called for empty content")
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "test-token", slog.Default())

	for _, content := range []string{"", "   ", "\t\n"} {
		verdict, err := c.Classify(ctx, content)
		assert.NoError(err)
		assert.False(verdict.Flagged)
		assert.Equal("empty content", verdict.Reason)
	}
}

func TestDegradedModeReturnsUnchecked(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c := NewClient("", "", slog.Default())
	assert.True(c.Degraded())

	verdict, err := c.Classify(ctx, "definitely toxic text")
	assert.NoError(err)
	assert.False(verdict.Flagged)
	assert.True(verdict.Unchecked)
	assert.Equal("classifier unavailable", verdict.Reason)
}

func TestServiceErrorReturnsError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "test-token", slog.Default())

	verdict, err := c.Classify(ctx, "some text")
	assert.Error(err)
	assert.Nil(verdict)
}

func TestEmptyResultsIsError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := testServer(t, http.StatusOK, moderationResp{})
	c := NewClient(srv.URL, "test-token", slog.Default())

	verdict, err := c.Classify(ctx, "some text")
	assert.Error(err)
	assert.Nil(verdict)
}
