package registry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensworks/visionflow/internal/adapter/registry"
	"github.com/lensworks/visionflow/internal/domain"
)

func TestClient_NextJob_NoWork(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := registry.New(srv.URL, "secret", time.Second)
	job, err := c.NextJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClient_NextJob_ReturnsJob(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/next-job", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client":  map[string]string{"id": "11111111-1111-4111-8111-111111111111", "slug": "acme"},
			"project": map[string]string{"id": "22222222-2222-4222-8222-222222222222", "slug": "catalog"},
			"media": []map[string]string{{
				"id":             "33333333-3333-4333-8333-333333333333",
				"optimised_path": "/media/opt/a.jpg",
			}},
			"analyses": []map[string]string{{
				"id":   "44444444-4444-4444-8444-444444444444",
				"slug": "colors",
			}},
		})
	}))
	defer srv.Close()

	c := registry.New(srv.URL, "secret", time.Second)
	job, err := c.NextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "acme", job.Client.Slug)
	assert.Len(t, job.Media, 1)
	assert.Equal(t, "colors", job.Analyses[0].Slug)
}

func TestClient_SubmitAnalysis_ValidationRejectionIsNonRetryable(t *testing.T) {
	t.Parallel()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := registry.New(srv.URL, "secret", time.Second)
	err := c.SubmitAnalysis(context.Background(), domain.AnalysisSubmission{
		ProjectID: "p", MediaID: "m", AnalysisID: "a",
	})
	assert.ErrorIs(t, err, domain.ErrNonRetryable)
	assert.Equal(t, 1, calls, "validation rejections must not retry")
}

func TestClient_UpdateProjectStatus_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := registry.New(srv.URL, "secret", time.Second,
		registry.WithRetryTiming(5*time.Millisecond, time.Second))
	err := c.UpdateProjectStatus(context.Background(), "proj", "processing")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
