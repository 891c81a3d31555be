package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchClampsMaxResults(t *testing.T) {
	var gotMax string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMax = r.URL.Query().Get("max_results")
		_, _ = w.Write([]byte(`{"results":[{"title":"t","url":"https://example.com","snippet":"s","reliability":0.9}]}`))
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, "key")

	_, err := s.Search(context.Background(), "q", 500)
	require.NoError(t, err)
	assert.Equal(t, "100", gotMax)

	_, err = s.Search(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Equal(t, "1", gotMax)
}

func TestSearchReturnsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "quantum computing", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[
			{"title":"a","url":"https://a.example","snippet":"aa","reliability":0.8},
			{"title":"b","url":"https://b.example","snippet":"bb","reliability":0.6}
		]}`))
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, "sk")
	got, err := s.Search(context.Background(), "quantum computing", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Title)
}

func TestSearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "").Search(context.Background(), "q", 5)
	assert.Error(t, err)
}
