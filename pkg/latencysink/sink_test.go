package latencysink

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaymesh/pkg/types"
)

func TestFlushPostsSamplesAsJSONArray(t *testing.T) {
	var received []types.LatencySample
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL)
	samples := []types.LatencySample{
		{PubID: "pub-1", SubID: "sub-1", TopicCount: 2, LatencyNanos: 1000},
		{PubID: "pub-2", SubID: "sub-1", TopicCount: 1, LatencyNanos: 2000},
	}
	s.Flush(samples)

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	assert.Equal(t, samples, received)
}

func TestFlushWithEmptyAddrIsNoop(t *testing.T) {
	s := New("")
	assert.NotPanics(t, func() {
		s.Flush([]types.LatencySample{{PubID: "pub-1"}})
	})
}

func TestFlushWithEmptySamplesIsNoop(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	s := New(srv.URL)
	s.Flush(nil)
	assert.EqualValues(t, 0, atomic.LoadInt32(&hits))
}

func TestFlushSwallowsCollectorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL)
	assert.NotPanics(t, func() {
		s.Flush([]types.LatencySample{{PubID: "pub-1"}})
	})
}

func TestFlushSwallowsDialError(t *testing.T) {
	s := New("http://127.0.0.1:1")
	assert.NotPanics(t, func() {
		s.Flush([]types.LatencySample{{PubID: "pub-1"}})
	})
}
