package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/connector/unified"
	"github.com/sev-custody/enclaveworker/internal/reportcache"
	"github.com/sev-custody/enclaveworker/internal/vault"
)

type fakeSource struct {
	resolves int32
	venue    string
}

func (f *fakeSource) Resolve(ctx context.Context, connID string) (string, string, []byte, []byte, error) {
	atomic.AddInt32(&f.resolves, 1)
	return f.venue, "api-key-" + connID, []byte("secret-" + connID), []byte("passphrase"), nil
}

func newTestRegistry(t *testing.T, venue string, server *httptest.Server) (*Registry, *vault.Vault) {
	t.Helper()
	v, err := vault.New([]byte("master-secret"))
	require.NoError(t, err)

	endpoints := VenueEndpoints{
		Unified: map[string]unified.Endpoints{
			venue: {BaseURL: server.URL, BalancePath: "/balance", BalanceJSONPath: "balances.#.free"},
		},
	}
	return New(endpoints, v, reportcache.New(), logging.New("registry-test", "error", "json")), v
}

func TestGetOrCreateBuildsOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	r, _ := newTestRegistry(t, "test-venue", server)
	source := &fakeSource{venue: "test-venue"}

	c1, err := r.GetOrCreate(context.Background(), source, "conn-1")
	require.NoError(t, err)
	c2, err := r.GetOrCreate(context.Background(), source, "conn-1")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&source.resolves)) // resolved each call, but built once
	assert.Equal(t, 1, r.Size())
}

func TestGetOrCreateCoalescesConcurrentBuilds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	r, _ := newTestRegistry(t, "test-venue", server)
	source := &fakeSource{venue: "test-venue"}

	var wg sync.WaitGroup
	results := make([]interface{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c, err := r.GetOrCreate(context.Background(), source, "conn-shared")
			assert.NoError(t, err)
			results[idx] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < 20; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, r.Size())
}

func TestGetOrCreateUnknownVenueReturnsInvalidInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	r, _ := newTestRegistry(t, "known-venue", server)
	source := &fakeSource{venue: "unknown-venue"}

	_, err := r.GetOrCreate(context.Background(), source, "conn-1")
	require.Error(t, err)
}

func TestCloseAllEmptiesPool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	r, _ := newTestRegistry(t, "test-venue", server)
	source := &fakeSource{venue: "test-venue"}

	_, err := r.GetOrCreate(context.Background(), source, "conn-1")
	require.NoError(t, err)
	require.Equal(t, 1, r.Size())

	r.CloseAll()
	assert.Equal(t, 0, r.Size())
}
