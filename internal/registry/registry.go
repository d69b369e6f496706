// Package registry owns the pool of live Connector instances the
// scheduler and RPC server share. A connector is expensive to build (it
// decrypts a credential through the Vault and may probe the venue) so
// the registry keys instances by (venue, credential fingerprint) and
// reuses them across calls, and coalesces concurrent builds of the same
// key with singleflight the way a cold-cache lookup elsewhere in the
// stack would.
package registry

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/connector"
	"github.com/sev-custody/enclaveworker/internal/connector/flex"
	"github.com/sev-custody/enclaveworker/internal/connector/unified"
	"github.com/sev-custody/enclaveworker/internal/reportcache"
	"github.com/sev-custody/enclaveworker/internal/vault"
)

// CredentialSource resolves a connection's identity to the decrypted
// credential material needed to build a connector. The registry never
// talks to the repository or vault directly for this; the caller (the
// aggregator or bootstrapper) supplies it, keeping the registry
// decryption-agnostic and unit-testable without a real Vault.
type CredentialSource interface {
	// Resolve decrypts and returns the credential fields for connID.
	// Ownership of the returned secret/passphrase passes to the registry:
	// it either wipes them immediately (cache hit, build failure) or
	// hands them to the new connector, which wipes them on Close.
	Resolve(ctx context.Context, connID string) (venue string, key string, secret []byte, passphrase []byte, err error)
}

// VenueEndpoints resolves venue -> the API endpoints a connector for
// that venue should target. In production this is a small static table;
// tests supply an httptest.Server-backed stand-in.
type VenueEndpoints struct {
	Unified map[string]unified.Endpoints
	Flex    map[string]flex.Endpoints
}

// entry is one live connector plus the fingerprint it was built from.
type entry struct {
	conn        connector.Connector
	fingerprint string
}

// Registry is the connector pool.
type Registry struct {
	endpoints VenueEndpoints
	vault     *vault.Vault
	cache     *reportcache.Cache
	logger    *logging.Logger

	mu    sync.RWMutex
	byKey map[string]*entry

	group singleflight.Group
}

// New constructs a Registry. cache is the shared ReportCache every flex
// Connector built here is handed; unified connectors do not use it.
func New(endpoints VenueEndpoints, v *vault.Vault, cache *reportcache.Cache, logger *logging.Logger) *Registry {
	return &Registry{
		endpoints: endpoints,
		vault:     v,
		cache:     cache,
		logger:    logger,
		byKey:     make(map[string]*entry),
	}
}

func poolKey(venue, fingerprint string) string {
	return venue + ":" + fingerprint
}

// GetOrCreate returns the live connector for connID, building one if
// this is the first request for its (venue, fingerprint) pair.
// Concurrent callers for the same connID block on one build.
func (r *Registry) GetOrCreate(ctx context.Context, source CredentialSource, connID string) (connector.Connector, error) {
	// Keying the singleflight group by connID, not by (venue,
	// fingerprint), means the decrypt only ever happens once per burst of
	// concurrent callers for the same connection: Resolve runs inside the
	// coalesced closure instead of once per caller.
	v, err, _ := r.group.Do(connID, func() (interface{}, error) {
		venue, apiKey, secret, passphrase, err := source.Resolve(ctx, connID)
		if err != nil {
			return nil, err
		}

		fingerprint := r.vault.Fingerprint(apiKey, string(secret), string(passphrase))
		key := poolKey(venue, fingerprint)

		// A cache hit means this credential material is redundant: the
		// pooled connector already holds its own copy from when it was
		// built.
		if c, ok := r.lookup(key); ok {
			vault.Wipe(secret)
			vault.Wipe(passphrase)
			return c, nil
		}

		// build hands secret/passphrase to the connector by reference; the
		// connector owns and wipes them from here on (see its Close).
		c, err := r.build(venue, apiKey, secret, passphrase)
		if err != nil {
			vault.Wipe(secret)
			vault.Wipe(passphrase)
			return nil, err
		}
		r.store(key, fingerprint, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(connector.Connector), nil
}

func (r *Registry) lookup(key string) (connector.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) store(key, fingerprint string, c connector.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = &entry{conn: c, fingerprint: fingerprint}
}

// build constructs the right concrete Connector for venue. The unified
// crypto family and the flex report-pull family are distinguished by
// which endpoint table carries the venue; a venue present in neither is
// a configuration error, not a venue-side failure.
func (r *Registry) build(venue, apiKey string, secret, passphrase []byte) (connector.Connector, error) {
	if ep, ok := r.endpoints.Unified[venue]; ok {
		return unified.New(venue, ep, []byte(apiKey), secret, r.logger), nil
	}
	if ep, ok := r.endpoints.Flex[venue]; ok {
		return flex.New(venue, ep, secret, string(passphrase), r.cache, r.logger), nil
	}
	return nil, workerErrors.InvalidInput("venue", fmt.Sprintf("no endpoint configuration for venue %q", venue))
}

// Evict removes and closes the connector for connID's (venue,
// fingerprint), forcing the next GetOrCreate to rebuild it. Used when a
// connection's credentials are rotated by being recreated under a new
// connection record.
func (r *Registry) Evict(venue, fingerprint string) {
	key := poolKey(venue, fingerprint)
	r.mu.Lock()
	e, ok := r.byKey[key]
	if ok {
		delete(r.byKey, key)
	}
	r.mu.Unlock()
	if ok {
		e.conn.Close()
	}
}

// CloseAll closes every pooled connector, wiping retained credential
// material. Called once during bootstrapper shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.byKey {
		e.conn.Close()
		delete(r.byKey, key)
	}
}

// Size reports the number of live pooled connectors, for tests and
// health diagnostics.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
