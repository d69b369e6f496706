package bootstrap

import (
	"context"

	"github.com/google/uuid"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/internal/connector"
	"github.com/sev-custody/enclaveworker/internal/domain"
	"github.com/sev-custody/enclaveworker/internal/registry"
	"github.com/sev-custody/enclaveworker/internal/vault"
)

// connectionRepo is the narrow repository view connectorSource needs to
// turn a (userID, venueID, label) triple into the stored connection.
type connectionRepo interface {
	GetConnection(ctx context.Context, userID uuid.UUID, venueID, label string) (*domain.Connection, error)
}

// connectorSource adapts the aggregator's (userID, venueID, label) view
// of a connection to the registry's (CredentialSource, connID) view. The
// two packages intentionally know nothing about each other: the
// aggregator is credential-agnostic and the registry is
// repository-agnostic, so this struct is the only place both meet.
type connectorSource struct {
	repo     connectionRepo
	vault    *vault.Vault
	registry *registry.Registry
}

func newConnectorSource(repo connectionRepo, v *vault.Vault, r *registry.Registry) *connectorSource {
	return &connectorSource{repo: repo, vault: v, registry: r}
}

// GetOrCreate implements aggregator.ConnectorSource.
func (s *connectorSource) GetOrCreate(ctx context.Context, userID uuid.UUID, venueID, label string) (connector.Connector, error) {
	conn, err := s.repo.GetConnection(ctx, userID, venueID, label)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, workerErrors.NotFound("connection")
	}
	// The credential fingerprint, not (userID, venueID, label), is the
	// registry's pooling key: two labels pointing at the same account
	// resolve to the same connID and share one live connector.
	return s.registry.GetOrCreate(ctx, connectionCredentialSource{vault: s.vault, conn: *conn}, conn.CredentialFingerprint)
}

// connectionCredentialSource implements registry.CredentialSource for
// exactly one already-loaded domain.Connection.
type connectionCredentialSource struct {
	vault *vault.Vault
	conn  domain.Connection
}

func (c connectionCredentialSource) Resolve(ctx context.Context, connID string) (venue string, key string, secret []byte, passphrase []byte, err error) {
	keyBytes, err := c.vault.Decrypt(c.conn.EncryptedKey)
	if err != nil {
		return "", "", nil, nil, workerErrors.Wrap(workerErrors.KindIntegrity, "decrypt connection key", err)
	}
	secret, err = c.vault.Decrypt(c.conn.EncryptedSecret)
	if err != nil {
		return "", "", nil, nil, workerErrors.Wrap(workerErrors.KindIntegrity, "decrypt connection secret", err)
	}
	if c.conn.EncryptedPassphrase != "" {
		passphrase, err = c.vault.Decrypt(c.conn.EncryptedPassphrase)
		if err != nil {
			return "", "", nil, nil, workerErrors.Wrap(workerErrors.KindIntegrity, "decrypt connection passphrase", err)
		}
	}
	return c.conn.VenueID, string(keyBytes), secret, passphrase, nil
}
