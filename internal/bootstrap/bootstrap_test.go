package bootstrap

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sev-custody/enclaveworker/infrastructure/config"
	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/attestation"
)

func TestSelfAttestToleratesFailureInDevMode(t *testing.T) {
	require.NoError(t, os.Setenv("ENCLAVEWORKER_DEV_MODE", "true"))
	defer os.Unsetenv("ENCLAVEWORKER_DEV_MODE")

	logger := logging.New("bootstrap-test", "error", "json")
	attestor := attestation.New(logger, t.TempDir())
	cfg := &config.Config{SchedulerTimezone: "UTC"}

	err := selfAttest(context.Background(), attestor, logger, cfg)
	require.NoError(t, err)
}

func TestSelfAttestFailsClosedOutsideDevMode(t *testing.T) {
	require.NoError(t, os.Unsetenv("ENCLAVEWORKER_DEV_MODE"))

	logger := logging.New("bootstrap-test", "error", "json")
	attestor := attestation.New(logger, t.TempDir())
	cfg := &config.Config{SchedulerTimezone: "UTC"}

	err := selfAttest(context.Background(), attestor, logger, cfg)
	require.Error(t, err)
}
