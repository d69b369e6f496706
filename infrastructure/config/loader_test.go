package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "fallback", GetEnv("ENCLAVEWORKER_UNSET_VAR", "fallback"))
}

func TestGetEnvBoolAcceptsTruthyVariants(t *testing.T) {
	t.Setenv("ENCLAVEWORKER_FLAG", "Yes")
	assert.True(t, GetEnvBool("ENCLAVEWORKER_FLAG", false))

	t.Setenv("ENCLAVEWORKER_FLAG", "0")
	assert.False(t, GetEnvBool("ENCLAVEWORKER_FLAG", true))
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("ENCLAVEWORKER_PORT", "not-a-number")
	assert.Equal(t, 9443, GetEnvInt("ENCLAVEWORKER_PORT", 9443))
}

func TestValidateReportsMissingRequiredSettings(t *testing.T) {
	cfg := &Config{RPCPort: 9443, RequireClientCert: true}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MASTER_KEY")
	assert.Contains(t, err.Error(), "TLS_CA_CERT")
}

func TestValidatePassesWithAllRequiredSettings(t *testing.T) {
	cfg := &Config{
		MasterKeyHex:      "aa",
		RPCPort:           9443,
		TLSCACertPath:     "ca.pem",
		TLSServerCertPath: "server.pem",
		TLSServerKeyPath:  "server.key",
		RequireClientCert: true,
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{
		MasterKeyHex:      "aa",
		RPCPort:           70000,
		TLSServerCertPath: "server.pem",
		TLSServerKeyPath:  "server.key",
	}
	require.Error(t, cfg.Validate())
}
