// Package attestation produces and verifies AMD SEV-SNP hardware
// attestation reports. Startup refuses to proceed in production mode
// unless a report is produced and verified; in development mode a
// failure is logged but startup continues.
package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
	"github.com/sev-custody/enclaveworker/infrastructure/logging"
)

const (
	localDeviceNode = "/dev/sev-guest"

	// Well-known cloud metadata endpoints, tried after the local device
	// node when the worker is running on a confidential VM rather than
	// bare metal.
	azureMetadataURL = "http://169.254.169.254/metadata/THIM/amd/certification"
	gcpMetadataURL   = "http://metadata.google.internal/computeMetadata/v1/instance/confidential-vm"

	vcekFetchURLTemplate = "https://kdsintf.amd.com/vcek/v1/Milan/%s"
)

// Report is a verified-or-not platform attestation document.
type Report struct {
	Measurement     string `json:"measurement"`
	ChipID          string `json:"chip_id"`
	PlatformVersion string `json:"platform_version"`
	Signature       []byte `json:"signature"`
	raw             []byte // the serialized fields the signature covers
}

// VerificationResult is the surfaced outcome of Verify.
type VerificationResult struct {
	Verified        bool
	Measurement     string
	ChipID          string
	PlatformVersion string
}

// Source produces a raw report from one evidence channel (device node or
// cloud metadata endpoint).
type Source interface {
	Name() string
	Produce(ctx context.Context, nonce []byte) (*Report, error)
}

// Attestor orchestrates report production and verification.
type Attestor struct {
	logger        *logging.Logger
	sources       []Source
	vcekCachePath string
	httpClient    *http.Client
}

// New builds an Attestor trying, in order, the local device node and
// then the cloud metadata endpoints.
func New(logger *logging.Logger, vcekCachePath string) *Attestor {
	return &Attestor{
		logger: logger,
		sources: []Source{
			&deviceSource{path: localDeviceNode},
			&metadataSource{name: "azure", url: azureMetadataURL},
			&metadataSource{name: "gcp", url: gcpMetadataURL},
		},
		vcekCachePath: vcekCachePath,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Produce tries each configured source in order and returns the first
// successful report.
func (a *Attestor) Produce(ctx context.Context, nonce []byte) (*Report, error) {
	var lastErr error
	for _, src := range a.sources {
		report, err := src.Produce(ctx, nonce)
		if err == nil {
			a.logger.Info(ctx, "attestation report produced", map[string]any{"source": src.Name()})
			return report, nil
		}
		lastErr = err
		a.logger.Debug(ctx, "attestation source unavailable", map[string]any{"source": src.Name(), "error": err.Error()})
	}
	return nil, workerErrors.Wrap(workerErrors.KindIntegrity, "no attestation source available", lastErr)
}

// Verify fetches the platform endorsement key for report.ChipID and
// verifies the report's signature over SHA-384 of its serialized fields.
func (a *Attestor) Verify(ctx context.Context, report *Report) (VerificationResult, error) {
	pub, err := a.endorsementKey(ctx, report.ChipID)
	if err != nil {
		return VerificationResult{}, workerErrors.Wrap(workerErrors.KindIntegrity, "fetch endorsement key", err)
	}

	digest := sha512.Sum384(report.raw)
	if !verifyP384(pub, digest[:], report.Signature) {
		return VerificationResult{}, workerErrors.New(workerErrors.KindIntegrity, "attestation signature verification failed")
	}

	return VerificationResult{
		Verified:        true,
		Measurement:     report.Measurement,
		ChipID:          report.ChipID,
		PlatformVersion: report.PlatformVersion,
	}, nil
}

// endorsementKey fetches the VCEK for chipID from AMD's key-distribution
// service, falling back to a cached on-disk copy when the network is
// unavailable (confidential VMs commonly restrict egress).
func (a *Attestor) endorsementKey(ctx context.Context, chipID string) (*ecdsa.PublicKey, error) {
	cachePath := filepath.Join(a.vcekCachePath, chipID+".pem")

	pemBytes, err := a.fetchVCEK(ctx, chipID)
	if err != nil {
		a.logger.Warn(ctx, "VCEK fetch failed, trying cache", map[string]any{"error": err.Error()})
		cached, readErr := os.ReadFile(cachePath)
		if readErr != nil {
			return nil, fmt.Errorf("fetch failed (%v) and no cached VCEK at %s: %w", err, cachePath, readErr)
		}
		pemBytes = cached
	} else {
		_ = os.MkdirAll(a.vcekCachePath, 0o700)
		_ = os.WriteFile(cachePath, pemBytes, 0o600)
	}

	return parseECDSAPublicKeyPEM(pemBytes)
}

func (a *Attestor) fetchVCEK(ctx context.Context, chipID string) ([]byte, error) {
	url := fmt.Sprintf(vcekFetchURLTemplate, chipID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VCEK endpoint returned %d", resp.StatusCode)
	}
	cert, err := x509.ParseCertificate(mustReadAll(resp.Body))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), nil
}

func parseECDSAPublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("endorsement key is not ECDSA")
	}
	return pub, nil
}

// verifyP384 verifies an ASN.1 DER-encoded ECDSA signature over digest
// using the P-384 curve, the curve AMD's SNP endorsement chain uses.
func verifyP384(pub *ecdsa.PublicKey, digest, signature []byte) bool {
	if pub.Curve != elliptic.P384() {
		return false
	}
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(signature, &sig); err != nil {
		return false
	}
	return ecdsa.Verify(pub, digest, sig.R, sig.S)
}

func mustReadAll(r interface{ Read([]byte) (int, error) }) []byte {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return out
}

// deviceSource reads a report from a local attestation device node.
type deviceSource struct{ path string }

func (d *deviceSource) Name() string { return "device:" + d.path }

func (d *deviceSource) Produce(ctx context.Context, nonce []byte) (*Report, error) {
	if _, err := os.Stat(d.path); err != nil {
		return nil, fmt.Errorf("attestation device not present: %w", err)
	}
	return nil, fmt.Errorf("attestation device ioctl not implemented in this build")
}

// metadataSource reads a report from a cloud-provider metadata endpoint.
type metadataSource struct {
	name string
	url  string
}

func (m *metadataSource) Name() string { return "metadata:" + m.name }

func (m *metadataSource) Produce(ctx context.Context, nonce []byte) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata", "true")
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint %s returned %d", m.url, resp.StatusCode)
	}

	var payload struct {
		Measurement     string `json:"measurement"`
		ChipID          string `json:"chipId"`
		PlatformVersion string `json:"platformVersion"`
		Signature       string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode metadata report: %w", err)
	}
	if payload.Measurement == "" || payload.ChipID == "" {
		return nil, fmt.Errorf("metadata report missing required fields")
	}

	raw, err := json.Marshal(struct {
		Measurement     string `json:"measurement"`
		ChipID          string `json:"chip_id"`
		PlatformVersion string `json:"platform_version"`
	}{payload.Measurement, payload.ChipID, payload.PlatformVersion})
	if err != nil {
		return nil, err
	}

	return &Report{
		Measurement:     payload.Measurement,
		ChipID:          payload.ChipID,
		PlatformVersion: payload.PlatformVersion,
		Signature:       []byte(payload.Signature),
		raw:             raw,
	}, nil
}

// devModeAllowed reports whether ENCLAVEWORKER_DEV_MODE permits startup
// to continue after a failed attestation.
func devModeAllowed() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("ENCLAVEWORKER_DEV_MODE")), "true")
}

// DevModeAllowed is the exported check the bootstrapper uses to decide
// whether an attestation failure is fatal.
func DevModeAllowed() bool { return devModeAllowed() }
