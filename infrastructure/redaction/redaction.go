// Package redaction provides the two-tier field redactor that guarantees
// no credential and no business datum crosses the trust boundary in a log
// line or metric sample.
//
// Both tiers are always active, in every build and environment — that is
// the property that lets an auditor prove, by static inspection of the
// enclave's log stream, that nothing sensitive leaves the boundary. There
// is no config flag to disable either tier.
package redaction

import "strings"

// RedactedValue is the literal sentinel substituted for any matched field.
const RedactedValue = "[REDACTED]"

// credentialFields (tier 1) catches API keys, secrets, tokens, and anything
// that looks like encrypted material.
var credentialFields = []string{
	"api-key", "apikey", "secret", "token", "password", "passphrase",
	"private-key", "privatekey", "jwt", "authorization", "auth",
	"encrypted", "master-key", "masterkey", "credential",
}

// businessFields (tier 2) catches identifiers and amounts the gateway must
// never see, even in aggregate form, per spec.
var businessFields = []string{
	"user-id", "userid", "account-id", "accountid", "exchange", "broker", "venue",
	"balance", "equity", "amount", "price", "pnl", "fee", "deposit",
	"withdrawal", "trade", "position", "order", "quantity", "size",
	"volume", "synced", "count", "name", "email", "phone", "address",
	"ssn", "tax-id", "taxid",
}

// Redactor descends a JSON-like value and replaces the value of any field
// whose name matches either pattern tier with RedactedValue.
type Redactor struct{}

// New constructs a Redactor. It takes no configuration: the pattern tiers
// are fixed by design (see package doc).
func New() *Redactor {
	return &Redactor{}
}

// RedactFields filters a flat field map, the shape logrus.Fields and
// Prometheus label sets both take. Metric and log *names* are never
// passed through this function — only their field/label maps are.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveField(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.RedactFields(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = r.redactValue(item)
		}
		return result
	default:
		return v
	}
}

// isSensitiveField reports whether fieldName matches either redaction
// tier. Matching is substring-based and case-insensitive, with "_" treated
// as "-", deliberately blunt: a metric counter logged under a field such
// as "snapshot_count" is swept up by the "count" pattern, and that is
// accepted by design (see redaction-scope design note) rather than narrowed.
func isSensitiveField(fieldName string) bool {
	lower := strings.ReplaceAll(strings.ToLower(fieldName), "_", "-")
	for _, pattern := range credentialFields {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	for _, pattern := range businessFields {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// IsSensitiveField exposes the field-name check directly, for callers
// (like the RPC error mapper) that need to decide whether to drop a
// single field rather than redact a whole map.
func IsSensitiveField(fieldName string) bool {
	return isSensitiveField(fieldName)
}
