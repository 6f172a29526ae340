// Package capability defines the owner-signed payloads of the capability
// registry wire protocol. They live outside the authority service so offline
// tooling can produce envelopes the service will accept.
package capability

// RegistrationPayload is the owner-signed body of a capability grant.
// Amounts ride as decimal strings so the signed bytes are unambiguous.
type RegistrationPayload struct {
	Delegate        string   `json:"delegate"`
	Target          string   `json:"target"`
	Operations      []string `json:"operations"`
	MaxPerOperation string   `json:"max_per_operation"`
	MaxCumulative   string   `json:"max_cumulative"`
	ExpiresAt       string   `json:"expires_at"`
	Nonce           string   `json:"nonce"`
}

// RevocationPayload is the owner-signed body of a revocation.
type RevocationPayload struct {
	CapabilityID string `json:"capability_id"`
	Nonce        string `json:"nonce"`
}
