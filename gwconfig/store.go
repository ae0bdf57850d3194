// Package gwconfig implements C3, the config store: a small
// key-to-string mapping persisted across restarts. The well-known
// keys are the Key* constants below; the registrar writes
// KeyPublicGatewayAddress and KeyPublicGatewayIdentityCertificate,
// and nothing in this module writes the two serial-number keys.
package gwconfig

import "context"

// Well-known config keys.
const (
	KeyPublicGatewayAddress    = "public_gateway_address"
	KeyNodeKeySerialNumber     = "node_key_serial_number"
	KeyCCAIssuerKeySerialNumber = "cca_issuer_key_serial_number"

	// KeyPublicGatewayIdentityCertificate holds the public gateway's
	// identity certificate returned by registration (base64-encoded
	// JSON), so the courier sync driver can later seal CCAs to it
	// without a dedicated peer-certificate store.
	KeyPublicGatewayIdentityCertificate = "public_gateway_identity_certificate"
)

// Store is C3's consumed interface: get(key) -> string|null,
// set(key, string).
type Store interface {
	// Get returns the stored value for key, or ("", false) if unset.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set persists value under key, overwriting any existing value.
	Set(ctx context.Context, key, value string) error
	Close() error
}

// IsRegistered reports whether a public gateway address is present:
// a missing public_gateway_address means the gateway is unregistered.
func IsRegistered(ctx context.Context, s Store) (bool, error) {
	_, ok, err := s.Get(ctx, KeyPublicGatewayAddress)
	return ok, err
}
