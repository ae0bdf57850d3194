// Package registrar implements C7: one-shot and idempotent
// registration with a public gateway over a consumed PoWeb-style RPC
// client. The flow (pre-register then register, signing in between)
// is generalized to this module's certificate and config stores.
package registrar

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/relaynet/gateway-core/gwconfig"
	"github.com/relaynet/gateway-core/internal/gwerrors"
	"github.com/relaynet/gateway-core/internal/logger"
	"github.com/relaynet/gateway-core/internal/metrics"
	"github.com/relaynet/gateway-core/keystore"
)

// PrivateNodeRegistrationRequest is signed by the node's private key
// and sent to registerNode.
type PrivateNodeRegistrationRequest struct {
	PublicKey               ed25519.PublicKey
	RegistrationAuthorization []byte
	Signature                 []byte
}

// SigningBytes is the canonical payload signed to produce Signature.
func (r PrivateNodeRegistrationRequest) SigningBytes() []byte {
	out := make([]byte, 0, len(r.PublicKey)+len(r.RegistrationAuthorization))
	out = append(out, r.PublicKey...)
	out = append(out, r.RegistrationAuthorization...)
	return out
}

// PrivateNodeRegistration is what registerNode returns on success.
type PrivateNodeRegistration struct {
	PrivateNodeCertificate         keystore.Certificate
	PublicGatewayIdentityCertificate keystore.Certificate
}

// PoWebClient is C7's consumed interface: the two RPCs used to
// register with a public gateway. Resolution (DNS/SRV)
// and transport (TLS, HTTP) are delegated to whatever constructs this
// client; this package only calls it.
type PoWebClient interface {
	PreRegisterNode(ctx context.Context, publicKey ed25519.PublicKey) (authorization []byte, err error)
	RegisterNode(ctx context.Context, req PrivateNodeRegistrationRequest) (*PrivateNodeRegistration, error)
	Close() error
}

// ClientFactory resolves a PoWebClient for a public gateway address.
// Kept as a function type so tests can substitute a fake without a
// real network resolver.
type ClientFactory func(ctx context.Context, publicAddress string) (PoWebClient, error)

// Registrar is C7.
type Registrar struct {
	keyStore    keystore.Store
	configStore gwconfig.Store
	newClient   ClientFactory
	log         logger.Logger
}

// New builds a Registrar. newClient resolves a PoWeb client for a
// given public gateway address (DNS/SRV resolution is the factory's
// concern, not this package's).
func New(keyStore keystore.Store, configStore gwconfig.Store, newClient ClientFactory, log logger.Logger) *Registrar {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Registrar{keyStore: keyStore, configStore: configStore, newClient: newClient, log: log}
}

// Register performs the two-round-trip registration against
// publicAddress. It is idempotent: if this gateway is
// already registered with publicAddress, it returns immediately
// without any network I/O.
//
// Any network or cryptographic failure aborts with a RegistrationError
// and commits no partial state: the node certificate and the public
// gateway address are persisted only after both RPCs have succeeded.
func (r *Registrar) Register(ctx context.Context, publicAddress string) error {
	current, ok, err := r.configStore.Get(ctx, gwconfig.KeyPublicGatewayAddress)
	if err != nil {
		return gwerrors.Registration("read current public gateway address", err)
	}
	if ok && current == publicAddress {
		metrics.RegistrationAttempts.WithLabelValues("skipped_idempotent").Inc()
		r.log.Debug("already registered with this public gateway, skipping", logger.String("publicAddress", publicAddress))
		return nil
	}

	client, err := r.newClient(ctx, publicAddress)
	if err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("resolve PoWeb client for "+publicAddress, err)
	}
	defer client.Close()

	identity, err := r.keyStore.GetCurrentKey(ctx)
	if err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("load current node key", err)
	}
	if identity == nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("no current node key to register", nil)
	}

	authorization, err := client.PreRegisterNode(ctx, identity.Certificate.SubjectPublicKey)
	if err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("pre-register node", err)
	}

	req := PrivateNodeRegistrationRequest{
		PublicKey:                 identity.Certificate.SubjectPublicKey,
		RegistrationAuthorization: authorization,
	}
	req.Signature = ed25519.Sign(identity.PrivateKey, req.SigningBytes())

	registration, err := client.RegisterNode(ctx, req)
	if err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("register node", err)
	}

	// Persist only now that the full round-trip succeeded: node
	// certificate first, then the public gateway's certificate, and
	// last the address that marks us as registered.
	newIdentity := keystore.KeyPair{
		PrivateKey:  identity.PrivateKey,
		Certificate: registration.PrivateNodeCertificate,
	}
	if err := r.keyStore.SaveNodeKey(ctx, newIdentity); err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("persist issued node certificate", err)
	}

	certBytes, err := json.Marshal(registration.PublicGatewayIdentityCertificate)
	if err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("serialize public gateway identity certificate", err)
	}
	if err := r.configStore.Set(ctx, gwconfig.KeyPublicGatewayIdentityCertificate, base64.StdEncoding.EncodeToString(certBytes)); err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("persist public gateway identity certificate", err)
	}
	if err := r.configStore.Set(ctx, gwconfig.KeyPublicGatewayAddress, publicAddress); err != nil {
		metrics.RegistrationAttempts.WithLabelValues("failure").Inc()
		return gwerrors.Registration("persist public gateway address", err)
	}

	metrics.RegistrationAttempts.WithLabelValues("success").Inc()
	r.log.Info("registered with public gateway",
		logger.String("publicAddress", publicAddress),
		logger.String("privateAddress", registration.PrivateNodeCertificate.PrivateAddress()),
	)
	return nil
}

// RegisterIfUnregistered registers against defaultPublicGateway only
// if no public gateway address is currently stored; otherwise it is a
// no-op.
func (r *Registrar) RegisterIfUnregistered(ctx context.Context, defaultPublicGateway string) error {
	registered, err := gwconfig.IsRegistered(ctx, r.configStore)
	if err != nil {
		return gwerrors.Registration("check registration status", err)
	}
	if registered {
		return nil
	}
	return r.Register(ctx, defaultPublicGateway)
}

// registrationTimeout bounds the two RPCs of a single registration
// attempt; it is not configurable, leaving the PoWeb client's own
// transport timeouts as the only other knob.
const registrationTimeout = 30 * time.Second

// WithTimeout wraps ctx with registrationTimeout, for callers (the
// register CLI subcommand) that don't already bound the call.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, registrationTimeout)
}

