// Package courier implements C8 (the courier sync driver subprocess)
// and C9 (its stage notifier). The exit-code and stdio-IPC shape
// follows this module's cmd-line subprocess conventions, generalized
// to a two-phase collect/deliver sync.
package courier

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/google/uuid"

	"github.com/relaynet/gateway-core/cca"
	"github.com/relaynet/gateway-core/envelope"
	"github.com/relaynet/gateway-core/gwconfig"
	"github.com/relaynet/gateway-core/internal/gwerrors"
	"github.com/relaynet/gateway-core/internal/logger"
	"github.com/relaynet/gateway-core/internal/metrics"
	"github.com/relaynet/gateway-core/keystore"
	"github.com/relaynet/gateway-core/parcelstore"
)

// Courier transport and timing constants.
const (
	CourierPort                              = 21473
	DelayBetweenCollectionAndDeliverySeconds = 5
	CourierCheckTimeout                      = 3 * time.Second
	CourierCheckRetryInterval                = 500 * time.Millisecond
)

// Exit codes. Only these three values are ever returned by Run;
// callers (the cmd/gateway sync subcommand) pass them straight to
// os.Exit.
const (
	ExitOK                  = 0
	ExitUnregisteredGateway = 1
	ExitFailedSync          = 2
)

// CargoStream is a pull-based, cancellable lazy sequence of inbound
// cargo blobs, mirroring parcelstore.KeyStream's shape.
type CargoStream interface {
	Next(ctx context.Context) (cargo []byte, ok bool, err error)
}

// CargoSink is the deliver-phase's outbound half: send cargoes tagged
// with a local ID, then drain the acknowledgement-ID stream.
type CargoSink interface {
	Send(ctx context.Context, cargo []byte, localID string) error
	CloseSend() error
	NextAck(ctx context.Context) (localID string, ok bool, err error)
}

// CogRPCClient is C8's consumed interface: the collectCargo/
// deliverCargo RPCs over the courier's CogRPC transport. The CogRPC
// wire protocol itself is out of scope for this package; it only
// calls it.
type CogRPCClient interface {
	CollectCargo(ctx context.Context, ccaSerialized []byte) (CargoStream, error)
	DeliverCargo(ctx context.Context) (CargoSink, error)
	Close() error
}

// cargoEnvelopeInfo binds sealed cargo payloads (as opposed to sealed
// CCA authorization payloads, which use their own info string) to
// their purpose.
const cargoEnvelopeInfo = "gateway-core/cargo/v1"

// ClientFactory dials a CogRPC client for the courier reachable at
// addr (typically https://<default-gateway-ip>:21473).
type ClientFactory func(ctx context.Context, addr string) (CogRPCClient, error)

// Driver is C8.
type Driver struct {
	parcelStore parcelstore.Store
	keyStore    keystore.Store
	configStore gwconfig.Store
	newClient   ClientFactory
	notifier    *StageNotifier
	log         logger.Logger
}

// New builds a Driver.
func New(parcelStore parcelstore.Store, keyStore keystore.Store, configStore gwconfig.Store, newClient ClientFactory, notifier *StageNotifier, log logger.Logger) *Driver {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Driver{parcelStore: parcelStore, keyStore: keyStore, configStore: configStore, newClient: newClient, notifier: notifier, log: log}
}

// Run executes one full courier sync and returns the process exit
// code It never panics on a sync failure; any error
// during either phase is logged and converted to ExitFailedSync.
func (d *Driver) Run(ctx context.Context) int {
	publicAddress, registered, err := d.configStore.Get(ctx, gwconfig.KeyPublicGatewayAddress)
	if err != nil {
		d.log.Error("failed to read public gateway address", logger.Error(err))
		metrics.CourierSyncRuns.WithLabelValues("2").Inc()
		return ExitFailedSync
	}
	if !registered {
		d.log.Info("no public gateway registered, aborting sync")
		metrics.CourierSyncRuns.WithLabelValues("1").Inc()
		return ExitUnregisteredGateway
	}

	courierIP, err := DiscoverDefaultGatewayIPv4()
	if err != nil {
		d.log.Error("failed to discover default gateway", logger.Error(err))
		metrics.CourierSyncRuns.WithLabelValues("2").Inc()
		return ExitFailedSync
	}

	if err := ProbeCourier(ctx, courierIP); err != nil {
		d.log.Error("courier port unreachable", logger.String("ip", courierIP), logger.Error(err))
		metrics.CourierSyncRuns.WithLabelValues("2").Inc()
		return ExitFailedSync
	}

	client, err := d.newClient(ctx, fmt.Sprintf("https://%s:%d", courierIP, CourierPort))
	if err != nil {
		d.log.Error("failed to dial courier", logger.Error(err))
		metrics.CourierSyncRuns.WithLabelValues("2").Inc()
		return ExitFailedSync
	}
	defer client.Close()

	if err := d.collectPhase(ctx, client, publicAddress); err != nil {
		d.log.Error("collection phase failed", logger.Error(err))
		metrics.CourierSyncRuns.WithLabelValues("2").Inc()
		return ExitFailedSync
	}

	_ = d.notifier.Notify(StageWait)
	time.Sleep(DelayBetweenCollectionAndDeliverySeconds * time.Second)

	if err := d.deliverPhase(ctx, client); err != nil {
		d.log.Error("delivery phase failed", logger.Error(err))
		metrics.CourierSyncRuns.WithLabelValues("2").Inc()
		return ExitFailedSync
	}

	metrics.CourierSyncRuns.WithLabelValues("0").Inc()
	return ExitOK
}

// collectPhase is phase 1.
func (d *Driver) collectPhase(ctx context.Context, client CogRPCClient, publicAddress string) error {
	if err := d.notifier.Notify(StageCollection); err != nil {
		return err
	}

	ccaSerialized, err := d.buildCCA(ctx, publicAddress)
	if err != nil {
		return fmt.Errorf("build CCA: %w", err)
	}

	stream, err := client.CollectCargo(ctx, ccaSerialized)
	if err != nil {
		return fmt.Errorf("open cargo collection stream: %w", err)
	}

	identity, err := d.keyStore.GetCurrentKey(ctx)
	if err != nil {
		return fmt.Errorf("load current identity key: %w", err)
	}
	if identity == nil || identity.EncryptionPrivateKey == nil {
		return fmt.Errorf("no current identity encryption key to unwrap cargo payloads")
	}
	encPriv, err := envelope.UnmarshalPrivateKey(identity.EncryptionPrivateKey)
	if err != nil {
		return fmt.Errorf("unmarshal identity encryption key: %w", err)
	}

	for {
		sealed, ok, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("read collected cargo: %w", err)
		}
		if !ok {
			break
		}
		d.ingestCargo(ctx, sealed, encPriv)
	}
	return nil
}

// ingestCargo processes one collected cargo. Per-item failures never
// abort the sync: they are logged and the offending item is skipped,
// matching gwerrors.MalformedMessage's propagation rule.
func (d *Driver) ingestCargo(ctx context.Context, sealed []byte, encPriv kem.PrivateKey) {
	cargoBytes, err := envelope.Open(encPriv, []byte(cargoEnvelopeInfo), sealed)
	if err != nil {
		d.log.Info("skipping cargo that failed to open", logger.Error(err))
		metrics.CourierCargoesCollected.WithLabelValues("decrypt_failed").Inc()
		return
	}

	var cargo cca.Cargo
	if err := json.Unmarshal(cargoBytes, &cargo); err != nil {
		d.log.Info("skipping malformed cargo", logger.Error(gwerrors.MalformedMessage("parse cargo", err)))
		metrics.CourierCargoesCollected.WithLabelValues("malformed").Inc()
		return
	}

	certs, err := d.keyStore.FetchNodeCertificates(ctx)
	if err != nil {
		d.log.Error("failed to fetch node certificates", logger.Error(err))
		metrics.CourierCargoesCollected.WithLabelValues("unauthorized").Inc()
		return
	}
	if len(selfIssuedOnly(certs)) == 0 {
		d.log.Info("no self-issued certificates available, skipping cargo")
		metrics.CourierCargoesCollected.WithLabelValues("unauthorized").Inc()
		return
	}

	for _, msg := range cargo.Messages {
		d.ingestMessage(ctx, msg)
	}
	metrics.CourierCargoesCollected.WithLabelValues("ok").Inc()
}

func (d *Driver) ingestMessage(ctx context.Context, msg cca.Message) {
	switch msg.Kind {
	case cca.MessageParcel:
		var p parcelstore.Parcel
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			d.log.Info("skipping malformed parcel message", logger.Error(err))
			return
		}
		if _, err := d.parcelStore.StoreReceivedParcel(ctx, p.Serialized, p.RecipientAddress, p.TTL); err != nil {
			d.log.Error("failed to store received parcel", logger.Error(err))
		}
	case cca.MessagePCA:
		var ack parcelstore.PCA
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			d.log.Info("skipping malformed PCA message", logger.Error(err))
			return
		}
		if err := d.parcelStore.DeleteInternetBoundFromACK(ctx, ack); err != nil {
			d.log.Error("failed to apply PCA", logger.Error(err))
		}
	default:
		d.log.Info("skipping message of unknown kind", logger.String("kind", string(msg.Kind)))
	}
}

// selfIssuedOnly implements the "self-issued certificate filter"
// design note exactly: keep a certificate iff
// issuerPrivateAddress == subjectPrivateAddress.
func selfIssuedOnly(certs []keystore.Certificate) []keystore.Certificate {
	out := make([]keystore.Certificate, 0, len(certs))
	for _, c := range certs {
		if c.SelfIssued() {
			out = append(out, c)
		}
	}
	return out
}

// buildCCA signs and seals a CCA for publicAddress.
func (d *Driver) buildCCA(ctx context.Context, publicAddress string) ([]byte, error) {
	ccaIssuer, err := d.keyStore.GetOrCreateCCAIssuer(ctx)
	if err != nil {
		return nil, fmt.Errorf("get or create CCA issuer: %w", err)
	}

	identity, err := d.keyStore.GetCurrentKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current identity key: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("no current identity key")
	}

	now := time.Now()
	// The cargo-delivery-authorization certificate names this gateway's
	// own current identity key as its subject (not the public gateway's
	// identity key) and is issued by the CCA issuer.
	authCert := keystore.Certificate{
		SubjectPublicKey:    identity.Certificate.SubjectPublicKey,
		EncryptionPublicKey: identity.Certificate.EncryptionPublicKey,
		IssuerPrivateAddr:   ccaIssuer.Certificate.PrivateAddress(),
		NotBefore:           now,
		NotAfter:            now.Add(cca.CargoTTL),
	}
	authCert.Signature = ed25519.Sign(ccaIssuer.PrivateKey, authCert.SigningBytes())

	authCertBytes, err := json.Marshal(authCert)
	if err != nil {
		return nil, fmt.Errorf("serialize cargo-delivery-authorization certificate: %w", err)
	}

	publicGatewayCert, err := d.fetchPublicGatewayCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch public gateway identity certificate: %w", err)
	}
	encPub, err := envelope.UnmarshalPublicKey(publicGatewayCert.EncryptionPublicKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshal public gateway encryption key: %w", err)
	}

	sealed, err := envelope.Seal(encPub, []byte("gateway-core/cca/v1"), authCertBytes)
	if err != nil {
		return nil, fmt.Errorf("seal CCA payload: %w", err)
	}

	token, err := cca.Encode(ccaIssuer.PrivateKey, publicAddress, authCertBytes, sealed, now)
	if err != nil {
		return nil, fmt.Errorf("encode CCA: %w", err)
	}
	return []byte(token), nil
}

func (d *Driver) fetchPublicGatewayCertificate(ctx context.Context) (*keystore.Certificate, error) {
	encoded, ok, err := d.configStore.Get(ctx, gwconfig.KeyPublicGatewayIdentityCertificate)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no public gateway identity certificate stored; register first")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode stored certificate: %w", err)
	}
	var cert keystore.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, fmt.Errorf("parse stored certificate: %w", err)
	}
	return &cert, nil
}

// deliverPhase is phase 2.
func (d *Driver) deliverPhase(ctx context.Context, client CogRPCClient) error {
	if err := d.notifier.Notify(StageDelivery); err != nil {
		return err
	}

	sink, err := client.DeliverCargo(ctx)
	if err != nil {
		return fmt.Errorf("open cargo delivery sink: %w", err)
	}

	publicGatewayCert, err := d.fetchPublicGatewayCertificate(ctx)
	if err != nil {
		return fmt.Errorf("fetch public gateway identity certificate: %w", err)
	}
	encPub, err := envelope.UnmarshalPublicKey(publicGatewayCert.EncryptionPublicKey)
	if err != nil {
		return fmt.Errorf("unmarshal public gateway encryption key: %w", err)
	}

	pendingAcks, err := d.parcelStore.PendingACKs(ctx)
	if err != nil {
		return fmt.Errorf("list pending PCAs: %w", err)
	}
	for _, ack := range pendingAcks {
		payload, err := json.Marshal(ack)
		if err != nil {
			d.log.Error("failed to serialize pending PCA", logger.Error(err))
			continue
		}
		if err := d.sendMessage(ctx, sink, encPub, cca.MessagePCA, payload, ack.ExpiresAt); err != nil {
			return err
		}
		if err := d.parcelStore.ShipPendingACK(ctx, ack); err != nil {
			d.log.Error("failed to mark PCA shipped", logger.Error(err))
		}
	}

	listed, err := d.parcelStore.ListInternetBound(ctx)
	if err != nil {
		return fmt.Errorf("list internet-bound parcels: %w", err)
	}
	for _, lp := range listed {
		serialized, err := d.parcelStore.Retrieve(ctx, lp.Key, parcelstore.TowardsInternet)
		if err != nil {
			d.log.Error("failed to retrieve internet-bound parcel", logger.String("key", lp.Key), logger.Error(err))
			continue
		}
		if serialized == nil {
			continue // raced deletion between listing and retrieval
		}
		if err := d.sendMessage(ctx, sink, encPub, cca.MessageParcel, serialized, lp.ExpiresAt); err != nil {
			return err
		}
	}

	if err := sink.CloseSend(); err != nil {
		return fmt.Errorf("close delivery sink: %w", err)
	}

	for {
		localID, ok, err := sink.NextAck(ctx)
		if err != nil {
			return fmt.Errorf("read delivery ack: %w", err)
		}
		if !ok {
			break
		}
		d.log.Debug("cargo delivery acknowledged", logger.String("localId", localID))
		metrics.CourierCargoesDelivered.Inc()
	}
	return nil
}

func (d *Driver) sendMessage(ctx context.Context, sink CargoSink, recipientEncPub kem.PublicKey, kind cca.MessageKind, payload []byte, expiresAt time.Time) error {
	msg := cca.Message{Kind: kind, Payload: payload, ExpiresAt: expiresAt}
	cargo := cca.Cargo{Messages: []cca.Message{msg}, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(cca.CargoTTL)}
	cargoBytes, err := json.Marshal(cargo)
	if err != nil {
		return fmt.Errorf("serialize outbound cargo: %w", err)
	}
	sealed, err := envelope.Seal(recipientEncPub, []byte(cargoEnvelopeInfo), cargoBytes)
	if err != nil {
		return fmt.Errorf("seal outbound cargo: %w", err)
	}
	return sink.Send(ctx, sealed, uuid.NewString())
}

// DiscoverDefaultGatewayIPv4 finds the local machine's default
// network gateway by opening a UDP "connection" to a well-known
// Internet address and reading back the local address the kernel
// would route through — this never sends a packet, since UDP is
// connectionless, but it forces route resolution.
func DiscoverDefaultGatewayIPv4() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("resolve default route: %w", err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}

// ProbeCourier checks that the courier's CogRPC port is reachable: a
// 3 s total timeout, retrying every 500 ms.
func ProbeCourier(ctx context.Context, ip string) error {
	deadline := time.Now().Add(CourierCheckTimeout)
	addr := fmt.Sprintf("%s:%d", ip, CourierPort)

	var lastErr error
	for time.Now().Before(deadline) {
		dialer := net.Dialer{Timeout: CourierCheckRetryInterval}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(CourierCheckRetryInterval):
		}
	}
	return fmt.Errorf("courier port %s unreachable after %s: %w", addr, CourierCheckTimeout, lastErr)
}
