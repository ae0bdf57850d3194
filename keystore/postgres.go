package keystore

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaynet/gateway-core/parcelstore"
)

// Postgres is a pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pooled connection, reusing parcelstore.Config
// for the connection parameters since both stores share one
// database in a typical deployment.
func NewPostgres(ctx context.Context, cfg parcelstore.Config) (*Postgres, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Schema is the DDL for this store's tables.
const Schema = `
CREATE TABLE IF NOT EXISTS node_keys (
	id                     bigserial PRIMARY KEY,
	kind                   text NOT NULL, -- 'identity' or 'cca_issuer'
	private_key            bytea NOT NULL,
	public_key             bytea NOT NULL,
	encryption_private_key bytea NOT NULL,
	encryption_public_key  bytea NOT NULL,
	issuer_priv_addr       text NOT NULL,
	not_before             timestamptz NOT NULL,
	not_after              timestamptz NOT NULL,
	signature              bytea NOT NULL,
	is_current             boolean NOT NULL DEFAULT true,
	created_at             timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_node_keys_kind_current ON node_keys (kind, is_current);
`

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) GetCurrentKey(ctx context.Context) (*KeyPair, error) {
	return p.getCurrent(ctx, "identity")
}

func (p *Postgres) getCurrent(ctx context.Context, kind string) (*KeyPair, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT private_key, public_key, encryption_private_key, encryption_public_key,
		        issuer_priv_addr, not_before, not_after, signature
		 FROM node_keys WHERE kind = $1 AND is_current = true
		 ORDER BY created_at DESC LIMIT 1`,
		kind,
	)

	var kp KeyPair
	var pub []byte
	err := row.Scan(&kp.PrivateKey, &pub, &kp.EncryptionPrivateKey, &kp.Certificate.EncryptionPublicKey,
		&kp.Certificate.IssuerPrivateAddr, &kp.Certificate.NotBefore, &kp.Certificate.NotAfter, &kp.Certificate.Signature)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current %s key: %w", kind, err)
	}
	kp.Certificate.SubjectPublicKey = ed25519.PublicKey(pub)
	return &kp, nil
}

func (p *Postgres) FetchNodeCertificates(ctx context.Context) ([]Certificate, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT public_key, encryption_public_key, issuer_priv_addr, not_before, not_after, signature
		 FROM node_keys WHERE kind = 'identity'`,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch node certificates: %w", err)
	}
	defer rows.Close()

	var out []Certificate
	for rows.Next() {
		var cert Certificate
		var pub []byte
		if err := rows.Scan(&pub, &cert.EncryptionPublicKey, &cert.IssuerPrivateAddr, &cert.NotBefore, &cert.NotAfter, &cert.Signature); err != nil {
			return nil, fmt.Errorf("scan node certificate row: %w", err)
		}
		cert.SubjectPublicKey = ed25519.PublicKey(pub)
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (p *Postgres) GetOrCreateCCAIssuer(ctx context.Context) (*KeyPair, error) {
	existing, err := p.getCurrent(ctx, "cca_issuer")
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Certificate.Valid(time.Now()) {
		return existing, nil
	}

	kp, err := generateSelfIssued(30 * 24 * time.Hour)
	if err != nil {
		return nil, fmt.Errorf("generate cca issuer key: %w", err)
	}
	if err := p.insertKey(ctx, "cca_issuer", *kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func (p *Postgres) SaveNodeKey(ctx context.Context, kp KeyPair) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save node key: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE node_keys SET is_current = false WHERE kind = 'identity' AND is_current = true`); err != nil {
		return fmt.Errorf("retire previous node key: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO node_keys (kind, private_key, public_key, encryption_private_key, encryption_public_key, issuer_priv_addr, not_before, not_after, signature, is_current)
		 VALUES ('identity', $1, $2, $3, $4, $5, $6, $7, $8, true)`,
		[]byte(kp.PrivateKey), []byte(kp.Certificate.SubjectPublicKey), kp.EncryptionPrivateKey, kp.Certificate.EncryptionPublicKey,
		kp.Certificate.IssuerPrivateAddr, kp.Certificate.NotBefore, kp.Certificate.NotAfter, kp.Certificate.Signature,
	); err != nil {
		return fmt.Errorf("insert node key: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) insertKey(ctx context.Context, kind string, kp KeyPair) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE node_keys SET is_current = false WHERE kind = $1 AND is_current = true`, kind)
	if err != nil {
		return fmt.Errorf("retire previous %s key: %w", kind, err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO node_keys (kind, private_key, public_key, encryption_private_key, encryption_public_key, issuer_priv_addr, not_before, not_after, signature, is_current)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true)`,
		kind, []byte(kp.PrivateKey), []byte(kp.Certificate.SubjectPublicKey), kp.EncryptionPrivateKey, kp.Certificate.EncryptionPublicKey,
		kp.Certificate.IssuerPrivateAddr, kp.Certificate.NotBefore, kp.Certificate.NotAfter, kp.Certificate.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert %s key: %w", kind, err)
	}
	return nil
}
