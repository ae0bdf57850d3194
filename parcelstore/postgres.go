package parcelstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a pgx-backed Store. It does not implement the
// subscription half of StreamActiveBoundForEndpoints' keepAlive mode
// with push notifications; keepAlive polls the parcels table on an
// interval instead, which is sufficient for the store's own
// at-least-once delivery contract.
type Postgres struct {
	pool *pgxpool.Pool
}

// Config holds the Postgres connection parameters, mirroring the
// fields used to build a pgx connection string elsewhere in this
// codebase.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgres opens a pooled connection and verifies it with Ping.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
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

// Schema is the DDL for the two tables this store uses: parcels and
// collection_acks. Callers run it once at provisioning time; this
// package does not migrate automatically.
const Schema = `
CREATE TABLE IF NOT EXISTS parcels (
	key                text PRIMARY KEY,
	serialized         bytea NOT NULL,
	recipient_address  text NOT NULL,
	created_at         timestamptz NOT NULL,
	ttl_seconds        bigint NOT NULL,
	direction          text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_parcels_recipient_direction ON parcels (recipient_address, direction);

CREATE TABLE IF NOT EXISTS collection_acks (
	sender_private_address text NOT NULL,
	recipient_address       text NOT NULL,
	parcel_id               text NOT NULL,
	expires_at              timestamptz NOT NULL,
	PRIMARY KEY (sender_private_address, recipient_address, parcel_id)
);
`

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks that the pool can still reach Postgres, for the
// gateway process's own health endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) StreamActiveBoundForEndpoints(ctx context.Context, addresses []string, keepAlive bool) (KeyStream, error) {
	stream := &postgresKeyStream{
		pool:      p.pool,
		addresses: addresses,
		keepAlive: keepAlive,
		seen:      make(map[string]bool),
		done:      make(chan struct{}),
	}
	if err := stream.poll(ctx); err != nil {
		return nil, err
	}
	return stream, nil
}

func (p *Postgres) Retrieve(ctx context.Context, key string, direction Direction) ([]byte, error) {
	var serialized []byte
	err := p.pool.QueryRow(ctx,
		`SELECT serialized FROM parcels WHERE key = $1 AND direction = $2`,
		key, string(direction),
	).Scan(&serialized)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve parcel %s: %w", key, err)
	}
	return serialized, nil
}

func (p *Postgres) Delete(ctx context.Context, key string, direction Direction) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM parcels WHERE key = $1 AND direction = $2`, key, string(direction))
	if err != nil {
		return fmt.Errorf("delete parcel %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) StoreEndpointBound(ctx context.Context, serialized []byte, recipientAddress string, ttl time.Duration) (string, error) {
	var key string
	err := p.pool.QueryRow(ctx,
		`INSERT INTO parcels (key, serialized, recipient_address, created_at, ttl_seconds, direction)
		 VALUES (gen_random_uuid()::text, $1, $2, now(), $3, $4)
		 RETURNING key`,
		serialized, recipientAddress, int64(ttl.Seconds()), string(TowardsInternet),
	).Scan(&key)
	if err != nil {
		return "", fmt.Errorf("store endpoint-bound parcel: %w", err)
	}
	return key, nil
}

func (p *Postgres) StoreReceivedParcel(ctx context.Context, serialized []byte, recipientAddress string, ttl time.Duration) (string, error) {
	var key string
	err := p.pool.QueryRow(ctx,
		`INSERT INTO parcels (key, serialized, recipient_address, created_at, ttl_seconds, direction)
		 VALUES (gen_random_uuid()::text, $1, $2, now(), $3, $4)
		 RETURNING key`,
		serialized, recipientAddress, int64(ttl.Seconds()), string(FromInternetToEndpoint),
	).Scan(&key)
	if err != nil {
		return "", fmt.Errorf("store received parcel: %w", err)
	}
	return key, nil
}

func (p *Postgres) ListInternetBound(ctx context.Context) ([]ListedParcel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, created_at + make_interval(secs => ttl_seconds) FROM parcels WHERE direction = $1`,
		string(TowardsInternet),
	)
	if err != nil {
		return nil, fmt.Errorf("list internet-bound parcels: %w", err)
	}
	defer rows.Close()

	var out []ListedParcel
	for rows.Next() {
		var lp ListedParcel
		if err := rows.Scan(&lp.Key, &lp.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan internet-bound parcel row: %w", err)
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteInternetBoundFromACK(ctx context.Context, ack PCA) error {
	return p.Delete(ctx, ack.ParcelID, TowardsInternet)
}

func (p *Postgres) SavePendingACK(ctx context.Context, ack PCA) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO collection_acks (sender_private_address, recipient_address, parcel_id, expires_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		ack.SenderPrivateAddress, ack.RecipientAddress, ack.ParcelID, ack.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save pending ack: %w", err)
	}
	return nil
}

func (p *Postgres) PendingACKs(ctx context.Context) ([]PCA, error) {
	rows, err := p.pool.Query(ctx, `SELECT sender_private_address, recipient_address, parcel_id, expires_at FROM collection_acks`)
	if err != nil {
		return nil, fmt.Errorf("list pending acks: %w", err)
	}
	defer rows.Close()

	var out []PCA
	for rows.Next() {
		var ack PCA
		if err := rows.Scan(&ack.SenderPrivateAddress, &ack.RecipientAddress, &ack.ParcelID, &ack.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan pending ack row: %w", err)
		}
		out = append(out, ack)
	}
	return out, rows.Err()
}

func (p *Postgres) ShipPendingACK(ctx context.Context, ack PCA) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM collection_acks WHERE sender_private_address = $1 AND recipient_address = $2 AND parcel_id = $3`,
		ack.SenderPrivateAddress, ack.RecipientAddress, ack.ParcelID,
	)
	if err != nil {
		return fmt.Errorf("ship pending ack: %w", err)
	}
	return nil
}

// postgresKeyStream polls the parcels table on an interval when
// keepAlive is set, re-offering any key it has not yet yielded to
// this particular stream.
type postgresKeyStream struct {
	pool      *pgxpool.Pool
	addresses []string
	keepAlive bool

	backlog []string
	seen    map[string]bool
	done    chan struct{}
}

const postgresStreamPollInterval = 2 * time.Second

func (s *postgresKeyStream) poll(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM parcels
		 WHERE recipient_address = ANY($1) AND direction = $2
		   AND created_at + make_interval(secs => ttl_seconds) > now()
		 ORDER BY created_at`,
		s.addresses, string(FromInternetToEndpoint),
	)
	if err != nil {
		return fmt.Errorf("poll active parcels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan active parcel row: %w", err)
		}
		if !s.seen[key] {
			s.seen[key] = true
			s.backlog = append(s.backlog, key)
		}
	}
	return rows.Err()
}

func (s *postgresKeyStream) Next(ctx context.Context) (string, bool, error) {
	for {
		if len(s.backlog) > 0 {
			key := s.backlog[0]
			s.backlog = s.backlog[1:]
			return key, true, nil
		}
		if !s.keepAlive {
			return "", false, nil
		}

		timer := time.NewTimer(postgresStreamPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-s.done:
			timer.Stop()
			return "", false, nil
		case <-timer.C:
		}

		if err := s.poll(ctx); err != nil {
			return "", false, err
		}
	}
}

func (s *postgresKeyStream) Cancel() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
