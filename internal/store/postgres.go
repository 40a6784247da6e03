package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// PostgresConfig holds the connection settings for the Postgres store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Postgres is the Store implementation over a Postgres database via the pgx
// stdlib driver. Token transitions use a conditional UPDATE so the
// ISSUED -> {CONFIRMED|CANCELLED} race has exactly one winner.
type Postgres struct {
	db *sql.DB
}

// ConnectPostgres opens the database with retry and seeds the schema plus the
// initial weight set version if the installation is empty.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig, initial types.WeightSet) (*Postgres, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database)

	const (
		maxRetries = 10
		retryDelay = 2 * time.Second
		pingTTL    = 5 * time.Second
	)

	var db *sql.DB
	var err error

	for i := 1; i <= maxRetries; i++ {
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, pingTTL)
			err = db.PingContext(pctx)
			cancel()
			if err == nil {
				break
			}
			_ = db.Close()
			db = nil
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("database connect canceled: %w", ctx.Err())
		}
	}
	if db == nil {
		return nil, fmt.Errorf("database unreachable after %d attempts: %w", maxRetries, err)
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := p.seedWeights(ctx, initial); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS confirmation_tokens (
	token            TEXT PRIMARY KEY,
	order_request_id TEXT NOT NULL,
	payload          JSONB NOT NULL,
	state            TEXT NOT NULL,
	issued_at        TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS score_calculations (
	attempt_id         TEXT NOT NULL,
	provider_id        TEXT NOT NULL,
	weight_set_version INT NOT NULL,
	weighted_total     DOUBLE PRECISION NOT NULL,
	factors            JSONB NOT NULL,
	rank               INT NOT NULL,
	was_selected       BOOLEAN NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (attempt_id, provider_id)
);
CREATE TABLE IF NOT EXISTS orders (
	order_id    TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	token       TEXT NOT NULL,
	placed_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS order_outcomes (
	order_id                TEXT PRIMARY KEY,
	provider_id             TEXT NOT NULL,
	was_successful          BOOLEAN NOT NULL,
	actual_delivery_minutes DOUBLE PRECISION NOT NULL,
	items_delivered         INT NOT NULL,
	items_ordered           INT NOT NULL,
	user_rating             DOUBLE PRECISION NOT NULL,
	issues                  JSONB,
	recorded_at             TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS weight_sets (
	version    INT PRIMARY KEY,
	payload    JSONB NOT NULL,
	source     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) seedWeights(ctx context.Context, initial types.WeightSet) error {
	initial.Version = 1
	payload, err := json.Marshal(initial)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO weight_sets (version, payload, source, created_at)
		 VALUES (1, $1, $2, $3) ON CONFLICT (version) DO NOTHING`,
		payload, initial.Source, initial.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to seed weight set: %w", err)
	}
	return nil
}

func (p *Postgres) SaveToken(ctx context.Context, token *types.ConfirmationToken) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO confirmation_tokens (token, order_request_id, payload, state, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.Token, token.OrderRequestID, payload, string(token.State), token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (p *Postgres) GetToken(ctx context.Context, token string) (*types.ConfirmationToken, error) {
	var payload []byte
	var state string
	err := p.db.QueryRowContext(ctx,
		`SELECT payload, state FROM confirmation_tokens WHERE token = $1`, token).
		Scan(&payload, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	var t types.ConfirmationToken
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	// The state column is authoritative; the payload is a snapshot from issuance.
	t.State = types.TokenState(state)
	return &t, nil
}

func (p *Postgres) TransitionToken(ctx context.Context, token string, from, to types.TokenState) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE confirmation_tokens SET state = $1 WHERE token = $2 AND state = $3`,
		string(to), token, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	// Lost the race or the token never existed; distinguish for the caller.
	var state string
	err = p.db.QueryRowContext(ctx,
		`SELECT state FROM confirmation_tokens WHERE token = $1`, token).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read token state: %w", err)
	}
	return fmt.Errorf("%w: token is %s", types.ErrTokenAlreadyUsed, state)
}

func (p *Postgres) ArchiveExpiredTokens(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM confirmation_tokens WHERE expires_at < $1`, now.Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to archive tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (p *Postgres) SaveScoreCalculations(ctx context.Context, calcs []types.ScoreCalculation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range calcs {
		factors, err := json.Marshal(c.Factors)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO score_calculations (attempt_id, provider_id, weight_set_version, weighted_total, factors, rank, was_selected, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.AttemptID, c.ProviderID, c.WeightSetVersion, c.WeightedTotal, factors, c.Rank, c.WasSelected, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save score calculation: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListScoreCalculations(ctx context.Context, attemptID string) ([]types.ScoreCalculation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT attempt_id, provider_id, weight_set_version, weighted_total, factors, rank, was_selected, created_at
		 FROM score_calculations WHERE attempt_id = $1 ORDER BY rank`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list score calculations: %w", err)
	}
	defer rows.Close()

	var out []types.ScoreCalculation
	for rows.Next() {
		var c types.ScoreCalculation
		var factors []byte
		if err := rows.Scan(&c.AttemptID, &c.ProviderID, &c.WeightSetVersion, &c.WeightedTotal, &factors, &c.Rank, &c.WasSelected, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(factors, &c.Factors); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveOrder(ctx context.Context, order *types.Order) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO orders (order_id, provider_id, token, placed_at) VALUES ($1, $2, $3, $4)`,
		order.OrderID, order.ProviderID, order.Token, order.PlacedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (p *Postgres) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var o types.Order
	err := p.db.QueryRowContext(ctx,
		`SELECT order_id, provider_id, token, placed_at FROM orders WHERE order_id = $1`, orderID).
		Scan(&o.OrderID, &o.ProviderID, &o.Token, &o.PlacedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &o, nil
}

func (p *Postgres) InsertOutcome(ctx context.Context, outcome *types.OrderOutcome) error {
	issues, err := json.Marshal(outcome.Issues)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO order_outcomes (order_id, provider_id, was_successful, actual_delivery_minutes, items_delivered, items_ordered, user_rating, issues, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (order_id) DO NOTHING`,
		outcome.OrderID, outcome.ProviderID, outcome.WasSuccessful, outcome.ActualDeliveryMinutes,
		outcome.ItemsDelivered, outcome.ItemsOrdered, outcome.UserRating, issues, outcome.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.ErrOutcomeAlreadyRecorded
	}
	return nil
}

func (p *Postgres) ListOutcomes(ctx context.Context, providerID string) ([]types.OrderOutcome, error) {
	return p.queryOutcomes(ctx,
		`SELECT order_id, provider_id, was_successful, actual_delivery_minutes, items_delivered, items_ordered, user_rating, issues, recorded_at
		 FROM order_outcomes WHERE provider_id = $1 ORDER BY recorded_at`, providerID)
}

func (p *Postgres) ListAllOutcomes(ctx context.Context) ([]types.OrderOutcome, error) {
	return p.queryOutcomes(ctx,
		`SELECT order_id, provider_id, was_successful, actual_delivery_minutes, items_delivered, items_ordered, user_rating, issues, recorded_at
		 FROM order_outcomes ORDER BY recorded_at`)
}

func (p *Postgres) queryOutcomes(ctx context.Context, query string, args ...interface{}) ([]types.OrderOutcome, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var out []types.OrderOutcome
	for rows.Next() {
		var o types.OrderOutcome
		var issues []byte
		if err := rows.Scan(&o.OrderID, &o.ProviderID, &o.WasSuccessful, &o.ActualDeliveryMinutes,
			&o.ItemsDelivered, &o.ItemsOrdered, &o.UserRating, &issues, &o.RecordedAt); err != nil {
			return nil, err
		}
		if len(issues) > 0 {
			if err := json.Unmarshal(issues, &o.Issues); err != nil {
				return nil, err
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) CurrentWeightSet(ctx context.Context) (types.WeightSet, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM weight_sets WHERE source NOT LIKE 'preset%' ORDER BY version DESC LIMIT 1`).Scan(&payload)
	if err != nil {
		return types.WeightSet{}, fmt.Errorf("failed to load current weight set: %w", err)
	}
	var ws types.WeightSet
	if err := json.Unmarshal(payload, &ws); err != nil {
		return types.WeightSet{}, err
	}
	return ws, nil
}

func (p *Postgres) PublishWeightSet(ctx context.Context, ws types.WeightSet) (types.WeightSet, error) {
	// Version assignment and insert in one transaction; the primary key on
	// version rejects a concurrent publisher that read the same max.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WeightSet{}, err
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM weight_sets`).Scan(&current); err != nil {
		return types.WeightSet{}, fmt.Errorf("failed to read max version: %w", err)
	}

	ws.Version = current + 1
	payload, err := json.Marshal(ws)
	if err != nil {
		return types.WeightSet{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO weight_sets (version, payload, source, created_at) VALUES ($1, $2, $3, $4)`,
		ws.Version, payload, ws.Source, ws.CreatedAt)
	if err != nil {
		return types.WeightSet{}, fmt.Errorf("failed to publish weight set: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.WeightSet{}, err
	}
	return ws, nil
}

func (p *Postgres) GetWeightSet(ctx context.Context, version int) (types.WeightSet, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM weight_sets WHERE version = $1`, version).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WeightSet{}, fmt.Errorf("weight set version %d not found", version)
	}
	if err != nil {
		return types.WeightSet{}, err
	}
	var ws types.WeightSet
	if err := json.Unmarshal(payload, &ws); err != nil {
		return types.WeightSet{}, err
	}
	return ws, nil
}

func (p *Postgres) FindWeightSetBySource(ctx context.Context, source string) (types.WeightSet, bool, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM weight_sets WHERE source = $1 ORDER BY version DESC LIMIT 1`, source).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WeightSet{}, false, nil
	}
	if err != nil {
		return types.WeightSet{}, false, err
	}
	var ws types.WeightSet
	if err := json.Unmarshal(payload, &ws); err != nil {
		return types.WeightSet{}, false, err
	}
	return ws, true, nil
}

func (p *Postgres) RecentOutcomeSamples(ctx context.Context, limit int) ([]types.OutcomeSample, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT oo.order_id, oo.was_successful, oo.recorded_at, sc.factors
		 FROM order_outcomes oo
		 JOIN orders o ON o.order_id = oo.order_id
		 JOIN confirmation_tokens t ON t.token = o.token
		 JOIN score_calculations sc ON sc.attempt_id = t.order_request_id AND sc.provider_id = oo.provider_id
		 ORDER BY oo.recorded_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcome samples: %w", err)
	}
	defer rows.Close()

	var samples []types.OutcomeSample
	for rows.Next() {
		var s types.OutcomeSample
		var factors []byte
		if err := rows.Scan(&s.OrderID, &s.WasSuccessful, &s.RecordedAt, &factors); err != nil {
			return nil, err
		}
		var scored map[string]types.FactorScore
		if err := json.Unmarshal(factors, &scored); err != nil {
			return nil, err
		}
		s.Factors = make(map[string]float64, len(scored))
		for f, fs := range scored {
			s.Factors[f] = fs.Normalized
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
