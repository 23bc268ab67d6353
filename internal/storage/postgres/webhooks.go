package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

const configColumns = `id, scope, url, secret, event_types, active, max_retries,
	backoff_base_ms, backoff_multiplier, backoff_max_ms, rate_rps, rate_burst, created_at`

const deliveryColumns = `id, config_id, event_id, attempt_count, status, last_response,
	next_retry_at, created_at, updated_at`

// CreateWebhookConfig stores a subscriber config.
func (s *Store) CreateWebhookConfig(ctx context.Context, cfg analysis.WebhookConfig) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO webhook_configs (`+configColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		cfg.ID, cfg.Scope, cfg.URL, cfg.Secret, eventTypeStrings(cfg.EventTypes), cfg.Active, cfg.MaxRetries,
		cfg.Backoff.Base.Milliseconds(), cfg.Backoff.Multiplier, cfg.Backoff.Max.Milliseconds(),
		cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook config: %w", err)
	}
	return nil
}

// SetWebhookActive toggles a config's active flag.
func (s *Store) SetWebhookActive(ctx context.Context, configID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_configs SET active = $2 WHERE id = $1`, configID, active)
	if err != nil {
		return fmt.Errorf("update webhook config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrNotFound
	}
	return nil
}

// GetWebhookConfig fetches a config by ID.
func (s *Store) GetWebhookConfig(ctx context.Context, configID string) (analysis.WebhookConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM webhook_configs WHERE id = $1`, configID)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.WebhookConfig{}, analysis.ErrNotFound
	}
	return cfg, err
}

// ListWebhookConfigs returns the scope's configs in creation order.
func (s *Store) ListWebhookConfigs(ctx context.Context, scope string) ([]analysis.WebhookConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+configColumns+` FROM webhook_configs WHERE scope = $1 ORDER BY created_at, id`, scope)
	if err != nil {
		return nil, fmt.Errorf("query webhook configs: %w", err)
	}
	defer rows.Close()
	var configs []analysis.WebhookConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook configs: %w", err)
	}
	return configs, nil
}

// CreateDelivery inserts d unless a row exists for its (config, event) pair.
func (s *Store) CreateDelivery(
	ctx context.Context,
	d analysis.WebhookDelivery,
) (analysis.WebhookDelivery, bool, error) {
	lastResponse, err := marshalResponse(d.LastResponse)
	if err != nil {
		return analysis.WebhookDelivery{}, false, err
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO webhook_deliveries (`+deliveryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (config_id, event_id) DO NOTHING
RETURNING `+deliveryColumns,
		d.ID, d.ConfigID, d.EventID, d.AttemptCount, string(d.Status), lastResponse,
		d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	created, err := scanDelivery(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return analysis.WebhookDelivery{}, false, err
	}
	row = s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE config_id = $1 AND event_id = $2`,
		d.ConfigID, d.EventID)
	existing, err := scanDelivery(row)
	if err != nil {
		return analysis.WebhookDelivery{}, false, fmt.Errorf("load existing delivery: %w", err)
	}
	return existing, false, nil
}

// GetDelivery fetches a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (analysis.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, deliveryID)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.WebhookDelivery{}, analysis.ErrNotFound
	}
	return d, err
}

// UpdateDelivery records an attempt if the row is still pending at expectedAttempts.
func (s *Store) UpdateDelivery(ctx context.Context, d analysis.WebhookDelivery, expectedAttempts int) error {
	lastResponse, err := marshalResponse(d.LastResponse)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE webhook_deliveries SET
	attempt_count = $2, status = $3, last_response = $4, next_retry_at = $5, updated_at = $6
WHERE id = $1 AND status = 'pending' AND attempt_count = $7`,
		d.ID, d.AttemptCount, string(d.Status), lastResponse, d.NextRetryAt, d.UpdatedAt, expectedAttempts,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrVersionConflict
	}
	return nil
}

// ClaimDelivery pushes next_retry_at forward if the row is pending and due.
func (s *Store) ClaimDelivery(
	ctx context.Context,
	deliveryID string,
	now, until time.Time,
) (analysis.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE webhook_deliveries SET next_retry_at = $3, updated_at = $2
WHERE id = $1 AND status = 'pending' AND next_retry_at <= $2
RETURNING `+deliveryColumns, deliveryID, now, until)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.WebhookDelivery{}, analysis.ErrVersionConflict
	}
	return d, err
}

// ListDueDeliveries returns pending rows whose retry time has passed.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]analysis.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE status = 'pending' AND next_retry_at <= $1
ORDER BY next_retry_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// ListDeliveriesByEvent returns every delivery row for the event.
func (s *Store) ListDeliveriesByEvent(ctx context.Context, eventID string) ([]analysis.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query event deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func collectDeliveries(rows pgx.Rows) ([]analysis.WebhookDelivery, error) {
	defer rows.Close()
	var out []analysis.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func scanConfig(row rowScanner) (analysis.WebhookConfig, error) {
	var (
		cfg           analysis.WebhookConfig
		eventTypes    []string
		baseMs, maxMs int64
	)
	err := row.Scan(&cfg.ID, &cfg.Scope, &cfg.URL, &cfg.Secret, &eventTypes, &cfg.Active, &cfg.MaxRetries,
		&baseMs, &cfg.Backoff.Multiplier, &maxMs, &cfg.RateLimit.RPS, &cfg.RateLimit.Burst, &cfg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.WebhookConfig{}, err
		}
		return analysis.WebhookConfig{}, fmt.Errorf("scan webhook config: %w", err)
	}
	for _, t := range eventTypes {
		cfg.EventTypes = append(cfg.EventTypes, analysis.EventType(t))
	}
	cfg.Backoff.Base = time.Duration(baseMs) * time.Millisecond
	cfg.Backoff.Max = time.Duration(maxMs) * time.Millisecond
	return cfg, nil
}

func scanDelivery(row rowScanner) (analysis.WebhookDelivery, error) {
	var (
		d            analysis.WebhookDelivery
		status       string
		lastResponse []byte
	)
	err := row.Scan(&d.ID, &d.ConfigID, &d.EventID, &d.AttemptCount, &status, &lastResponse,
		&d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.WebhookDelivery{}, err
		}
		return analysis.WebhookDelivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.Status = analysis.DeliveryStatus(status)
	if len(lastResponse) > 0 {
		d.LastResponse = &analysis.ResponseSummary{}
		if err := json.Unmarshal(lastResponse, d.LastResponse); err != nil {
			return analysis.WebhookDelivery{}, fmt.Errorf("decode last response: %w", err)
		}
	}
	return d, nil
}

func marshalResponse(resp *analysis.ResponseSummary) (any, error) {
	if resp == nil {
		return nil, nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response summary: %w", err)
	}
	return raw, nil
}

func eventTypeStrings(types []analysis.EventType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
