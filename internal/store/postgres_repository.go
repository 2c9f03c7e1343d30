/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Reads are shared between the pool and open transactions; conditional writes
 * live on pgTx.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - JSON and UUID array arguments are sent as text so the service can run with
 *   QueryExecModeSimpleProtocol behind connection poolers.
 */

package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adhub/core-service/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	pgReader
	db *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgReader: pgReader{q: db}, db: db}
}

// NewPool opens a pgx pool sized for the API and scheduler processes. Prepared
// statement caching is off so the pool works behind pgbouncer.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// Migrate applies the embedded schema files in lexical order. Every statement
// is idempotent, so running it on each boot is safe.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		sqlBytes, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) UpsertOrganization(ctx context.Context, org *domain.Organization) (*domain.Organization, error) {
	query := `
        INSERT INTO organizations (id, name, plan_id, subscription_status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, now(), now())
        ON CONFLICT (id) DO UPDATE
        SET name = EXCLUDED.name,
            plan_id = EXCLUDED.plan_id,
            subscription_status = EXCLUDED.subscription_status,
            updated_at = now()
        RETURNING ` + organizationColumns
	return scanOrganization(r.db.QueryRow(ctx, query, org.ID, org.Name, org.PlanID, org.SubscriptionStatus))
}

func (r *PostgresRepository) UpsertAssets(ctx context.Context, assets []domain.InventoryAsset, syncedAt time.Time) (int, error) {
	if len(assets) == 0 {
		return 0, nil
	}
	query := `
        INSERT INTO inventory_assets (id, asset_type, external_id, name, status, metadata, last_synced_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $7, $7)
        ON CONFLICT (asset_type, external_id) DO UPDATE
        SET name = EXCLUDED.name,
            status = EXCLUDED.status,
            metadata = EXCLUDED.metadata,
            last_synced_at = EXCLUDED.last_synced_at,
            updated_at = EXCLUDED.updated_at
    `
	batch := &pgx.Batch{}
	for _, asset := range assets {
		metadata, err := domain.EncodeAssetMetadata(asset.Metadata)
		if err != nil {
			return 0, err
		}
		id := asset.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		status := asset.Status
		if status == "" {
			status = domain.AssetStatusActive
		}
		batch.Queue(query, id, string(asset.Type), asset.ExternalID, asset.Name, string(status), string(metadata), syncedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range assets {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("upsert inventory asset: %w", err)
		}
	}
	return len(assets), nil
}

func (r *PostgresRepository) MarkAssetsStale(ctx context.Context, types []domain.AssetType, notSyncedSince time.Time) (int, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	tag, err := r.db.Exec(ctx, `
        UPDATE inventory_assets
        SET status = 'stale', updated_at = now()
        WHERE last_synced_at < $1 AND status <> 'stale' AND asset_type = ANY($2)
    `, notSyncedSince, names)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) InsertSyncRun(ctx context.Context, run *domain.SyncRun) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO inventory_sync_runs (id, status, started_at, finished_at, assets_upserted, assets_marked_stale, error)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, run.ID, string(run.Status), run.StartedAt, run.FinishedAt, run.AssetsUpserted, run.AssetsMarkedStale, run.Error)
	return mapWriteError(err, "sync run")
}

func (r *PostgresRepository) FinishSyncRun(ctx context.Context, run *domain.SyncRun) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE inventory_sync_runs
        SET status = $2, finished_at = $3, assets_upserted = $4, assets_marked_stale = $5, error = $6
        WHERE id = $1
    `, run.ID, string(run.Status), run.FinishedAt, run.AssetsUpserted, run.AssetsMarkedStale, run.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("sync run %s", run.ID)
	}
	return nil
}

func (r *PostgresRepository) LatestSyncRun(ctx context.Context) (*domain.SyncRun, error) {
	var run domain.SyncRun
	var status string
	err := r.db.QueryRow(ctx, `
        SELECT id, status, started_at, finished_at, assets_upserted, assets_marked_stale, error
        FROM inventory_sync_runs
        ORDER BY started_at DESC
        LIMIT 1
    `).Scan(&run.ID, &status, &run.StartedAt, &run.FinishedAt, &run.AssetsUpserted, &run.AssetsMarkedStale, &run.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("no inventory sync has run")
		}
		return nil, err
	}
	run.Status = domain.SyncStatus(status)
	return &run, nil
}

func (r *PostgresRepository) ListPendingTopupRequestsBefore(ctx context.Context, createdBefore time.Time, limit int) ([]domain.TopupRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+topupColumns+`
        FROM topup_requests
        WHERE status = 'pending' AND created_at < $1
        ORDER BY created_at ASC
        LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectTopups(rows)
}

// pgReader implements Reader against either the pool or an open transaction.
type pgReader struct {
	q querier
}

const organizationColumns = `id, name, plan_id, subscription_status, wallet_balance_cents, reserved_balance_cents, created_at, updated_at`

func scanOrganization(row pgx.Row) (*domain.Organization, error) {
	var org domain.Organization
	err := row.Scan(&org.ID, &org.Name, &org.PlanID, &org.SubscriptionStatus,
		&org.WalletBalanceCents, &org.ReservedBalanceCents, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("organization")
		}
		return nil, err
	}
	return &org, nil
}

func (r pgReader) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return scanOrganization(r.q.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id))
}

const assetColumns = `id, asset_type, external_id, name, status, metadata::text, last_synced_at, created_at, updated_at`

func scanAsset(row pgx.Row) (*domain.InventoryAsset, error) {
	var (
		asset     domain.InventoryAsset
		assetType string
		status    string
		metadata  string
	)
	err := row.Scan(&asset.ID, &assetType, &asset.ExternalID, &asset.Name, &status, &metadata,
		&asset.LastSyncedAt, &asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("asset")
		}
		return nil, err
	}
	asset.Type = domain.AssetType(assetType)
	asset.Status = domain.AssetStatus(status)
	asset.Metadata, err = domain.DecodeAssetMetadata(asset.Type, []byte(metadata))
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r pgReader) GetAsset(ctx context.Context, id uuid.UUID) (*domain.InventoryAsset, error) {
	return scanAsset(r.q.QueryRow(ctx, `SELECT `+assetColumns+` FROM inventory_assets WHERE id = $1`, id))
}

func (r pgReader) ListAssets(ctx context.Context, filter AssetFilter) ([]domain.InventoryAsset, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("asset_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + assetColumns + ` FROM inventory_assets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY asset_type, external_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assets := make([]domain.InventoryAsset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

const bindingColumns = `id, asset_id, organization_id, status, is_active, bound_by, bound_at, unbound_at, updated_at`

func scanBinding(row pgx.Row) (*domain.AssetBinding, error) {
	var (
		binding domain.AssetBinding
		status  string
	)
	err := row.Scan(&binding.ID, &binding.AssetID, &binding.OrganizationID, &status, &binding.IsActive,
		&binding.BoundBy, &binding.BoundAt, &binding.UnboundAt, &binding.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("binding")
		}
		return nil, err
	}
	binding.Status = domain.BindingStatus(status)
	return &binding, nil
}

func (r pgReader) GetBinding(ctx context.Context, assetID, orgID uuid.UUID) (*domain.AssetBinding, error) {
	return scanBinding(r.q.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM asset_bindings WHERE asset_id = $1 AND organization_id = $2`, assetID, orgID))
}

func (r pgReader) ListBindings(ctx context.Context, filter BindingFilter) ([]domain.AssetBinding, error) {
	var (
		where []string
		args  []any
	)
	if filter.OrganizationID != uuid.Nil {
		args = append(args, filter.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if filter.AssetID != uuid.Nil {
		args = append(args, filter.AssetID)
		where = append(where, fmt.Sprintf("asset_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + bindingColumns + ` FROM asset_bindings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY bound_at, id`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := make([]domain.AssetBinding, 0)
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, *binding)
	}
	return bindings, rows.Err()
}

func (r pgReader) CountActiveBindings(ctx context.Context, orgID uuid.UUID, assetType domain.AssetType) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, `
        SELECT count(*)
        FROM asset_bindings b
        JOIN inventory_assets a ON a.id = b.asset_id
        WHERE b.organization_id = $1 AND b.status = 'active' AND a.asset_type = $2
    `, orgID, string(assetType)).Scan(&count)
	return count, err
}

const applicationColumns = `id, organization_id, request_type, status, payload::text, quoted_fee_cents, charged_fee_cents,
    asset_ids::text[], admin_notes, rejection_reason, submitted_by, approved_by, approved_at, fulfilled_by, fulfilled_at,
    rejected_by, rejected_at, created_at, updated_at`

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		app         domain.Application
		requestType string
		status      string
		payload     string
		assetIDs    []string
	)
	err := row.Scan(&app.ID, &app.OrganizationID, &requestType, &status, &payload, &app.QuotedFeeCents,
		&app.ChargedFeeCents, &assetIDs, &app.AdminNotes, &app.RejectionReason, &app.SubmittedBy,
		&app.ApprovedBy, &app.ApprovedAt, &app.FulfilledBy, &app.FulfilledAt, &app.RejectedBy, &app.RejectedAt,
		&app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("application")
		}
		return nil, err
	}
	app.RequestType = domain.ApplicationRequestType(requestType)
	app.Status = domain.ApplicationStatus(status)
	if err := json.Unmarshal([]byte(payload), &app.Payload); err != nil {
		return nil, fmt.Errorf("decode application payload: %w", err)
	}
	app.AssetIDs = make([]uuid.UUID, 0, len(assetIDs))
	for _, raw := range assetIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode application asset id: %w", err)
		}
		app.AssetIDs = append(app.AssetIDs, id)
	}
	return &app, nil
}

func (r pgReader) GetApplication(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return scanApplication(r.q.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
}

func (r pgReader) ListApplications(ctx context.Context, orgID uuid.UUID, status domain.ApplicationStatus) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE organization_id = $1`
	args := []any{orgID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

const transactionColumns = `id, organization_id, txn_type, amount_cents, status, metadata::text, idempotency_key, created_by, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		txn      domain.Transaction
		txnType  string
		status   string
		metadata string
	)
	err := row.Scan(&txn.ID, &txn.OrganizationID, &txnType, &txn.AmountCents, &status, &metadata,
		&txn.IdempotencyKey, &txn.CreatedBy, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("transaction")
		}
		return nil, err
	}
	txn.Type = domain.TransactionType(txnType)
	txn.Status = domain.TransactionStatus(status)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &txn.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return &txn, nil
}

func (r pgReader) GetTransactionByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*domain.Transaction, error) {
	return scanTransaction(r.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE organization_id = $1 AND idempotency_key = $2`, orgID, key))
}

func (r pgReader) FindTransactionsByIdempotencyKey(ctx context.Context, key string) ([]domain.Transaction, error) {
	rows, err := r.q.Query(ctx, `SELECT `+transactionColumns+`
        FROM transactions
        WHERE idempotency_key = $1
        ORDER BY created_at, id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func (r pgReader) ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `SELECT `+transactionColumns+`
        FROM transactions
        WHERE organization_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func (r pgReader) SumCompletedTransactions(ctx context.Context, orgID uuid.UUID) (int64, error) {
	var sum int64
	err := r.q.QueryRow(ctx, `
        SELECT COALESCE(SUM(amount_cents), 0)::bigint
        FROM transactions
        WHERE organization_id = $1 AND status = 'completed'
    `, orgID).Scan(&sum)
	return sum, err
}

func (r pgReader) SumTopupUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) (int64, error) {
	var sum int64
	err := r.q.QueryRow(ctx, `
        SELECT COALESCE(SUM(amount_cents), 0)::bigint
        FROM transactions
        WHERE organization_id = $1
          AND txn_type = 'topup'
          AND status IN ('completed', 'pending', 'processing')
          AND created_at >= $2 AND created_at < $3
    `, orgID, from, to).Scan(&sum)
	return sum, err
}

const topupColumns = `id, organization_id, channel, reference_code, amount_cents, fee_cents, status, provider_reference,
    failure_reason, transaction_id, requested_by, created_at, resolved_at`

func scanTopup(row pgx.Row) (*domain.TopupRequest, error) {
	var (
		req     domain.TopupRequest
		channel string
		status  string
	)
	err := row.Scan(&req.ID, &req.OrganizationID, &channel, &req.ReferenceCode, &req.AmountCents, &req.FeeCents,
		&status, &req.ProviderReference, &req.FailureReason, &req.TransactionID, &req.RequestedBy,
		&req.CreatedAt, &req.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("topup request")
		}
		return nil, err
	}
	req.Channel = domain.TopupChannel(channel)
	req.Status = domain.TopupStatus(status)
	return &req, nil
}

func collectTopups(rows pgx.Rows) ([]domain.TopupRequest, error) {
	defer rows.Close()
	out := make([]domain.TopupRequest, 0)
	for rows.Next() {
		req, err := scanTopup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (r pgReader) GetTopupRequest(ctx context.Context, id uuid.UUID) (*domain.TopupRequest, error) {
	return scanTopup(r.q.QueryRow(ctx, `SELECT `+topupColumns+` FROM topup_requests WHERE id = $1`, id))
}

func (r pgReader) GetTopupRequestByReference(ctx context.Context, referenceCode string) (*domain.TopupRequest, error) {
	return scanTopup(r.q.QueryRow(ctx, `SELECT `+topupColumns+` FROM topup_requests WHERE reference_code = $1`, referenceCode))
}

func (r pgReader) ListTopupRequests(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.TopupRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `SELECT `+topupColumns+`
        FROM topup_requests
        WHERE organization_id = $1
        ORDER BY created_at DESC
        LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	return collectTopups(rows)
}

// pgTx carries the conditional writes of one database transaction.
type pgTx struct {
	pgReader
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) LockOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	return scanOrganization(t.q.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) AdjustOrganizationBalances(ctx context.Context, id uuid.UUID, walletDelta, reservedDelta int64) (*domain.Organization, error) {
	org, err := scanOrganization(t.q.QueryRow(ctx, `
        UPDATE organizations
        SET wallet_balance_cents = wallet_balance_cents + $2,
            reserved_balance_cents = reserved_balance_cents + $3,
            updated_at = now()
        WHERE id = $1
          AND reserved_balance_cents + $3 >= 0
          AND wallet_balance_cents + $2 >= reserved_balance_cents + $3
        RETURNING `+organizationColumns, id, walletDelta, reservedDelta))
	if errors.Is(err, domain.ErrNotFound) {
		// The row exists (callers lock it first), so the guard rejected the change.
		return nil, domain.ErrInsufficientFunds
	}
	return org, err
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	metadata := "{}"
	if len(txn.Metadata) > 0 {
		raw, err := json.Marshal(txn.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	txn.UpdatedAt = txn.CreatedAt
	_, err := t.q.Exec(ctx, `
        INSERT INTO transactions (id, organization_id, txn_type, amount_cents, status, metadata, idempotency_key, created_by, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $9)
    `, txn.ID, txn.OrganizationID, string(txn.Type), txn.AmountCents, string(txn.Status), metadata,
		txn.IdempotencyKey, txn.CreatedBy, txn.CreatedAt)
	return mapWriteError(err, "transaction")
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus) error {
	tag, err := t.q.Exec(ctx, `
        UPDATE transactions SET status = $3, updated_at = now()
        WHERE id = $1 AND status = $2
    `, id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflictf("transaction %s is no longer %s", id, from)
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (t *pgTx) InsertApplication(ctx context.Context, app *domain.Application) error {
	payload, err := json.Marshal(app.Payload)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
        INSERT INTO applications (id, organization_id, request_type, status, payload, quoted_fee_cents, charged_fee_cents,
            asset_ids, admin_notes, rejection_reason, submitted_by, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8::uuid[], $9, $10, $11, $12, $13)
    `, app.ID, app.OrganizationID, string(app.RequestType), string(app.Status), string(payload), app.QuotedFeeCents,
		app.ChargedFeeCents, uuidStrings(app.AssetIDs), app.AdminNotes, app.RejectionReason, app.SubmittedBy,
		app.CreatedAt, app.UpdatedAt)
	return mapWriteError(err, "application")
}

func (t *pgTx) LockApplication(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return scanApplication(t.q.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateApplication(ctx context.Context, app *domain.Application, expected domain.ApplicationStatus) error {
	tag, err := t.q.Exec(ctx, `
        UPDATE applications
        SET status = $3,
            charged_fee_cents = $4,
            asset_ids = $5::uuid[],
            admin_notes = $6,
            rejection_reason = $7,
            approved_by = $8, approved_at = $9,
            fulfilled_by = $10, fulfilled_at = $11,
            rejected_by = $12, rejected_at = $13,
            updated_at = $14
        WHERE id = $1 AND status = $2
    `, app.ID, string(expected), string(app.Status), app.ChargedFeeCents, uuidStrings(app.AssetIDs), app.AdminNotes,
		app.RejectionReason, app.ApprovedBy, app.ApprovedAt, app.FulfilledBy, app.FulfilledAt, app.RejectedBy,
		app.RejectedAt, app.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflictf("application %s is no longer %s", app.ID, expected)
	}
	return nil
}

func (t *pgTx) ActivateBinding(ctx context.Context, assetID, orgID, boundBy uuid.UUID, at time.Time) (*domain.AssetBinding, error) {
	// A row already active for this pair matches the conflict target but fails
	// the WHERE clause and returns nothing; an active row for another
	// organization trips the partial unique index instead.
	binding, err := scanBinding(t.q.QueryRow(ctx, `
        INSERT INTO asset_bindings (id, asset_id, organization_id, status, is_active, bound_by, bound_at, updated_at)
        VALUES ($1, $2, $3, 'active', true, $4, $5, $5)
        ON CONFLICT (asset_id, organization_id) DO UPDATE
        SET status = 'active',
            is_active = true,
            bound_by = EXCLUDED.bound_by,
            bound_at = EXCLUDED.bound_at,
            unbound_at = NULL,
            updated_at = EXCLUDED.updated_at
        WHERE asset_bindings.status = 'inactive'
        RETURNING `+bindingColumns, uuid.New(), assetID, orgID, boundBy, at))
	if err == nil {
		return binding, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Conflictf("asset %s is already bound to organization %s", assetID, orgID)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return nil, domain.Conflictf("asset %s is already bound to another organization", assetID)
		case "23503":
			return nil, domain.NotFoundf("asset %s or organization %s", assetID, orgID)
		}
	}
	return nil, err
}

func (t *pgTx) DeactivateBindings(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.q.Exec(ctx, `
        UPDATE asset_bindings
        SET status = 'inactive', is_active = false, unbound_at = $2, updated_at = $2
        WHERE id = ANY($1::uuid[]) AND status = 'active'
    `, uuidStrings(ids), at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) SetBindingsActiveFlag(ctx context.Context, ids []uuid.UUID, isActive bool, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.q.Exec(ctx, `
        UPDATE asset_bindings
        SET is_active = $2, updated_at = $3
        WHERE id = ANY($1::uuid[]) AND status = 'active'
    `, uuidStrings(ids), isActive, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InsertTopupRequest(ctx context.Context, req *domain.TopupRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, `
        INSERT INTO topup_requests (id, organization_id, channel, reference_code, amount_cents, fee_cents, status,
            provider_reference, failure_reason, transaction_id, requested_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, req.ID, req.OrganizationID, string(req.Channel), req.ReferenceCode, req.AmountCents, req.FeeCents,
		string(req.Status), req.ProviderReference, req.FailureReason, req.TransactionID, req.RequestedBy, req.CreatedAt)
	return mapWriteError(err, "topup request")
}

func (t *pgTx) ResolveTopupRequest(ctx context.Context, id uuid.UUID, to domain.TopupStatus, providerReference, failureReason *string, at time.Time) (*domain.TopupRequest, error) {
	req, err := scanTopup(t.q.QueryRow(ctx, `
        UPDATE topup_requests
        SET status = $2,
            provider_reference = COALESCE($3, provider_reference),
            failure_reason = $4,
            resolved_at = $5
        WHERE id = $1 AND status = 'pending'
        RETURNING `+topupColumns, id, string(to), providerReference, failureReason, at))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Conflictf("topup request %s is no longer pending", id)
	}
	return req, err
}

// mapWriteError translates constraint violations into the domain taxonomy.
func mapWriteError(err error, entity string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return domain.Conflictf("%s already exists (%s)", entity, pgErr.ConstraintName)
		case "23503":
			return domain.NotFoundf("%s references a missing row (%s)", entity, pgErr.ConstraintName)
		}
	}
	return err
}
