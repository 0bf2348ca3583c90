package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/procurement-api/internal/models"
)

var (
	// ErrStaleRequest means the request status or version moved since it was read.
	ErrStaleRequest = errors.New("procurement request modified concurrently")
	// ErrProjectNotFound means a ledger update targeted an unknown project.
	ErrProjectNotFound = errors.New("project not found")
)

const requestSequence = "request_number"

const requestColumns = `id, request_number, status, project_number, student_email, manager_email, vendor, url,
       justification, additional_info, request_subtotal, shipping_cost, request_total, version, created_at, updated_at`

// ProcurementRepository persists procurement requests, their line items and history.
type ProcurementRepository struct {
	db *sqlx.DB
}

// NewProcurementRepository constructs the repository.
func NewProcurementRepository(db *sqlx.DB) *ProcurementRepository {
	return &ProcurementRepository{db: db}
}

// Create inserts a request with its items and an optional first history entry in one transaction.
// The request number is drawn from the sequences table inside the same transaction.
func (r *ProcurementRepository) Create(ctx context.Context, req *models.ProcurementRequest, entry *models.HistoryEntry) error {
	now := time.Now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Version = 1

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request tx: %w", err)
	}

	number, err := nextSequence(ctx, tx, requestSequence)
	if err != nil {
		return rollback(tx, err)
	}
	req.RequestNumber = number

	const insert = `INSERT INTO procurement_requests
	(id, request_number, status, project_number, student_email, manager_email, vendor, url, justification,
	 additional_info, request_subtotal, shipping_cost, request_total, version, created_at, updated_at)
	VALUES (:id, :request_number, :status, :project_number, :student_email, :manager_email, :vendor, :url, :justification,
	 :additional_info, :request_subtotal, :shipping_cost, :request_total, :version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insert, req); err != nil {
		return rollback(tx, fmt.Errorf("create procurement request: %w", err))
	}
	if err := insertItems(ctx, tx, req); err != nil {
		return rollback(tx, err)
	}
	if entry != nil {
		if err := insertHistory(ctx, tx, req.ID, entry); err != nil {
			return rollback(tx, err)
		}
		req.History = append(req.History, *entry)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request tx: %w", err)
	}
	return nil
}

// GetByID loads a request with items and history. Missing rows surface as sql.ErrNoRows.
func (r *ProcurementRepository) GetByID(ctx context.Context, id string) (*models.ProcurementRequest, error) {
	var req models.ProcurementRequest
	query := fmt.Sprintf("SELECT %s FROM procurement_requests WHERE id = $1", requestColumns)
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}

	const itemsQuery = `SELECT request_id, position, description, part_number, item_url, quantity, unit_cost, total_cost
	FROM request_items WHERE request_id = $1 ORDER BY position`
	if err := r.db.SelectContext(ctx, &req.Items, itemsQuery, id); err != nil {
		return nil, fmt.Errorf("load request items: %w", err)
	}

	history, err := r.History(ctx, id)
	if err != nil {
		return nil, err
	}
	req.History = history
	return &req, nil
}

// History returns the append-only transition log of a request in write order.
func (r *ProcurementRepository) History(ctx context.Context, requestID string) ([]models.HistoryEntry, error) {
	const query = `SELECT id, request_id, actor, created_at, comment, old_state, new_state
	FROM request_history WHERE request_id = $1 ORDER BY created_at, id`
	history := make([]models.HistoryEntry, 0)
	if err := r.db.SelectContext(ctx, &history, query, requestID); err != nil {
		return nil, fmt.Errorf("load request history: %w", err)
	}
	return history, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// List returns requests matching the filter with their line items, newest first.
func (r *ProcurementRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.ProcurementRequest, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 5)
	builder.WriteString(fmt.Sprintf("SELECT %s FROM procurement_requests", requestColumns))

	conditions := make([]string, 0, 5)
	if len(filter.ProjectNumbers) > 0 {
		args = append(args, pq.Array(filter.ProjectNumbers))
		conditions = append(conditions, fmt.Sprintf("project_number = ANY($%d)", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Vendor != "" {
		args = append(args, "%"+likeEscaper.Replace(filter.Vendor)+"%")
		conditions = append(conditions, fmt.Sprintf(`vendor ILIKE $%d ESCAPE '\'`, len(args)))
	}
	if filter.URL != "" {
		args = append(args, filter.URL)
		conditions = append(conditions, fmt.Sprintf("url = $%d", len(args)))
	}
	if filter.StudentEmail != "" {
		args = append(args, models.NormalizeEmail(filter.StudentEmail))
		conditions = append(conditions, fmt.Sprintf("student_email = $%d", len(args)))
	}
	if filter.ManagerEmail != "" {
		args = append(args, models.NormalizeEmail(filter.ManagerEmail))
		conditions = append(conditions, fmt.Sprintf("manager_email = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY request_number DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	requests := make([]models.ProcurementRequest, 0)
	if err := r.db.SelectContext(ctx, &requests, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list procurement requests: %w", err)
	}
	if len(requests) == 0 {
		return requests, nil
	}

	ids := make([]string, len(requests))
	index := make(map[string]int, len(requests))
	for i := range requests {
		ids[i] = requests[i].ID
		index[requests[i].ID] = i
	}
	const itemsQuery = `SELECT request_id, position, description, part_number, item_url, quantity, unit_cost, total_cost
	FROM request_items WHERE request_id = ANY($1) ORDER BY request_id, position`
	var items []models.LineItem
	if err := r.db.SelectContext(ctx, &items, itemsQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list request items: %w", err)
	}
	for _, item := range items {
		if i, ok := index[item.RequestID]; ok {
			requests[i].Items = append(requests[i].Items, item)
		}
	}
	return requests, nil
}

// SaveRequestParams describes one guarded write of a request.
type SaveRequestParams struct {
	// Request carries the new state. Its Version must be the version that was read.
	Request        *models.ProcurementRequest
	ExpectedStatus models.RequestStatus
	ReplaceItems   bool
	Entry          *models.HistoryEntry
	Ledger         models.LedgerDelta
}

// Save writes the request, its history entry and the project budget delta atomically.
// It returns ErrStaleRequest when the stored status or version no longer match.
func (r *ProcurementRepository) Save(ctx context.Context, params SaveRequestParams) error {
	req := params.Request
	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save request tx: %w", err)
	}

	const update = `UPDATE procurement_requests SET status = $1, manager_email = $2, vendor = $3, url = $4,
	justification = $5, additional_info = $6, request_subtotal = $7, shipping_cost = $8, request_total = $9,
	version = version + 1, updated_at = $10
	WHERE id = $11 AND status = $12 AND version = $13`
	result, err := tx.ExecContext(ctx, update,
		req.Status, req.ManagerEmail, req.Vendor, req.URL,
		req.Justification, req.AdditionalInfo, req.RequestSubtotal, req.ShippingCost, req.RequestTotal,
		now, req.ID, params.ExpectedStatus, req.Version,
	)
	if err != nil {
		return rollback(tx, fmt.Errorf("update procurement request: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return rollback(tx, fmt.Errorf("check request update rows: %w", err))
	}
	if rows == 0 {
		return rollback(tx, ErrStaleRequest)
	}

	if params.ReplaceItems {
		if _, err := tx.ExecContext(ctx, "DELETE FROM request_items WHERE request_id = $1", req.ID); err != nil {
			return rollback(tx, fmt.Errorf("clear request items: %w", err))
		}
		if err := insertItems(ctx, tx, req); err != nil {
			return rollback(tx, err)
		}
	}
	if params.Entry != nil {
		if err := insertHistory(ctx, tx, req.ID, params.Entry); err != nil {
			return rollback(tx, err)
		}
	}
	if !params.Ledger.IsZero() {
		if err := applyLedgerDelta(ctx, tx, params.Ledger, now); err != nil {
			return rollback(tx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save request tx: %w", err)
	}
	req.Version++
	req.UpdatedAt = now
	if params.Entry != nil {
		req.History = append(req.History, *params.Entry)
	}
	return nil
}

// LedgerTotals sums request totals of a project over the committed and spent status sets.
func (r *ProcurementRepository) LedgerTotals(ctx context.Context, projectNumber int64, committed, spent []models.RequestStatus) (models.LedgerTotals, error) {
	const query = `SELECT
	COALESCE(SUM(request_total) FILTER (WHERE status = ANY($2)), 0) AS committed,
	COALESCE(SUM(request_total) FILTER (WHERE status = ANY($3)), 0) AS spent
	FROM procurement_requests WHERE project_number = $1`
	var totals models.LedgerTotals
	if err := r.db.GetContext(ctx, &totals, query, projectNumber, pq.Array(statusStrings(committed)), pq.Array(statusStrings(spent))); err != nil {
		return models.LedgerTotals{}, fmt.Errorf("sum ledger totals: %w", err)
	}
	return totals, nil
}

func statusStrings(statuses []models.RequestStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func nextSequence(ctx context.Context, tx *sqlx.Tx, name string) (int64, error) {
	var value int64
	const query = `UPDATE sequences SET value = value + 1 WHERE name = $1 RETURNING value`
	if err := tx.GetContext(ctx, &value, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("sequence %s missing", name)
		}
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	return value, nil
}

func insertItems(ctx context.Context, tx *sqlx.Tx, req *models.ProcurementRequest) error {
	const query = `INSERT INTO request_items
	(request_id, position, description, part_number, item_url, quantity, unit_cost, total_cost)
	VALUES (:request_id, :position, :description, :part_number, :item_url, :quantity, :unit_cost, :total_cost)`
	for i := range req.Items {
		req.Items[i].RequestID = req.ID
		req.Items[i].Position = i + 1
		if _, err := tx.NamedExecContext(ctx, query, req.Items[i]); err != nil {
			return fmt.Errorf("insert request item %d: %w", i+1, err)
		}
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, requestID string, entry *models.HistoryEntry) error {
	entry.RequestID = requestID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	const query = `INSERT INTO request_history (request_id, actor, created_at, comment, old_state, new_state)
	VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	if err := tx.GetContext(ctx, &entry.ID, query,
		entry.RequestID, entry.Actor, entry.Timestamp, entry.Comment, entry.OldState, entry.NewState,
	); err != nil {
		return fmt.Errorf("append request history: %w", err)
	}
	return nil
}

func applyLedgerDelta(ctx context.Context, tx *sqlx.Tx, delta models.LedgerDelta, now time.Time) error {
	const query = `UPDATE projects SET available_budget = available_budget + $1, pending_budget = pending_budget + $2,
	updated_at = $3 WHERE project_number = $4`
	result, err := tx.ExecContext(ctx, query, delta.Available, delta.Pending, now, delta.ProjectNumber)
	if err != nil {
		return fmt.Errorf("apply ledger delta: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check ledger update rows: %w", err)
	}
	if rows == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func rollback(tx *sqlx.Tx, cause error) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}
