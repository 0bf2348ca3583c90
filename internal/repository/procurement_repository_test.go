package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procurement-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var requestRowColumns = []string{"id", "request_number", "status", "project_number", "student_email", "manager_email", "vendor", "url",
	"justification", "additional_info", "request_subtotal", "shipping_cost", "request_total", "version", "created_at", "updated_at"}

func sampleRequest() *models.ProcurementRequest {
	req := &models.ProcurementRequest{
		Status:        models.StatusSaved,
		ProjectNumber: 7,
		StudentEmail:  "student@uni.edu",
		ManagerEmail:  "manager@uni.edu",
		Vendor:        "Digikey",
		Justification: "sensors",
		Items: []models.LineItem{
			{Description: "resistor", PartNumber: "R1", Quantity: 2, UnitCost: 642},
			{Description: "cap", PartNumber: "C1", Quantity: 1, UnitCost: 432},
		},
	}
	if err := req.Recalculate(); err != nil {
		panic(err)
	}
	return req
}

func TestProcurementRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	req := sampleRequest()
	entry := &models.HistoryEntry{Actor: "student@uni.edu", Comment: "submitted", OldState: models.StatusSaved, NewState: models.StatusPending}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sequences SET value = value + 1 WHERE name = $1 RETURNING value")).
		WithArgs("request_number").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(42))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO procurement_requests")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO request_items")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO request_items")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO request_history")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), req, entry))
	require.NotEmpty(t, req.ID)
	require.Equal(t, int64(42), req.RequestNumber)
	require.Equal(t, 1, req.Version)
	require.Equal(t, 2, req.Items[1].Position)
	require.Len(t, req.History, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositoryCreateRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE sequences")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO procurement_requests")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), sampleRequest(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM procurement_requests WHERE id = $1")).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(requestRowColumns).
			AddRow("req-1", 3, "pending", 7, "s@uni.edu", "m@uni.edu", "Digikey", "", "why", "", 1716, nil, 1716, 2, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM request_items WHERE request_id = $1")).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "position", "description", "part_number", "item_url", "quantity", "unit_cost", "total_cost"}).
			AddRow("req-1", 1, "resistor", "R1", "", 2, 642, 1284).
			AddRow("req-1", 2, "cap", "C1", "", 1, 432, 432))
	mock.ExpectQuery(regexp.QuoteMeta("FROM request_history WHERE request_id = $1")).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "actor", "created_at", "comment", "old_state", "new_state"}).
			AddRow(1, "req-1", "s@uni.edu", now, "submitted by s@uni.edu", "saved", "pending"))

	req, err := repo.GetByID(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, req.Status)
	require.Nil(t, req.ShippingCost)
	require.Len(t, req.Items, 2)
	require.Len(t, req.History, 1)
	require.Equal(t, models.StatusSaved, req.History[0].OldState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositoryGetByIDNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM procurement_requests WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestProcurementRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM procurement_requests WHERE project_number = ANY($1) AND status = ANY($2) AND vendor ILIKE $3 ESCAPE '\' ORDER BY request_number DESC LIMIT 100 OFFSET 0`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "%Digikey%").
		WillReturnRows(sqlmock.NewRows(requestRowColumns).
			AddRow("req-1", 3, "pending", 7, "s@uni.edu", "m@uni.edu", "Digikey", "", "why", "", 432, nil, 432, 1, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM request_items WHERE request_id = ANY($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "position", "description", "part_number", "item_url", "quantity", "unit_cost", "total_cost"}).
			AddRow("req-1", 1, "cap", "C1", "", 1, 432, 432))

	list, err := repo.List(context.Background(), models.RequestFilter{
		ProjectNumbers: []int64{7},
		Statuses:       []models.RequestStatus{models.StatusPending},
		Vendor:         "Digikey",
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositoryListEscapesVendorPattern(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM procurement_requests WHERE vendor ILIKE $1 ESCAPE '\' AND url = $2 AND student_email = $3 ORDER BY`)).
		WithArgs(`%100\% \_cotton\\%`, "https://shop.example/cart/42", "alice@uni.edu").
		WillReturnRows(sqlmock.NewRows(requestRowColumns))

	list, err := repo.List(context.Background(), models.RequestFilter{
		Vendor:       `100% _cotton\`,
		URL:          "https://shop.example/cart/42",
		StudentEmail: "Alice@Uni.edu",
	})
	require.NoError(t, err)
	require.Empty(t, list)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositorySaveAppliesLedger(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	req := sampleRequest()
	req.ID = "req-1"
	req.Version = 2
	req.Status = models.StatusManagerApproved
	entry := &models.HistoryEntry{Actor: "m@uni.edu", Comment: "approved by manager", OldState: models.StatusPending, NewState: models.StatusManagerApproved}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE procurement_requests SET status = $1")).
		WithArgs("manager approved", "manager@uni.edu", "Digikey", "", "sensors", "", int64(1716), nil, int64(1716), sqlmock.AnyArg(), "req-1", "pending", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO request_history")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projects SET available_budget = available_budget + $1")).
		WithArgs(int64(0), int64(-1716), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Save(context.Background(), SaveRequestParams{
		Request:        req,
		ExpectedStatus: models.StatusPending,
		Entry:          entry,
		Ledger:         models.LedgerDelta{ProjectNumber: 7, Pending: -1716},
	})
	require.NoError(t, err)
	require.Equal(t, 3, req.Version)
	require.Equal(t, int64(9), entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositorySaveStale(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	req := sampleRequest()
	req.ID = "req-1"
	req.Version = 1

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE procurement_requests SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), SaveRequestParams{Request: req, ExpectedStatus: models.StatusPending})
	require.ErrorIs(t, err, ErrStaleRequest)
	require.Equal(t, 1, req.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositorySaveRollsBackOnLedgerFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	req := sampleRequest()
	req.ID = "req-1"
	req.Version = 1

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE procurement_requests SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM request_items")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO request_items")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO request_items")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projects SET available_budget")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), SaveRequestParams{
		Request:        req,
		ExpectedStatus: models.StatusPending,
		ReplaceItems:   true,
		Ledger:         models.LedgerDelta{ProjectNumber: 99, Pending: 10},
	})
	require.ErrorIs(t, err, ErrProjectNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcurementRepositoryLedgerTotals(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewProcurementRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM procurement_requests WHERE project_number = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"committed", "spent"}).AddRow(4000, 2716))

	totals, err := repo.LedgerTotals(context.Background(), 7,
		[]models.RequestStatus{models.StatusManagerApproved}, []models.RequestStatus{models.StatusOrdered})
	require.NoError(t, err)
	require.Equal(t, models.LedgerTotals{Committed: 4000, Spent: 2716}, totals)
}
