package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/procurement-api/internal/dto"
	"github.com/noah-isme/procurement-api/internal/models"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
	"github.com/noah-isme/procurement-api/pkg/export"
	"github.com/noah-isme/procurement-api/pkg/money"
	"github.com/noah-isme/procurement-api/pkg/storage"
)

type requestLister interface {
	List(ctx context.Context, filter models.RequestFilter) ([]models.ProcurementRequest, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ReportServiceConfig governs download links and file retention.
type ReportServiceConfig struct {
	APIPrefix       string
	ResultTTL       time.Duration
	CleanupInterval time.Duration
	MaxRows         int
}

// ReportDownload aggregates resolved download data.
type ReportDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	ExpiresAt   time.Time
}

var reportHeaders = []string{
	"Request", "Project", "Status", "Vendor", "Student", "Manager",
	"Item", "Part Number", "Quantity", "Unit Cost", "Line Total",
	"Subtotal", "Shipping", "Total",
}

// ReportService renders procurement request listings into downloadable files.
type ReportService struct {
	requests  requestLister
	storage   fileStorage
	signer    *storage.SignedURLSigner
	validator *validator.Validate
	logger    *zap.Logger
	cfg       ReportServiceConfig
	now       func() time.Time
}

// NewReportService constructs the report service.
func NewReportService(requests requestLister, files fileStorage, signer *storage.SignedURLSigner, cfg ReportServiceConfig, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 500
	}
	return &ReportService{
		requests:  requests,
		storage:   files,
		signer:    signer,
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// GenerateReport renders matching requests and returns a signed download link.
func (s *ReportService) GenerateReport(ctx context.Context, req dto.ReportRequest, actor models.Actor) (*dto.ReportResponse, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid report request")
	}
	for _, status := range req.Statuses {
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown status "+string(status))
		}
	}
	renderer, err := export.ForFormat(req.Format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "unsupported report format")
	}

	requests, err := s.requests.List(ctx, models.RequestFilter{
		ProjectNumbers: req.ProjectNumbers,
		Vendor:         strings.TrimSpace(req.Vendor),
		Statuses:       req.Statuses,
		StudentEmail:   models.NormalizeEmail(req.StudentEmail),
		ManagerEmail:   models.NormalizeEmail(req.ManagerEmail),
		Limit:          s.cfg.MaxRows,
	})
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to load requests for report")
	}

	dataset := buildRequestDataset(requests, s.now())
	payload, err := renderer.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}

	id := uuid.NewString()
	filename := fmt.Sprintf("requests/%s/%s.%s", s.now().UTC().Format("20060102"), id, renderer.Extension())
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store report")
	}
	token, expiresAt, err := s.signer.Generate(id, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign report link")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	s.logger.Info("report generated",
		zap.String("report_id", id),
		zap.String("format", renderer.Extension()),
		zap.Int("requests", len(requests)),
		zap.String("actor", actor.Email),
	)
	return &dto.ReportResponse{
		ID:          id,
		Format:      renderer.Extension(),
		Rows:        len(requests),
		DownloadURL: fmt.Sprintf("%s/reports/download?token=%s", prefix, token),
		ExpiresAt:   expiresAt,
	}, nil
}

// Download validates a signed token and opens the stored report.
func (s *ReportService) Download(token string) (*ReportDownload, error) {
	_, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "report file no longer available")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open report")
	}
	contentType := "application/octet-stream"
	ext := strings.TrimPrefix(filepath.Ext(relPath), ".")
	if renderer, err := export.ForFormat(export.Format(ext)); err == nil {
		contentType = renderer.ContentType()
	}
	return &ReportDownload{
		File:        file,
		Filename:    filepath.Base(relPath),
		ContentType: contentType,
		ExpiresAt:   expiresAt,
	}, nil
}

// StartCleanup boots a goroutine that purges expired reports periodically.
func (s *ReportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupExpired()
			}
		}
	}()
}

func (s *ReportService) cleanupExpired() {
	deleted, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL)
	if err != nil {
		s.logger.Sugar().Warnw("report cleanup failed", "error", err)
		return
	}
	if len(deleted) > 0 {
		s.logger.Sugar().Infow("expired reports removed", "count", len(deleted))
	}
}

// buildRequestDataset emits one summary row per request followed by one row per line item.
func buildRequestDataset(requests []models.ProcurementRequest, generatedAt time.Time) export.Dataset {
	rows := make([]map[string]string, 0, len(requests)*2)
	for _, req := range requests {
		shipping := ""
		if req.ShippingCost != nil {
			shipping = money.FormatCents(*req.ShippingCost)
		}
		rows = append(rows, map[string]string{
			"Request":  strconv.FormatInt(req.RequestNumber, 10),
			"Project":  strconv.FormatInt(req.ProjectNumber, 10),
			"Status":   string(req.Status),
			"Vendor":   req.Vendor,
			"Student":  req.StudentEmail,
			"Manager":  req.ManagerEmail,
			"Subtotal": money.FormatCents(req.RequestSubtotal),
			"Shipping": shipping,
			"Total":    money.FormatCents(req.RequestTotal),
		})
		for _, item := range req.Items {
			rows = append(rows, map[string]string{
				"Request":     strconv.FormatInt(req.RequestNumber, 10),
				"Item":        item.Description,
				"Part Number": item.PartNumber,
				"Quantity":    strconv.Itoa(item.Quantity),
				"Unit Cost":   money.FormatCents(item.UnitCost),
				"Line Total":  money.FormatCents(item.TotalCost),
			})
		}
	}
	return export.Dataset{
		Title:   "Procurement requests " + generatedAt.UTC().Format("2006-01-02 15:04 MST"),
		Headers: reportHeaders,
		Rows:    rows,
	}
}
