package dto

import (
	"time"

	"github.com/noah-isme/procurement-api/internal/models"
	"github.com/noah-isme/procurement-api/pkg/export"
)

// ReportRequest captures POST /reports payload.
type ReportRequest struct {
	ProjectNumbers []int64                `json:"projectNumbers"`
	Vendor         string                 `json:"vendor"`
	StudentEmail   string                 `json:"studentEmail" validate:"omitempty,email"`
	ManagerEmail   string                 `json:"managerEmail" validate:"omitempty,email"`
	Statuses       []models.RequestStatus `json:"statuses"`
	Format         export.Format          `json:"format" validate:"omitempty,oneof=csv pdf"`
}

// ReportResponse is returned after a report file has been rendered.
type ReportResponse struct {
	ID          string    `json:"id"`
	Format      string    `json:"format"`
	Rows        int       `json:"rows"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
