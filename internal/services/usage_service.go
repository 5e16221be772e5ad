// Package services contains the supporting services: usage recording and
// token counting.
package services

import (
	"time"

	"kiro-load/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxErrorMessageLen truncates stored upstream error bodies.
const maxErrorMessageLen = 4096

// UsageService records per-request statistics and upstream errors. Writes
// run on a background goroutine so the request path never blocks on the
// database.
type UsageService struct {
	db *gorm.DB
}

// NewUsageService creates the usage service.
func NewUsageService(db *gorm.DB) *UsageService {
	return &UsageService{db: db}
}

// RecordRequest persists one completed request asynchronously.
func (s *UsageService) RecordRequest(stat models.RequestStat) {
	if s.db == nil {
		return
	}
	stat.CreatedAt = time.Now()
	go func() {
		if err := s.db.Create(&stat).Error; err != nil {
			logrus.WithError(err).Warn("Failed to record request stat")
		}
	}()
}

// RecordError persists one upstream failure asynchronously.
func (s *UsageService) RecordError(accountName string, statusCode int, message string, isStream bool) {
	if s.db == nil {
		return
	}
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	entry := models.UpstreamErrorLog{
		AccountName: accountName,
		StatusCode:  statusCode,
		ErrorType:   models.ClassifyStatusCode(statusCode),
		Message:     message,
		IsStream:    isStream,
		CreatedAt:   time.Now(),
	}
	go func() {
		if err := s.db.Create(&entry).Error; err != nil {
			logrus.WithError(err).Warn("Failed to record upstream error")
		}
	}()
}

// UsageSummary aggregates request statistics.
type UsageSummary struct {
	TotalRequests     int64 `json:"total_requests"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// Summary returns aggregate usage totals.
func (s *UsageService) Summary() (*UsageSummary, error) {
	var summary UsageSummary
	err := s.db.Model(&models.RequestStat{}).
		Select("COUNT(*) AS total_requests, COALESCE(SUM(input_tokens), 0) AS total_input_tokens, COALESCE(SUM(output_tokens), 0) AS total_output_tokens").
		Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// RecentErrors returns the most recent upstream errors, newest first.
func (s *UsageService) RecentErrors(limit int) ([]models.UpstreamErrorLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.UpstreamErrorLog
	err := s.db.Order("id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// ClearErrors deletes all recorded upstream errors.
func (s *UsageService) ClearErrors() (int64, error) {
	result := s.db.Where("1 = 1").Delete(&models.UpstreamErrorLog{})
	return result.RowsAffected, result.Error
}
