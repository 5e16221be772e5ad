package services

import (
	"regexp"
	"testing"

	"kiro-load/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	// GORM automatically pings during gorm.Open() initialization.
	mock.ExpectPing()

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return db, mock
}

func TestSummaryAggregatesTotals(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewUsageService(db)

	rows := sqlmock.NewRows([]string{"total_requests", "total_input_tokens", "total_output_tokens"}).
		AddRow(12, 3400, 890)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS total_requests")).WillReturnRows(rows)

	summary, err := svc.Summary()
	require.NoError(t, err)
	assert.Equal(t, int64(12), summary.TotalRequests)
	assert.Equal(t, int64(3400), summary.TotalInputTokens)
	assert.Equal(t, int64(890), summary.TotalOutputTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentErrorsLimitsAndOrders(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewUsageService(db)

	rows := sqlmock.NewRows([]string{"id", "account_name", "status_code", "error_type", "message", "is_stream"}).
		AddRow(2, "a", 429, "rate_limit", "throttled", true).
		AddRow(1, "b", 500, "server", "boom", false)
	mock.ExpectQuery("SELECT .* FROM `upstream_error_logs` ORDER BY id DESC").WillReturnRows(rows)

	entries, err := svc.RecentErrors(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].AccountName)
	assert.Equal(t, 429, entries[0].StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearErrors(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewUsageService(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `upstream_error_logs`").WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	deleted, err := svc.ClearErrors()
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordGuardsNilDB(t *testing.T) {
	svc := NewUsageService(nil)
	// Must not panic.
	svc.RecordError("a", 500, "x", false)
	svc.RecordRequest(models.RequestStat{AccountName: "a", Model: "m"})
}
