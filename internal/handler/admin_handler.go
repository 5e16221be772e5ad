package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kiro-load/internal/credential"
	"kiro-load/internal/encryption"
	app_errors "kiro-load/internal/errors"
	"kiro-load/internal/pool"
	"kiro-load/internal/response"
	"kiro-load/internal/services"
	"kiro-load/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler serves the account pool admin surface.
type AdminHandler struct {
	pool          *pool.AccountPool
	usageService  *services.UsageService
	poolConfig    types.PoolConfig
	region        string
	encryptionSvc encryption.Service
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(
	configManager types.ConfigManager,
	accountPool *pool.AccountPool,
	usageService *services.UsageService,
	encryptionSvc encryption.Service,
) *AdminHandler {
	return &AdminHandler{
		pool:          accountPool,
		usageService:  usageService,
		poolConfig:    configManager.GetPoolConfig(),
		region:        configManager.GetUpstreamConfig().Region,
		encryptionSvc: encryptionSvc,
	}
}

// PoolStatus serves GET /admin/pool/status.
func (h *AdminHandler) PoolStatus(c *gin.Context) {
	response.Success(c, h.pool.Snapshot())
}

// ListAccounts serves GET /admin/accounts.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	response.Success(c, h.pool.Snapshot().Accounts)
}

// addAccountRequest is the POST /admin/accounts payload.
type addAccountRequest struct {
	Name       string                `json:"name" binding:"required"`
	Credential credential.Credential `json:"credential" binding:"required"`
}

// AddAccount serves POST /admin/accounts: persists a new credential file and
// adds the account to the pool.
func (h *AdminHandler) AddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return
	}
	name := sanitizeAccountName(req.Name)
	if name == "" {
		response.Error(c, app_errors.NewValidationError("invalid account name"))
		return
	}
	if h.poolConfig.CredentialsDir == "" {
		response.Error(c, app_errors.NewValidationError("multi-account mode is not enabled (CREDENTIALS_DIR unset)"))
		return
	}

	path := filepath.Join(h.poolConfig.CredentialsDir, name+".json")
	if _, err := os.Stat(path); err == nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrDuplicateResource, fmt.Sprintf("account %q already exists", name)))
		return
	}

	store, err := credential.NewStore(&req.Credential, path, h.region, credential.WithEncryption(h.encryptionSvc))
	if err != nil {
		response.Error(c, app_errors.NewValidationError(err.Error()))
		return
	}
	if err := store.Save(); err != nil {
		logrus.WithError(err).Error("Failed to persist new account credential")
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInternalServer, "failed to persist credential"))
		return
	}

	h.pool.Add(name, store)
	response.Success(c, gin.H{"name": name})
}

// accountNameRequest addresses one account by name.
type accountNameRequest struct {
	Name       string `json:"name" binding:"required"`
	DeleteFile bool   `json:"delete_file"`
}

func bindAccountName(c *gin.Context) (*accountNameRequest, bool) {
	var req accountNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return nil, false
	}
	return &req, true
}

// RemoveAccount serves POST /admin/accounts/remove.
func (h *AdminHandler) RemoveAccount(c *gin.Context) {
	req, ok := bindAccountName(c)
	if !ok {
		return
	}
	if err := h.pool.Remove(req.Name, req.DeleteFile); err != nil {
		respondPoolError(c, err)
		return
	}
	response.Success(c, gin.H{"name": req.Name})
}

// RefreshAccount serves POST /admin/accounts/refresh: forces a token
// refresh.
func (h *AdminHandler) RefreshAccount(c *gin.Context) {
	req, ok := bindAccountName(c)
	if !ok {
		return
	}
	if err := h.pool.Refresh(c.Request.Context(), req.Name); err != nil {
		respondPoolError(c, err)
		return
	}
	response.Success(c, gin.H{"name": req.Name})
}

// ResetAccount serves POST /admin/accounts/reset: clears failures and
// cooldown and re-enables the account.
func (h *AdminHandler) ResetAccount(c *gin.Context) {
	req, ok := bindAccountName(c)
	if !ok {
		return
	}
	if err := h.pool.Reset(req.Name); err != nil {
		respondPoolError(c, err)
		return
	}
	response.Success(c, gin.H{"name": req.Name})
}

// checkResult is one account's health check outcome.
type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CheckAccount serves POST /admin/accounts/check: verifies the account can
// mint a fresh access token.
func (h *AdminHandler) CheckAccount(c *gin.Context) {
	req, ok := bindAccountName(c)
	if !ok {
		return
	}
	result := checkResult{Name: req.Name, OK: true}
	if err := h.pool.Check(c.Request.Context(), req.Name); err != nil {
		result.OK = false
		result.Error = err.Error()
	}
	response.Success(c, result)
}

// batchCheckRequest is the POST /admin/accounts/batch-check payload.
type batchCheckRequest struct {
	Names []string `json:"names"`
}

// BatchCheckAccounts serves POST /admin/accounts/batch-check. An empty name
// list checks every account.
func (h *AdminHandler) BatchCheckAccounts(c *gin.Context) {
	var req batchCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return
	}
	names := req.Names
	if len(names) == 0 {
		names = h.pool.Names()
	}

	results := make([]checkResult, 0, len(names))
	for _, name := range names {
		result := checkResult{Name: name, OK: true}
		if err := h.pool.Check(c.Request.Context(), name); err != nil {
			result.OK = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	response.Success(c, results)
}

// AccountCredentials serves POST /admin/accounts/credentials: returns the
// stored credential for one account with token values redacted to
// previews.
func (h *AdminHandler) AccountCredentials(c *gin.Context) {
	req, ok := bindAccountName(c)
	if !ok {
		return
	}
	cred, err := h.pool.Credential(req.Name)
	if err != nil {
		respondPoolError(c, err)
		return
	}
	cred.AccessToken = redactToken(cred.AccessToken)
	cred.RefreshToken = redactToken(cred.RefreshToken)
	cred.ClientSecret = redactToken(cred.ClientSecret)
	response.Success(c, cred)
}

// Usage serves GET /admin/usage.
func (h *AdminHandler) Usage(c *gin.Context) {
	summary, err := h.usageService.Summary()
	if err != nil {
		response.Error(c, app_errors.ParseDBError(err))
		return
	}
	response.Success(c, summary)
}

// ErrorLogs serves GET /admin/error-logs.
func (h *AdminHandler) ErrorLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.usageService.RecentErrors(limit)
	if err != nil {
		response.Error(c, app_errors.ParseDBError(err))
		return
	}
	response.Success(c, entries)
}

// ClearErrorLogs serves DELETE /admin/error-logs.
func (h *AdminHandler) ClearErrorLogs(c *gin.Context) {
	deleted, err := h.usageService.ClearErrors()
	if err != nil {
		response.Error(c, app_errors.ParseDBError(err))
		return
	}
	response.Success(c, gin.H{"deleted": deleted})
}

// respondPoolError maps pool errors onto the admin response shape.
func respondPoolError(c *gin.Context, err error) {
	if apiErr, ok := err.(*app_errors.APIError); ok {
		response.Error(c, apiErr)
		return
	}
	response.Error(c, app_errors.NewAPIError(app_errors.ErrInternalServer, err.Error()))
}

// sanitizeAccountName keeps the name usable as a file stem.
func sanitizeAccountName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return ""
	}
	return name
}

// redactToken keeps a short prefix of a secret for identification.
func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
