// Package pool implements the account pool: least-used selection, failure
// accounting with cooldown and permanent disable, and the admin mutations.
package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kiro-load/internal/credential"
	app_errors "kiro-load/internal/errors"
	"kiro-load/internal/types"

	"github.com/sirupsen/logrus"
)

// Entry is one account participating in the pool. All fields are guarded by
// the owning pool's mutex; the credential itself is guarded by its Store.
type Entry struct {
	Name                string
	Store               *credential.Store
	RequestCount        uint64
	FailureCount        int
	InPool              bool
	CooldownUntil       time.Time
	PermanentlyDisabled bool
	LastUsed            time.Time
}

// eligible reports whether the entry can serve a request at the given time.
func (e *Entry) eligible(now time.Time) bool {
	if !e.InPool || e.PermanentlyDisabled {
		return false
	}
	return e.CooldownUntil.IsZero() || !e.CooldownUntil.After(now)
}

// EntryStatus is the externally visible state of one account.
type EntryStatus struct {
	Name                string `json:"name"`
	RequestCount        uint64 `json:"request_count"`
	FailureCount        int    `json:"failure_count"`
	InPool              bool   `json:"in_pool"`
	CooldownUntil       string `json:"cooldown_until,omitempty"`
	PermanentlyDisabled bool   `json:"permanently_disabled"`
	LastUsed            string `json:"last_used,omitempty"`
	AuthMethod          string `json:"auth_method"`
	Provider            string `json:"provider,omitempty"`
	ExpiresAt           string `json:"expires_at,omitempty"`
}

// Status is the pool snapshot returned by the admin surface.
type Status struct {
	Total    int           `json:"total"`
	Healthy  int           `json:"healthy"`
	Accounts []EntryStatus `json:"accounts"`
}

// AccountPool holds the account entries behind a single mutex. The critical
// section is O(N) over a small N and never performs I/O.
type AccountPool struct {
	mu      sync.Mutex
	entries []*Entry

	failureCooldown time.Duration
	maxFailures     int

	// now is a clock hook for tests.
	now func() time.Time
}

// NewAccountPool creates an empty pool with the given failure policy.
func NewAccountPool(cfg types.PoolConfig) *AccountPool {
	return &AccountPool{
		failureCooldown: cfg.FailureCooldown,
		maxFailures:     cfg.MaxFailures,
		now:             time.Now,
	}
}

// LoadDirectory loads every *.json credential file in dir into the pool. The
// file stem becomes the account name. Files that fail to load are skipped
// with a warning; an empty result is an error.
func (p *AccountPool) LoadDirectory(dir, defaultRegion string, opts ...credential.StoreOption) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("credentials directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("credentials path %s is not a directory", dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan credentials directory: %w", err)
	}
	sort.Strings(matches)

	loaded := 0
	for _, path := range matches {
		store, err := credential.Load(path, defaultRegion, opts...)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("Skipping unloadable credential file")
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		p.Add(name, store)
		loaded++
	}

	if loaded == 0 {
		return fmt.Errorf("no valid credential files in %s", dir)
	}
	logrus.Infof("Account pool initialized with %d account(s)", loaded)
	return nil
}

// LoadFile loads a single credential file (single-account mode).
func (p *AccountPool) LoadFile(path, defaultRegion string, opts ...credential.StoreOption) error {
	store, err := credential.Load(path, defaultRegion, opts...)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	p.Add(name, store)
	logrus.Infof("Single-account mode: %s", name)
	return nil
}

// Add inserts or replaces an account.
func (p *AccountPool) Add(name string, store *credential.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.Name == name {
			p.entries[i] = &Entry{Name: name, Store: store, InPool: true}
			logrus.WithField("account", name).Info("Replaced account in pool")
			return
		}
	}
	p.entries = append(p.entries, &Entry{Name: name, Store: store, InPool: true})
	logrus.WithField("account", name).Info("Added account to pool")
}

// Remove deletes an account from the pool, optionally removing its
// credential file.
func (p *AccountPool) Remove(name string, deleteFile bool) error {
	p.mu.Lock()
	var removed *Entry
	for i, e := range p.entries {
		if e.Name == name {
			removed = e
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if removed == nil {
		return app_errors.NewNotFoundError(fmt.Sprintf("account %q not found", name))
	}

	if deleteFile {
		if err := os.Remove(removed.Store.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete credential file: %w", err)
		}
	}
	logrus.WithField("account", name).Info("Removed account from pool")
	return nil
}

// Pick selects the eligible entry with the lowest request count, breaking
// ties by least-recently-used. The winner's counters are updated atomically
// with the selection.
func (p *AccountPool) Pick() (*Entry, error) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Entry
	for _, e := range p.entries {
		if !e.eligible(now) {
			continue
		}
		if best == nil ||
			e.RequestCount < best.RequestCount ||
			(e.RequestCount == best.RequestCount && e.LastUsed.Before(best.LastUsed)) {
			best = e
		}
	}
	if best == nil {
		return nil, app_errors.ErrNoHealthyAccount
	}

	best.RequestCount++
	best.LastUsed = now
	return best, nil
}

// ReportSuccess clears the failure state of an account after a completed
// request.
func (p *AccountPool) ReportSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(name)
	if e == nil {
		return
	}
	e.FailureCount = 0
	e.CooldownUntil = time.Time{}
}

// ReportFailure charges a fault against an account. Reaching the failure
// threshold disables the account permanently; below it, the account cools
// down.
func (p *AccountPool) ReportFailure(name string) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(name)
	if e == nil {
		return
	}

	e.FailureCount++
	if p.maxFailures > 0 && e.FailureCount >= p.maxFailures {
		e.PermanentlyDisabled = true
		logrus.WithFields(logrus.Fields{
			"account":  name,
			"failures": e.FailureCount,
		}).Warn("Account reached failure threshold, permanently disabled")
		return
	}

	e.CooldownUntil = now.Add(p.failureCooldown)
	logrus.WithFields(logrus.Fields{
		"account":        name,
		"failures":       e.FailureCount,
		"cooldown_until": e.CooldownUntil.Format(time.RFC3339),
	}).Warn("Account failure recorded, cooling down")
}

// Reset clears failures and cooldown and re-enables a disabled account.
func (p *AccountPool) Reset(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(name)
	if e == nil {
		return app_errors.NewNotFoundError(fmt.Sprintf("account %q not found", name))
	}
	e.FailureCount = 0
	e.CooldownUntil = time.Time{}
	e.PermanentlyDisabled = false
	e.InPool = true
	logrus.WithField("account", name).Info("Account reset and re-enabled")
	return nil
}

// Refresh forces a token refresh for an account.
func (p *AccountPool) Refresh(ctx context.Context, name string) error {
	store := p.storeFor(name)
	if store == nil {
		return app_errors.NewNotFoundError(fmt.Sprintf("account %q not found", name))
	}
	if err := store.ForceRefresh(ctx); err != nil {
		return fmt.Errorf("refresh failed for %s: %w", name, err)
	}
	return nil
}

// Check verifies that an account can mint a fresh access token.
func (p *AccountPool) Check(ctx context.Context, name string) error {
	return p.Refresh(ctx, name)
}

// Get returns the entry's current status.
func (p *AccountPool) Get(name string) (EntryStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(name)
	if e == nil {
		return EntryStatus{}, app_errors.NewNotFoundError(fmt.Sprintf("account %q not found", name))
	}
	return p.statusLocked(e), nil
}

// Credential returns a copy of an account's credential, for the admin
// credentials endpoint.
func (p *AccountPool) Credential(name string) (credential.Credential, error) {
	store := p.storeFor(name)
	if store == nil {
		return credential.Credential{}, app_errors.NewNotFoundError(fmt.Sprintf("account %q not found", name))
	}
	return store.Snapshot(), nil
}

// Names returns all account names.
func (p *AccountPool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.Name
	}
	return names
}

// Size returns the number of accounts.
func (p *AccountPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns the pool status for monitoring.
func (p *AccountPool) Snapshot() Status {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{
		Total:    len(p.entries),
		Accounts: make([]EntryStatus, 0, len(p.entries)),
	}
	for _, e := range p.entries {
		if e.eligible(now) {
			status.Healthy++
		}
		status.Accounts = append(status.Accounts, p.statusLocked(e))
	}
	return status
}

func (p *AccountPool) findLocked(name string) *Entry {
	for _, e := range p.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

func (p *AccountPool) storeFor(name string) *credential.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.findLocked(name); e != nil {
		return e.Store
	}
	return nil
}

func (p *AccountPool) statusLocked(e *Entry) EntryStatus {
	cred := e.Store.Snapshot()
	status := EntryStatus{
		Name:                e.Name,
		RequestCount:        e.RequestCount,
		FailureCount:        e.FailureCount,
		InPool:              e.InPool,
		PermanentlyDisabled: e.PermanentlyDisabled,
		AuthMethod:          cred.AuthMethod,
		Provider:            cred.Provider,
		ExpiresAt:           cred.ExpiresAt,
	}
	if !e.CooldownUntil.IsZero() {
		status.CooldownUntil = e.CooldownUntil.Format(time.RFC3339)
	}
	if !e.LastUsed.IsZero() {
		status.LastUsed = e.LastUsed.Format(time.RFC3339)
	}
	return status
}
