package accountpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgxlisten"
)

// lowPoolChannel is the LISTEN/NOTIFY channel used to wake the maintenance
// loop when an allocation drains the pool below its minimum.
const lowPoolChannel = "accountpool_low"

// Config holds the configuration for creating a Manager.
type Config struct {
	// DB is the underlying database connection pool. Required.
	// Its lifetime is managed by the caller.
	DB *pgxpool.Pool

	// Registrar provisions fresh accounts. Required.
	Registrar Registrar

	// TokenExchange derives access tokens from refresh tokens. Optional;
	// when nil, proactive token refresh is disabled.
	TokenExchange TokenExchange

	// MinPoolSize is the available-account floor below which the
	// maintenance loop replenishes. Defaults to 5.
	MinPoolSize int

	// MaxPoolSize caps the total number of accounts the maintenance loop
	// will provision. Defaults to 50.
	MaxPoolSize int

	// AccountsPerRequest is the default allocation size when a caller does
	// not specify one. Defaults to 1.
	AccountsPerRequest int

	// ReplenishBatchSize is the default number of attempts for a manual
	// replenishment. Defaults to MinPoolSize.
	ReplenishBatchSize int

	// MaintenanceInterval is the period of the background maintenance loop.
	// Defaults to 5 minutes.
	MaintenanceInterval time.Duration

	// QuotaCooldown is how long a quota_exhausted account rests before it
	// is reclaimed to available. Defaults to 30 days.
	QuotaCooldown time.Duration

	// TokenRefreshAfter is the staleness window after which the maintenance
	// loop proactively refreshes an account's tokens. Defaults to 45 minutes.
	TokenRefreshAfter time.Duration

	// Replenisher worker settings, passed through.
	MaxWorkers     int
	AttemptTimeout time.Duration
	SubmitInterval time.Duration

	Logger *slog.Logger

	// NoStartListening disables the low-pool LISTEN/NOTIFY wakeup. The
	// maintenance loop then reacts to shortage only on its regular tick.
	// This is useful in tests and one-shot tools.
	NoStartListening bool
}

func (c Config) Validate() error {
	if c.DB == nil {
		return fmt.Errorf("db cannot be nil")
	}
	if c.Registrar == nil {
		return fmt.Errorf("registrar cannot be nil")
	}
	if c.MinPoolSize < 0 || c.MaxPoolSize < 0 {
		return fmt.Errorf("pool sizes cannot be negative")
	}
	if c.MaxPoolSize > 0 && c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("min pool size %d exceeds max pool size %d",
			c.MinPoolSize, c.MaxPoolSize,
		)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MinPoolSize == 0 {
		c.MinPoolSize = 5
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 50
	}
	if c.AccountsPerRequest <= 0 {
		c.AccountsPerRequest = 1
	}
	if c.ReplenishBatchSize <= 0 {
		c.ReplenishBatchSize = c.MinPoolSize
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 5 * time.Minute
	}
	if c.QuotaCooldown <= 0 {
		c.QuotaCooldown = 30 * 24 * time.Hour
	}
	if c.TokenRefreshAfter <= 0 {
		c.TokenRefreshAfter = 45 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns allocation, release, quota-exhaustion and replenishment
// semantics for the account pool. It is the single orchestration hub: every
// mutation of shared pool state goes through the Store's atomic primitives,
// so the Manager itself holds no authoritative state beyond liveness.
type Manager struct {
	store       *Store
	db          *pgxpool.Pool
	replenisher *Replenisher
	exchange    TokenExchange
	cfg         Config
	logger      *slog.Logger

	// lowPool receives wakeups from the LISTEN/NOTIFY channel.
	lowPool chan struct{}

	// replenishMu serializes replenishment passes so a listener wakeup and
	// a manual request cannot run concurrent batches against the registrar.
	replenishMu sync.Mutex

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewManager creates a Manager from cfg. The manager is idle until Start is
// called.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager configuration: %w", err)
	}
	cfg.applyDefaults()

	store := NewStore(cfg.DB)
	m := &Manager{
		store: store,
		db:    cfg.DB,
		replenisher: NewReplenisher(cfg.Registrar, store, ReplenisherConfig{
			MaxWorkers:     cfg.MaxWorkers,
			AttemptTimeout: cfg.AttemptTimeout,
			SubmitInterval: cfg.SubmitInterval,
			Logger:         cfg.Logger,
		}),
		exchange: cfg.TokenExchange,
		cfg:      cfg,
		logger:   cfg.Logger,
		lowPool:  make(chan struct{}, 1),
	}
	return m, nil
}

// Store exposes the manager's underlying store.
func (m *Manager) Store() *Store {
	return m.store
}

// QuotaCooldown returns the configured rest period for exhausted accounts.
func (m *Manager) QuotaCooldown() time.Duration {
	return m.cfg.QuotaCooldown
}

// Start launches the background maintenance loop and, unless disabled, the
// low-pool listener. It returns an error if the manager is already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("manager is already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if !m.cfg.NoStartListening {
		listener := &pgxlisten.Listener{
			Connect: func(ctx context.Context) (*pgx.Conn, error) {
				config := m.db.Config().ConnConfig.Copy()
				return pgx.ConnectConfig(ctx, config)
			},
		}
		listener.Handle(lowPoolChannel, pgxlisten.HandlerFunc(m.handleLowPoolNotification))

		listenCtx, cancel := context.WithCancel(context.Background())
		go func() {
			<-m.stop
			cancel()
		}()
		go func() {
			if err := listener.Listen(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
				// Without the listener the pool still recovers on the next
				// maintenance tick, so log instead of failing hard.
				m.logger.Error("low-pool listener stopped", "error", err)
			}
		}()
	}

	go m.maintenanceLoop()

	m.logger.Info("account pool manager started",
		"min_pool_size", m.cfg.MinPoolSize,
		"max_pool_size", m.cfg.MaxPoolSize,
		"maintenance_interval", m.cfg.MaintenanceInterval,
	)
	return nil
}

// Close stops the maintenance loop and the listener. It does not close the
// underlying database pool, which is managed by the caller. Close is
// idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("account pool manager stopped")
}

// Running reports whether the manager's background loop is active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) handleLowPoolNotification(ctx context.Context, _ *pgconn.Notification, _ *pgx.Conn) error {
	select {
	case m.lowPool <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
	return nil
}

// notifyLowPool emits a NOTIFY so every manager process, not just this one,
// can react to the shortage immediately.
func (m *Manager) notifyLowPool(ctx context.Context) {
	if _, err := m.db.Exec(ctx, "SELECT pg_notify($1, '')", lowPoolChannel); err != nil {
		m.logger.Warn("failed to notify low pool", "error", err)
	}
}

func (m *Manager) maintenanceLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.maintain(context.Background())
		case <-m.lowPool:
			m.ensureMinimum(context.Background())
		}
	}
}

// maintain runs one full maintenance cycle: reclaim rested accounts, refill
// the pool if it is short, refresh stale tokens.
func (m *Manager) maintain(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.QuotaCooldown)
	reclaimed, err := m.store.ReclaimExpired(ctx, cutoff)
	if err != nil {
		m.logger.Error("failed to reclaim exhausted accounts", "error", err)
	} else if len(reclaimed) > 0 {
		m.logger.Info("reclaimed exhausted accounts", "count", len(reclaimed))
	}

	m.ensureMinimum(ctx)

	if m.exchange != nil {
		if report := m.refreshStaleTokens(ctx); report.Refreshed > 0 || report.Failed > 0 {
			m.logger.Info("proactive token refresh",
				"refreshed", report.Refreshed, "failed", report.Failed)
		}
	}
}

// ensureMinimum runs a replenishment pass if available accounts are below
// the configured minimum, respecting the max pool size.
func (m *Manager) ensureMinimum(ctx context.Context) {
	available, err := m.store.CountAvailable(ctx)
	if err != nil {
		m.logger.Error("failed to count available accounts", "error", err)
		return
	}
	if available >= m.cfg.MinPoolSize {
		return
	}

	need := m.cfg.MinPoolSize - available
	if m.cfg.MaxPoolSize > 0 {
		stats, err := m.store.Stats(ctx)
		if err != nil {
			m.logger.Error("failed to read pool stats", "error", err)
			return
		}
		if room := m.cfg.MaxPoolSize - stats.Total(); room < need {
			need = room
		}
	}
	if need <= 0 {
		return
	}

	m.logger.Info("pool below minimum, replenishing",
		"available", available, "min_pool_size", m.cfg.MinPoolSize, "need", need)
	m.replenish(ctx, need)
}

func (m *Manager) replenish(ctx context.Context, count int) ReplenishResult {
	m.replenishMu.Lock()
	defer m.replenishMu.Unlock()
	return m.replenisher.Run(ctx, count)
}

// AllocationResult is the outcome of an allocation request. When Success is
// false the pool could not cover the requested count and nothing was claimed.
type AllocationResult struct {
	Success   bool
	SessionID string
	Accounts  []Account
}

// Allocate leases count accounts to a session. If sessionID is non-empty and
// still bound to accounts, those accounts are returned unchanged (idempotent
// re-fetch). Otherwise a session id is generated when absent and count
// available accounts are claimed atomically. Allocation is all-or-nothing:
// if fewer than count accounts are available, the result reports failure
// with no accounts claimed, and no error. Allocate never blocks waiting for
// supply.
func (m *Manager) Allocate(ctx context.Context, sessionID string, count int) (AllocationResult, error) {
	if count <= 0 {
		count = m.cfg.AccountsPerRequest
	}

	if sessionID != "" {
		existing, err := m.store.AccountsBySession(ctx, sessionID)
		if err != nil {
			return AllocationResult{}, err
		}
		if len(existing) > 0 {
			return AllocationResult{Success: true, SessionID: sessionID, Accounts: existing}, nil
		}
	} else {
		sessionID = uuid.NewString()
	}

	claimed, err := m.store.Claim(ctx, sessionID, count)
	if err != nil {
		if errors.Is(err, ErrInsufficientAccounts) {
			m.logger.Warn("allocation failed, pool insufficient",
				"session_id", sessionID, "count", count)
			m.notifyLowPool(ctx)
			return AllocationResult{SessionID: sessionID}, nil
		}
		return AllocationResult{}, err
	}

	m.logger.Info("allocated accounts",
		"session_id", sessionID, "count", len(claimed))

	// Kick replenishment early if this claim left the pool short.
	if available, err := m.store.CountAvailable(ctx); err == nil && available < m.cfg.MinPoolSize {
		m.notifyLowPool(ctx)
	}

	return AllocationResult{Success: true, SessionID: sessionID, Accounts: claimed}, nil
}

// Release returns every account bound to sessionID to the pool and reports
// how many were released. Releasing an unknown or already-released session
// releases zero accounts and is not an error.
func (m *Manager) Release(ctx context.Context, sessionID string) (int, error) {
	released, err := m.store.ReleaseSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		m.logger.Info("released session", "session_id", sessionID, "count", released)
	} else {
		m.logger.Warn("release for unknown session", "session_id", sessionID)
	}
	return released, nil
}

// MarkQuotaExhausted retires the account regardless of its current state,
// clearing any session binding and stamping the exhaustion time. It reports
// whether the account existed.
func (m *Manager) MarkQuotaExhausted(ctx context.Context, email string) (bool, error) {
	ok, err := m.store.MarkQuotaExhausted(ctx, email, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Warn("account quota exhausted", "email", email)
		m.notifyLowPool(ctx)
	} else {
		m.logger.Warn("quota exhausted mark for unknown account", "email", email)
	}
	return ok, nil
}

// PoolStatus is a point-in-time snapshot of the pool.
type PoolStatus struct {
	Stats              PoolStats `json:"pool_stats"`
	ActiveSessions     int       `json:"active_sessions"`
	Running            bool      `json:"running"`
	MinPoolSize        int       `json:"min_pool_size"`
	AccountsPerRequest int       `json:"accounts_per_request"`
	Health             Health    `json:"health"`
}

// Status returns per-status counts, the active session count, and a health
// classification of the pool.
func (m *Manager) Status(ctx context.Context) (PoolStatus, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return PoolStatus{}, err
	}
	sessions, err := m.store.ActiveSessions(ctx)
	if err != nil {
		return PoolStatus{}, err
	}
	return PoolStatus{
		Stats:              stats,
		ActiveSessions:     sessions,
		Running:            m.Running(),
		MinPoolSize:        m.cfg.MinPoolSize,
		AccountsPerRequest: m.cfg.AccountsPerRequest,
		Health:             m.health(stats.Available),
	}, nil
}

func (m *Manager) health(available int) Health {
	switch {
	case available >= m.cfg.MinPoolSize:
		return HealthHealthy
	case available > 0:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// ManualReplenish runs one replenishment pass of count attempts (the
// configured batch size when count <= 0) and returns the resulting available
// count alongside the pass aggregates.
func (m *Manager) ManualReplenish(ctx context.Context, count int) (int, ReplenishResult, error) {
	if count <= 0 {
		count = m.cfg.ReplenishBatchSize
	}
	result := m.replenish(ctx, count)
	available, err := m.store.CountAvailable(ctx)
	if err != nil {
		return 0, result, err
	}
	return available, result, nil
}

// RefreshPool runs a full maintenance cycle immediately and returns the
// available count afterwards.
func (m *Manager) RefreshPool(ctx context.Context) (int, error) {
	m.maintain(ctx)
	return m.store.CountAvailable(ctx)
}

// Account returns the pooled account with the given email.
func (m *Manager) Account(ctx context.Context, email string) (Account, error) {
	return m.store.GetByEmail(ctx, email)
}

// ExhaustedAccounts returns all quota_exhausted accounts, most recent first.
func (m *Manager) ExhaustedAccounts(ctx context.Context) ([]Account, error) {
	return m.store.ListExhausted(ctx)
}

// TokenRefreshReport aggregates a token refresh run.
type TokenRefreshReport struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// RefreshTokens refreshes the tokens of one account when email is non-empty,
// or of all stale accounts otherwise. With force set, the staleness window
// is ignored. It requires a TokenExchange; without one it returns an error.
func (m *Manager) RefreshTokens(ctx context.Context, email string, force bool) (TokenRefreshReport, error) {
	if m.exchange == nil {
		return TokenRefreshReport{}, errors.New("token exchange is not configured")
	}

	var targets []Account
	if email != "" {
		acct, err := m.store.GetByEmail(ctx, email)
		if err != nil {
			return TokenRefreshReport{}, err
		}
		if !force && time.Since(acct.LastRefreshTime) < m.cfg.TokenRefreshAfter {
			return TokenRefreshReport{}, nil
		}
		targets = []Account{acct}
	} else {
		olderThan := time.Now().UTC().Add(-m.cfg.TokenRefreshAfter)
		if force {
			olderThan = time.Now().UTC()
		}
		var err error
		targets, err = m.store.ListStaleTokens(ctx, olderThan, m.cfg.MaxPoolSize)
		if err != nil {
			return TokenRefreshReport{}, err
		}
	}

	var report TokenRefreshReport
	for _, acct := range targets {
		if err := m.refreshAccountTokens(ctx, acct); err != nil {
			m.logger.Warn("token refresh failed", "email", acct.Email, "error", err)
			report.Failed++
			continue
		}
		report.Refreshed++
	}
	return report, nil
}

func (m *Manager) refreshAccountTokens(ctx context.Context, acct Account) error {
	token, err := m.exchange.Exchange(ctx, acct.RefreshToken)
	if err != nil {
		return err
	}
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = acct.RefreshToken
	}
	if _, err := m.store.UpdateTokens(ctx, acct.Email, token.AccessToken, refreshToken, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// refreshStaleTokens is the maintenance-loop variant of RefreshTokens.
func (m *Manager) refreshStaleTokens(ctx context.Context) TokenRefreshReport {
	report, err := m.RefreshTokens(ctx, "", false)
	if err != nil {
		m.logger.Error("stale token refresh failed", "error", err)
	}
	return report
}
