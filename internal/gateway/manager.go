// Package gateway manages per-user venue connections: one long-lived
// market-data feed per user (shared across users on the same symbol
// would be an optimization the teacher's connectionID-keyed pool didn't
// need either — here every call is already scoped to a single user's
// token), with LRU eviction, health checks and a circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zenixcore/pkg/crypto"
	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrGatewayUnhealthy = errors.New("venue client is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// ClientFactory builds a venue.Client for a session, given its decrypted
// token. Exists so tests can substitute a fake client.
type ClientFactory func(session *db.UserSession, token string) *venue.Client

// cachedClient holds a venue.Client with metadata for lifecycle management.
type cachedClient struct {
	client    *venue.Client
	userID    string
	symbol    string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config holds pool sizing and health-check tuning.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          500,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager is the per-user venue connection pool (spec.md §4.1's Venue
// Gateway, minus the protocol itself which lives in pkg/venue).
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*cachedClient // userID -> cached client
	lruOrder []string

	config  Config
	crypto  *crypto.KeyManager
	db      *db.Database
	factory ClientFactory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a Manager over database (for token lookup) and
// cryptoMgr (for token decryption), using factory to build venue.Clients.
func NewManager(database *db.Database, cryptoMgr *crypto.KeyManager, factory ClientFactory, cfg Config) *Manager {
	return &Manager{
		clients: make(map[string]*cachedClient),
		config:  cfg,
		crypto:  cryptoMgr,
		db:      database,
		factory: factory,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the background idle-cleanup and health-check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop gracefully shuts down the manager and closes every pooled client.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.clients {
		cached.client.Close()
		delete(m.clients, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns the pooled venue.Client for userID, building a
// fresh one through the factory (decrypting the stored token) on first
// use; the client does not dial until it is used.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*venue.Client, error) {
	m.mu.RLock()
	if cached, ok := m.clients[userID]; ok {
		if cached.failures >= m.config.FailureThreshold && time.Since(cached.healthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrGatewayUnhealthy
		}
		m.mu.RUnlock()
		m.touchLRU(userID)
		return cached.client, nil
	}
	m.mu.RUnlock()

	return m.createClient(ctx, userID)
}

func (m *Manager) createClient(ctx context.Context, userID string) (*venue.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.clients[userID]; ok {
		m.touchLRULocked(userID)
		return cached.client, nil
	}

	if len(m.clients) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	session, err := m.db.GetUserSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	token, err := m.decryptToken(session.VenueTokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt venue token: %w", err)
	}

	client := m.factory(session, token)

	now := time.Now()
	m.clients[userID] = &cachedClient{
		client:    client,
		userID:    userID,
		symbol:    session.Symbol,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, userID)

	return client, nil
}

func (m *Manager) decryptToken(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	if m.crypto == nil {
		return encrypted, nil
	}
	return m.crypto.Decrypt(encrypted)
}

// Remove closes and evicts userID's pooled client.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.clients[userID]; ok {
		cached.client.Close()
		delete(m.clients, userID)
		m.removeLRULocked(userID)
	}
}

// Evict satisfies risk.Evictor: a stopped_* session no longer needs its
// market-data feed.
func (m *Manager) Evict(userID string) {
	m.Remove(userID)
}

// RecordFailure increments userID's failure counter, toward the circuit
// breaker's threshold.
func (m *Manager) RecordFailure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.clients[userID]; ok {
		cached.failures++
	}
}

// RecordSuccess resets userID's failure counter and healthy timestamp.
func (m *Manager) RecordSuccess(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.clients[userID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// PoolStats reports current pool occupancy.
type PoolStats struct {
	TotalClients   int
	MaxSize        int
	UnhealthyCount int
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{TotalClients: len(m.clients), MaxSize: m.config.MaxSize}
	for _, cached := range m.clients {
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLRU(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(userID)
}

func (m *Manager) touchLRULocked(userID string) {
	if cached, ok := m.clients[userID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, userID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(userID string) {
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	if cached, ok := m.clients[oldest]; ok {
		cached.client.Close()
		delete(m.clients, oldest)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var stale []string
	for id, cached := range m.clients {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if cached, ok := m.clients[id]; ok {
			cached.client.Close()
			delete(m.clients, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

// healthCheck counts a client with no tick subscription id (its
// EnsureMarketData has not completed) as a failure toward the circuit
// breaker and any other client as healthy. The subscription id is not
// cleared while a feed reconnects, so a client stuck reconnecting still
// counts as healthy.
func (m *Manager) healthCheck(userID string) {
	m.mu.RLock()
	cached, ok := m.clients[userID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if cached.client.SubscriptionID() == "" {
		m.RecordFailure(userID)
		return
	}
	m.RecordSuccess(userID)
}
