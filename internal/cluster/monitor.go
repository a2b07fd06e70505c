package cluster

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Host health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HostHealth is the monitor's view of one host.
type HostHealth struct {
	LastCheck        time.Time // Timestamp of the last health check attempt
	LastHealthy      time.Time // Timestamp of the last successful health check
	HostID           string    // Directory ID of the host
	Status           string    // StatusUnknown, StatusHealthy or StatusUnhealthy
	ConsecutiveFails int       // Number of consecutive failed health checks
}

// HostMonitor periodically health checks every host in a Directory and reports the
// ones that stop answering. It only observes: a round waiting on an actor
// of a dead host still waits, but the logs say which host to look at.
type HostMonitor struct {
	dir         Directory
	logger      *zap.Logger
	hosts       map[string]*HostHealth
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(info HostInfo)
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	mu          sync.RWMutex
}

// NewHostMonitor returns a monitor that checks the hosts in dir every
// interval. A host is marked unhealthy after three consecutive failures.
func NewHostMonitor(dir Directory, interval time.Duration, logger *zap.Logger) *HostMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HostMonitor{
		dir:         dir,
		logger:      logger.Named("monitor"),
		hosts:       make(map[string]*HostHealth),
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
	}
	m.checkFunc = m.getHealth
	return m
}

// SetOnUnhealthy registers a callback run when a host turns unhealthy.
func (m *HostMonitor) SetOnUnhealthy(callback func(info HostInfo)) {
	m.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP health check, mainly for tests.
func (m *HostMonitor) SetCheckFunction(check func(ctx context.Context, addr string) error) {
	m.checkFunc = check
}

// Run checks all hosts immediately and then every interval until ctx is done.
func (m *HostMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("host monitor started", zap.Duration("interval", m.interval))
	m.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-ctx.Done():
			m.logger.Debug("host monitor stopped")
			return
		}
	}
}

// CheckAll checks every host currently in the directory once. Hosts that
// left the directory are forgotten.
func (m *HostMonitor) CheckAll(ctx context.Context) {
	hosts, err := m.dir.List(ctx)
	if err != nil {
		m.logger.Warn("failed to list hosts", zap.Error(err))
		return
	}

	current := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		current[h.ID] = true
		m.check(ctx, h)
	}

	m.mu.Lock()
	for id := range m.hosts {
		if !current[id] {
			delete(m.hosts, id)
			m.logger.Info("host left the directory", zap.String("host", id))
		}
	}
	m.mu.Unlock()
}

func (m *HostMonitor) check(ctx context.Context, info HostInfo) {
	m.mu.Lock()
	health, ok := m.hosts[info.ID]
	if !ok {
		now := time.Now()
		health = &HostHealth{HostID: info.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		m.hosts[info.ID] = health
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.checkFunc(ctx, info.Addr)
	cancel()

	m.mu.Lock()
	health.LastCheck = time.Now()
	turnedUnhealthy := false
	if err != nil {
		health.ConsecutiveFails++
		m.logger.Debug("health check failed",
			zap.String("host", info.ID), zap.Int("attempt", health.ConsecutiveFails), zap.Error(err))
		if health.ConsecutiveFails >= m.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			turnedUnhealthy = true
		}
	} else {
		if health.Status == StatusUnhealthy {
			m.logger.Info("host recovered", zap.String("host", info.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	fails := health.ConsecutiveFails
	m.mu.Unlock()

	if turnedUnhealthy {
		m.logger.Warn("host unhealthy", zap.String("host", info.ID), zap.String("addr", info.Addr), zap.Int("failures", fails))
		if m.onUnhealthy != nil {
			m.onUnhealthy(info)
		}
	}
}

func (m *HostMonitor) getHealth(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/health", nil)
	if err != nil {
		return err
	}
	return do(req, nil)
}

// All returns a copy of every tracked host's health.
func (m *HostMonitor) All() map[string]HostHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HostHealth, len(m.hosts))
	for id, h := range m.hosts {
		out[id] = *h
	}
	return out
}
