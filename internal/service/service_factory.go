package service

import (
	"go.uber.org/zap"

	"security-monitor/internal/analysis"
	"security-monitor/internal/bucketing"
	"security-monitor/internal/config"
	"security-monitor/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store    repository.CounterStore
	cache    repository.JSONCache
	limiter  repository.RateLimiter
	events   eventLogger
	analyzer logAnalyzer
	alerts   alertQueue
	keys     *bucketing.KeyManager
	cfg      config.SecurityConfig
	logger   *zap.Logger
	options  []MonitorOption

	counterService *CounterService
	monitorService *SecurityMonitorService
	authTracker    *AuthTracker
}

// NewServiceFactory creates a new service factory. alerts may be nil when
// notifications are disabled.
func NewServiceFactory(
	store repository.CounterStore,
	cache repository.JSONCache,
	limiter repository.RateLimiter,
	events eventLogger,
	analyzer logAnalyzer,
	alerts alertQueue,
	keys *bucketing.KeyManager,
	cfg config.SecurityConfig,
	logger *zap.Logger,
	opts ...MonitorOption,
) *ServiceFactory {
	return &ServiceFactory{
		store:    store,
		cache:    cache,
		limiter:  limiter,
		events:   events,
		analyzer: analyzer,
		alerts:   alerts,
		keys:     keys,
		cfg:      cfg,
		logger:   logger,
		options:  opts,
	}
}

// CounterService returns the counter service instance (singleton)
func (f *ServiceFactory) CounterService() *CounterService {
	if f.counterService == nil {
		f.counterService = NewCounterService(f.store, f.logger)
	}
	return f.counterService
}

// SecurityMonitor returns the security monitor instance (singleton)
func (f *ServiceFactory) SecurityMonitor() *SecurityMonitorService {
	if f.monitorService == nil {
		f.monitorService = NewSecurityMonitorService(
			f.CounterService(),
			f.events,
			f.analyzer,
			analysis.ThresholdsFromConfig(f.cfg),
			f.cache,
			f.keys,
			f.logger,
			f.options...,
		)
	}
	return f.monitorService
}

// AuthTracker returns the login band tracker instance (singleton)
func (f *ServiceFactory) AuthTracker() *AuthTracker {
	if f.authTracker == nil {
		f.authTracker = NewAuthTracker(
			f.CounterService(),
			f.limiter,
			f.cache,
			f.SecurityMonitor(),
			f.alerts,
			f.keys,
			f.cfg,
			f.logger,
		)
	}
	return f.authTracker
}
