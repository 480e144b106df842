package services

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/platform"
)

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

var qualityRank = map[Quality]int{
	QualityPoor:      1,
	QualityFair:      2,
	QualityGood:      3,
	QualityExcellent: 4,
}

// FeatureRequirements is the minimum tier each bandwidth-heavy feature needs.
// Features not listed are never disabled.
var FeatureRequirements = map[string]Quality{
	"video-kyc":        QualityGood,
	"live-charts":      QualityGood,
	"document-upload":  QualityFair,
	"statement-export": QualityFair,
}

// ClassifyConnection buckets a link signal into a quality tier.
func ClassifyConnection(info platform.ConnectionInfo) Quality {
	switch {
	case info.EffectiveType == "4g" && info.DownlinkMbps >= 10 && info.RTTMillis <= 50:
		return QualityExcellent
	case info.EffectiveType == "4g" || (info.DownlinkMbps >= 5 && info.RTTMillis <= 150):
		return QualityGood
	case info.EffectiveType == "3g" || (info.DownlinkMbps >= 1.5 && info.RTTMillis <= 400):
		return QualityFair
	default:
		return QualityPoor
	}
}

// Prober checks whether the server is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// NetworkStatus is a point-in-time view of the monitor.
type NetworkStatus struct {
	Online  bool
	Quality Quality
}

// NetworkMonitor is the single source of truth for reachability.
type NetworkMonitor struct {
	platform platform.Capabilities
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	online    bool
	listeners []func(NetworkStatus)

	flush chan struct{}
}

// NewNetworkMonitor starts optimistic (online) so enqueued work is attempted
// immediately; the first probe corrects it.
func NewNetworkMonitor(caps platform.Capabilities, prober Prober, interval time.Duration) *NetworkMonitor {
	if caps == nil {
		caps = platform.Headless{}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &NetworkMonitor{
		platform: caps,
		prober:   prober,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
		online:   true,
		flush:    make(chan struct{}, 1),
	}
}

func (m *NetworkMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Quality derives the tier from the platform signal on every call. Without a
// signal it is unknown.
func (m *NetworkMonitor) Quality() Quality {
	info, ok := m.platform.ConnectionInfo()
	if !ok {
		return QualityUnknown
	}
	return ClassifyConnection(info)
}

func (m *NetworkMonitor) Status() NetworkStatus {
	return NetworkStatus{Online: m.IsOnline(), Quality: m.Quality()}
}

// ShouldDisableFeature reports whether feature needs a better link than the
// current one. Unknown quality never disables anything.
func (m *NetworkMonitor) ShouldDisableFeature(feature string) bool {
	required, ok := FeatureRequirements[feature]
	if !ok {
		return false
	}
	current := m.Quality()
	if current == QualityUnknown {
		return false
	}
	return qualityRank[current] < qualityRank[required]
}

// FlushSignal fires once per offline→online transition. Signals that arrive
// while one is pending coalesce.
func (m *NetworkMonitor) FlushSignal() <-chan struct{} {
	return m.flush
}

// OnChange registers a listener for online/offline transitions.
func (m *NetworkMonitor) OnChange(fn func(NetworkStatus)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetOnline records a reachability observation from any source (probe,
// transport errors, host events).
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if online {
		m.logger.Info("network online")
		select {
		case m.flush <- struct{}{}:
		default:
		}
	} else {
		m.logger.Warn("network offline")
	}

	status := NetworkStatus{Online: online, Quality: m.Quality()}
	for _, fn := range listeners {
		fn(status)
	}
}

// Probe runs one reachability check.
func (m *NetworkMonitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(ctx)
	if err != nil && ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
		// Parent context cancelled; not an observation.
		return
	}
	if err != nil {
		m.logger.Debug("reachability probe failed", "error", err)
	}
	m.SetOnline(err == nil)
}

// Run probes every interval until ctx is cancelled.
func (m *NetworkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
