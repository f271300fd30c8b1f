package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/utxoracle/utxoracle-live/internal/config"
)

// Accuracy monitor
//
// Every monitor interval, rolling prediction accuracy is computed over 1h,
// 24h and 7d windows. A window below the warn threshold emits WARNING,
// below the crit threshold CRITICAL. Alerts deduplicate with a per-level
// cooldown and are pushed to the configured webhook endpoint.

type AccuracySource interface {
	RollingAccuracy(ctx context.Context, since time.Time) (avg float64, count int, err error)
}

// AccuracyAlert is the monitor's alert payload, webhook-compatible JSON.
type AccuracyAlert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"` // WARNING or CRITICAL
	Window    string    `json:"window"`
	Accuracy  float64   `json:"accuracy"`
	Samples   int       `json:"samples"`
	Message   string    `json:"message"`
}

type accuracyWindow struct {
	name string
	span time.Duration
}

var accuracyWindows = []accuracyWindow{
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
}

const monitorMaxHistory = 100

type Monitor struct {
	cfg    config.TrackerConfig
	source AccuracySource
	client *http.Client

	mu        sync.RWMutex
	lastFired map[string]time.Time // severity -> last emission
	recent    []AccuracyAlert
}

func NewMonitor(cfg config.TrackerConfig, source AccuracySource) *Monitor {
	return &Monitor{
		cfg:       cfg,
		source:    source,
		client:    &http.Client{Timeout: 10 * time.Second},
		lastFired: make(map[string]time.Time),
	}
}

// Run evaluates the windows on the monitor interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context) {
	now := time.Now().UTC()
	for _, w := range accuracyWindows {
		avg, count, err := m.source.RollingAccuracy(ctx, now.Add(-w.span))
		if err != nil {
			log.Printf("[Monitor] Accuracy query failed for %s window: %v", w.name, err)
			continue
		}
		if count == 0 {
			continue
		}

		var severity string
		switch {
		case avg < m.cfg.CritThreshold:
			severity = "CRITICAL"
		case avg < m.cfg.WarnThreshold:
			severity = "WARNING"
		default:
			continue
		}

		if !m.shouldFire(severity, now) {
			continue
		}
		alert := AccuracyAlert{
			Timestamp: now,
			Severity:  severity,
			Window:    w.name,
			Accuracy:  avg,
			Samples:   count,
			Message:   "prediction accuracy degraded below threshold",
		}
		m.emit(alert)
	}
}

// shouldFire applies the per-severity cooldown.
func (m *Monitor) shouldFire(severity string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastFired[severity]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		return false
	}
	m.lastFired[severity] = now
	return true
}

func (m *Monitor) emit(alert AccuracyAlert) {
	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > monitorMaxHistory {
		m.recent = m.recent[len(m.recent)-monitorMaxHistory:]
	}
	m.mu.Unlock()

	log.Printf("[Monitor] [%s] accuracy %.3f over %s window (%d samples)",
		alert.Severity, alert.Accuracy, alert.Window, alert.Samples)

	if m.cfg.WebhookURL != "" {
		go m.sendWebhook(alert)
	}
}

// RecentAlerts returns the newest alerts first, for the HTTP API.
func (m *Monitor) RecentAlerts(limit int) []AccuracyAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]AccuracyAlert, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}

func (m *Monitor) sendWebhook(alert AccuracyAlert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("[Webhook] Failed to marshal alert: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, m.cfg.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[Webhook] Failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		log.Printf("[Webhook] Delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Printf("[Webhook] Endpoint returned status %d", resp.StatusCode)
	}
}
