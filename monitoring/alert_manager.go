package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	Info  AlertLevel = "info"
	Error AlertLevel = "error"
)

// Alert 告警结构
type Alert struct {
	ID        string                 `json:"id"`
	Level     AlertLevel             `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AlertStats 告警统计
type AlertStats struct {
	Total     int64                `json:"total_alerts"`
	Delivered int64                `json:"delivered"`
	Limited   int64                `json:"rate_limited"`
	Failed    int64                `json:"failed"`
	ByLevel   map[AlertLevel]int64 `json:"by_level"`
	LastAlert time.Time            `json:"last_alert,omitempty"`
}

// AlertSystem 将告警以JSON POST推送到webhook。同一级别的告警在冷却时间内只发送一次。
type AlertSystem struct {
	mu         sync.Mutex
	webhook    string
	cooldown   time.Duration
	httpClient *http.Client
	lastSent   map[AlertLevel]time.Time
	recent     []Alert
	stats      AlertStats
	log        *zap.Logger
	now        func() time.Time
}

const recentAlerts = 20

// NewAlertSystem 创建告警系统。webhook为空时只记录日志和统计。
func NewAlertSystem(webhook string, cooldown time.Duration, log *zap.Logger) *AlertSystem {
	return &AlertSystem{
		webhook:    webhook,
		cooldown:   cooldown,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lastSent:   make(map[AlertLevel]time.Time),
		stats:      AlertStats{ByLevel: make(map[AlertLevel]int64)},
		log:        log,
		now:        time.Now,
	}
}

// SendAlert 发送告警
func (a *AlertSystem) SendAlert(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now().UTC()
	}

	a.mu.Lock()
	a.stats.Total++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp
	a.recent = append(a.recent, alert)
	if len(a.recent) > recentAlerts {
		a.recent = a.recent[len(a.recent)-recentAlerts:]
	}
	limited := a.webhook == "" || !a.allow(alert.Level)
	if limited && a.webhook != "" {
		a.stats.Limited++
	}
	a.mu.Unlock()

	a.log.Info("alert", zap.String("level", string(alert.Level)), zap.String("title", alert.Title),
		zap.String("message", alert.Message))
	if limited {
		return nil
	}

	err := a.post(ctx, alert)
	a.mu.Lock()
	if err != nil {
		a.stats.Failed++
	} else {
		a.stats.Delivered++
	}
	a.mu.Unlock()
	return err
}

// allow 检查冷却时间，调用方持有锁
func (a *AlertSystem) allow(level AlertLevel) bool {
	now := a.now()
	if last, ok := a.lastSent[level]; ok && a.cooldown > 0 && now.Sub(last) < a.cooldown {
		return false
	}
	a.lastSent[level] = now
	return true
}

func (a *AlertSystem) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver alert: webhook returned %s", resp.Status)
	}
	return nil
}

// Stats 返回统计快照
func (a *AlertSystem) Stats() AlertStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.stats
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	return stats
}

// Recent 返回最近的告警，旧的在前
func (a *AlertSystem) Recent() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.recent...)
}
