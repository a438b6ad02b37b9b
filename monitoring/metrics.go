// Package monitoring 提供推理指标与任务事件推送
package monitoring

import (
	"runtime"
	"sync"
	"time"
)

const recentLatencies = 5

// InferenceMetrics 推理指标收集器
type InferenceMetrics struct {
	mu sync.Mutex

	requests     int64
	errors       int64
	totalMs      float64
	latencies    []float64
	classCounts  map[string]int64
	retrainsDone int64
	retrainsFail int64

	startTime time.Time
}

// Snapshot 指标快照
type Snapshot struct {
	RequestCount      int64            `json:"request_count"`
	ErrorCount        int64            `json:"error_count"`
	AvgInferenceMs    float64          `json:"avg_inference_ms"`
	LastLatenciesMs   []float64        `json:"last_5_latencies_ms"`
	ClassCounts       map[string]int64 `json:"class_counts"`
	RetrainsCompleted int64            `json:"retrains_completed"`
	RetrainsFailed    int64            `json:"retrains_failed"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
}

// NewInferenceMetrics 创建指标收集器
func NewInferenceMetrics() *InferenceMetrics {
	return &InferenceMetrics{
		classCounts: make(map[string]int64),
		startTime:   time.Now(),
	}
}

// Record 记录一次成功预测
func (m *InferenceMetrics) Record(label string, latencyMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.totalMs += latencyMs
	m.classCounts[label]++
	m.latencies = append(m.latencies, latencyMs)
	if len(m.latencies) > recentLatencies {
		m.latencies = m.latencies[len(m.latencies)-recentLatencies:]
	}
}

// RecordError 记录一次失败预测
func (m *InferenceMetrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	m.errors++
}

// RecordRetrain counts finished retrain jobs.
func (m *InferenceMetrics) RecordRetrain(succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if succeeded {
		m.retrainsDone++
	} else {
		m.retrainsFail++
	}
}

// Snapshot 返回副本
func (m *InferenceMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		RequestCount:      m.requests,
		ErrorCount:        m.errors,
		LastLatenciesMs:   append([]float64{}, m.latencies...),
		ClassCounts:       make(map[string]int64, len(m.classCounts)),
		RetrainsCompleted: m.retrainsDone,
		RetrainsFailed:    m.retrainsFail,
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
	}
	if ok := m.requests - m.errors; ok > 0 {
		s.AvgInferenceMs = m.totalMs / float64(ok)
	}
	for label, n := range m.classCounts {
		s.ClassCounts[label] = n
	}
	return s
}

// SystemStats 获取系统统计
func SystemStats() map[string]interface{} {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":      ms.Alloc,
			"sys":        ms.Sys,
			"heap_inuse": ms.HeapInuse,
			"gc_count":   ms.NumGC,
		},
		"num_cpu": runtime.NumCPU(),
	}
}
