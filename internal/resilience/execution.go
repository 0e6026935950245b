package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"sentinentx/internal/models"
)

// ExecutionQuality is the quality record of one ladder attempt.
type ExecutionQuality struct {
	OrderID        string               `json:"order_id"`
	Symbol         string               `json:"symbol"`
	Side           models.Side          `json:"side"`
	Mode           models.ExecutionMode `json:"mode"`
	ReferencePrice float64              `json:"reference_price"`
	AvgPrice       float64              `json:"avg_price"`
	RequestedQty   float64              `json:"requested_qty"`
	FilledQty      float64              `json:"filled_qty"`
	// SlippageBps is signed so that positive means worse than the reference for the side.
	SlippageBps  float64   `json:"slippage_bps"`
	LatencyMs    int64     `json:"latency_ms"`
	Rejected     bool      `json:"rejected"`
	RejectReason string    `json:"reject_reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FillRatio returns filled over requested quantity.
func (e ExecutionQuality) FillRatio() float64 {
	if e.RequestedQty <= 0 {
		return 0
	}
	return e.FilledQty / e.RequestedQty
}

// ExecutionQualityTracker tracks and analyzes execution quality.
type ExecutionQualityTracker struct {
	mu sync.RWMutex

	slippageAlertBps      float64
	latencyAlertThreshold int64
	maxStored             int

	executions      []ExecutionQuality
	totalExecutions int64
	totalRejections int64
	totalSlippage   float64
	totalLatency    int64
	totalRequested  float64
	totalFilled     float64
	maxSlippage     float64
	maxLatency      int64

	// Rolling window for recent metrics
	windowSize    int
	recentMetrics []ExecutionQuality

	onAlert func(alert ExecutionAlert)
	now     func() time.Time
}

// ExecutionTrackerConfig holds configuration for execution tracking.
type ExecutionTrackerConfig struct {
	SlippageAlertBps      float64
	LatencyAlertThreshold int64 // Milliseconds
	WindowSize            int
	MaxStoredExecutions   int
}

// DefaultExecutionTrackerConfig returns default configuration.
func DefaultExecutionTrackerConfig() ExecutionTrackerConfig {
	return ExecutionTrackerConfig{
		SlippageAlertBps:      50,
		LatencyAlertThreshold: 1000,
		WindowSize:            100,
		MaxStoredExecutions:   1000,
	}
}

// NewExecutionQualityTracker creates a new execution quality tracker.
func NewExecutionQualityTracker(config ExecutionTrackerConfig) *ExecutionQualityTracker {
	if config.WindowSize <= 0 {
		config.WindowSize = 100
	}
	if config.MaxStoredExecutions <= 0 {
		config.MaxStoredExecutions = 1000
	}
	return &ExecutionQualityTracker{
		slippageAlertBps:      config.SlippageAlertBps,
		latencyAlertThreshold: config.LatencyAlertThreshold,
		maxStored:             config.MaxStoredExecutions,
		windowSize:            config.WindowSize,
		executions:            make([]ExecutionQuality, 0, config.MaxStoredExecutions),
		recentMetrics:         make([]ExecutionQuality, 0, config.WindowSize),
		now:                   time.Now,
	}
}

// SetAlertCallback sets the callback for execution alerts.
func (t *ExecutionQualityTracker) SetAlertCallback(callback func(ExecutionAlert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAlert = callback
}

// SlippageBps returns the adverse price difference of a fill against the
// reference for side, in basis points.
func SlippageBps(side models.Side, reference, avgPrice float64) float64 {
	if reference <= 0 || avgPrice <= 0 {
		return 0
	}
	diff := avgPrice - reference
	if side == models.SideSell {
		diff = -diff
	}
	return diff / reference * 10000
}

// RecordAttempt records one ladder attempt. Attempts that filled nothing and
// carry an abort reason count as rejections.
func (t *ExecutionQualityTracker) RecordAttempt(symbol string, side models.Side, reference float64, attempt models.OrderAttempt, latency time.Duration) ExecutionQuality {
	exec := ExecutionQuality{
		OrderID:        attempt.OrderID,
		Symbol:         symbol,
		Side:           side,
		Mode:           attempt.Mode,
		ReferencePrice: reference,
		AvgPrice:       attempt.AvgPrice,
		RequestedQty:   attempt.RequestedQty,
		FilledQty:      attempt.FilledQty,
		LatencyMs:      latency.Milliseconds(),
	}
	if attempt.FilledQty <= 0 && attempt.AbortReason != "" {
		exec.Rejected = true
		exec.RejectReason = attempt.AbortReason
		t.RecordRejection(exec)
		return exec
	}
	if attempt.FilledQty > 0 {
		exec.SlippageBps = SlippageBps(side, reference, attempt.AvgPrice)
	}
	t.RecordExecution(exec)
	return exec
}

// RecordExecution records an order execution.
func (t *ExecutionQualityTracker) RecordExecution(exec ExecutionQuality) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if exec.Timestamp.IsZero() {
		exec.Timestamp = t.now()
	}

	t.totalExecutions++
	t.totalSlippage += exec.SlippageBps
	t.totalLatency += exec.LatencyMs
	t.totalRequested += exec.RequestedQty
	t.totalFilled += exec.FilledQty

	if exec.SlippageBps > t.maxSlippage {
		t.maxSlippage = exec.SlippageBps
	}
	if exec.LatencyMs > t.maxLatency {
		t.maxLatency = exec.LatencyMs
	}

	t.store(exec)

	t.recentMetrics = append(t.recentMetrics, exec)
	if len(t.recentMetrics) > t.windowSize {
		t.recentMetrics = t.recentMetrics[1:]
	}

	t.checkAlerts(exec)
}

// RecordRejection records an attempt that placed nothing.
func (t *ExecutionQualityTracker) RecordRejection(exec ExecutionQuality) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalRejections++
	exec.Rejected = true
	if exec.Timestamp.IsZero() {
		exec.Timestamp = t.now()
	}
	t.store(exec)

	if t.onAlert != nil {
		t.onAlert(ExecutionAlert{
			Type:      AlertOrderRejected,
			OrderID:   exec.OrderID,
			Symbol:    exec.Symbol,
			Mode:      exec.Mode,
			Message:   fmt.Sprintf("%s attempt rejected: %s", exec.Mode, exec.RejectReason),
			Timestamp: exec.Timestamp,
		})
	}
}

func (t *ExecutionQualityTracker) store(exec ExecutionQuality) {
	t.executions = append(t.executions, exec)
	if len(t.executions) > t.maxStored {
		t.executions = t.executions[len(t.executions)-t.maxStored:]
	}
}

func (t *ExecutionQualityTracker) checkAlerts(exec ExecutionQuality) {
	if t.onAlert == nil {
		return
	}

	if t.slippageAlertBps > 0 && exec.SlippageBps > t.slippageAlertBps {
		t.onAlert(ExecutionAlert{
			Type:      AlertHighSlippage,
			OrderID:   exec.OrderID,
			Symbol:    exec.Symbol,
			Mode:      exec.Mode,
			Value:     exec.SlippageBps,
			Threshold: t.slippageAlertBps,
			Message:   fmt.Sprintf("High slippage: %.1f bps (threshold: %.1f bps)", exec.SlippageBps, t.slippageAlertBps),
			Timestamp: exec.Timestamp,
		})
	}

	if t.latencyAlertThreshold > 0 && exec.LatencyMs > t.latencyAlertThreshold {
		t.onAlert(ExecutionAlert{
			Type:      AlertHighLatency,
			OrderID:   exec.OrderID,
			Symbol:    exec.Symbol,
			Mode:      exec.Mode,
			Value:     float64(exec.LatencyMs),
			Threshold: float64(t.latencyAlertThreshold),
			Message:   fmt.Sprintf("High latency: %dms (threshold: %dms)", exec.LatencyMs, t.latencyAlertThreshold),
			Timestamp: exec.Timestamp,
		})
	}
}

// GetStats returns execution quality statistics.
func (t *ExecutionQualityTracker) GetStats() ExecutionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statsLocked()
}

func (t *ExecutionQualityTracker) statsLocked() ExecutionStats {
	stats := ExecutionStats{
		TotalExecutions: t.totalExecutions,
		TotalRejections: t.totalRejections,
		MaxSlippageBps:  t.maxSlippage,
		MaxLatency:      t.maxLatency,
	}

	if t.totalExecutions > 0 {
		stats.AvgSlippageBps = t.totalSlippage / float64(t.totalExecutions)
		stats.AvgLatency = t.totalLatency / t.totalExecutions
	}
	if total := t.totalExecutions + t.totalRejections; total > 0 {
		stats.RejectionRate = float64(t.totalRejections) / float64(total) * 100
	}
	if t.totalRequested > 0 {
		stats.FillRatio = t.totalFilled / t.totalRequested
	}

	if len(t.recentMetrics) > 0 {
		var recentSlippage float64
		var recentLatency int64
		for _, m := range t.recentMetrics {
			recentSlippage += m.SlippageBps
			recentLatency += m.LatencyMs
		}
		stats.RecentAvgSlippageBps = recentSlippage / float64(len(t.recentMetrics))
		stats.RecentAvgLatency = recentLatency / int64(len(t.recentMetrics))
	}

	return stats
}

// GetRecentExecutions returns recent executions.
func (t *ExecutionQualityTracker) GetRecentExecutions(limit int) []ExecutionQuality {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.recentMetrics) {
		limit = len(t.recentMetrics)
	}

	result := make([]ExecutionQuality, limit)
	copy(result, t.recentMetrics[len(t.recentMetrics)-limit:])
	return result
}

// GetExecutionsBySymbol returns stored records for a specific symbol.
func (t *ExecutionQualityTracker) GetExecutionsBySymbol(symbol string) []ExecutionQuality {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []ExecutionQuality
	for _, exec := range t.executions {
		if exec.Symbol == symbol {
			result = append(result, exec)
		}
	}
	return result
}

// GenerateReport builds an execution quality report grouped by ladder mode.
func (t *ExecutionQualityTracker) GenerateReport() *ExecutionReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := &ExecutionReport{
		GeneratedAt: t.now(),
		Stats:       t.statsLocked(),
	}

	byMode := make(map[models.ExecutionMode]*ModeExecutionStats)
	for _, exec := range t.executions {
		stats, ok := byMode[exec.Mode]
		if !ok {
			stats = &ModeExecutionStats{Mode: exec.Mode}
			byMode[exec.Mode] = stats
		}
		if exec.Rejected {
			stats.Rejections++
			continue
		}

		stats.Count++
		stats.FilledQty += exec.FilledQty
		stats.TotalSlippageBps += exec.SlippageBps
		if exec.SlippageBps > stats.MaxSlippageBps {
			stats.MaxSlippageBps = exec.SlippageBps
		}
		if t.slippageAlertBps > 0 && exec.SlippageBps > t.slippageAlertBps {
			report.HighSlippage = append(report.HighSlippage, exec)
		}
	}

	for _, stats := range byMode {
		if stats.Count > 0 {
			stats.AvgSlippageBps = stats.TotalSlippageBps / float64(stats.Count)
		}
		report.ByMode = append(report.ByMode, *stats)
	}
	sort.Slice(report.ByMode, func(i, j int) bool {
		return report.ByMode[i].Mode < report.ByMode[j].Mode
	})

	return report
}

// ExecutionStats holds execution quality statistics.
type ExecutionStats struct {
	TotalExecutions      int64   `json:"total_executions"`
	TotalRejections      int64   `json:"total_rejections"`
	AvgSlippageBps       float64 `json:"avg_slippage_bps"`
	MaxSlippageBps       float64 `json:"max_slippage_bps"`
	AvgLatency           int64   `json:"avg_latency_ms"`
	MaxLatency           int64   `json:"max_latency_ms"`
	RejectionRate        float64 `json:"rejection_rate"`
	FillRatio            float64 `json:"fill_ratio"`
	RecentAvgSlippageBps float64 `json:"recent_avg_slippage_bps"`
	RecentAvgLatency     int64   `json:"recent_avg_latency_ms"`
}

// ExecutionReport holds an execution quality report.
type ExecutionReport struct {
	GeneratedAt  time.Time            `json:"generated_at"`
	Stats        ExecutionStats       `json:"stats"`
	ByMode       []ModeExecutionStats `json:"by_mode"`
	HighSlippage []ExecutionQuality   `json:"high_slippage,omitempty"`
}

// ModeExecutionStats holds execution stats for one ladder mode.
type ModeExecutionStats struct {
	Mode             models.ExecutionMode `json:"mode"`
	Count            int64                `json:"count"`
	Rejections       int64                `json:"rejections"`
	FilledQty        float64              `json:"filled_qty"`
	TotalSlippageBps float64              `json:"total_slippage_bps"`
	AvgSlippageBps   float64              `json:"avg_slippage_bps"`
	MaxSlippageBps   float64              `json:"max_slippage_bps"`
}

// ExecutionAlertType represents the type of execution alert.
type ExecutionAlertType string

const (
	AlertHighSlippage  ExecutionAlertType = "HIGH_SLIPPAGE"
	AlertHighLatency   ExecutionAlertType = "HIGH_LATENCY"
	AlertOrderRejected ExecutionAlertType = "ORDER_REJECTED"
)

// ExecutionAlert represents an execution quality alert.
type ExecutionAlert struct {
	Type      ExecutionAlertType   `json:"type"`
	OrderID   string               `json:"order_id"`
	Symbol    string               `json:"symbol"`
	Mode      models.ExecutionMode `json:"mode"`
	Value     float64              `json:"value"`
	Threshold float64              `json:"threshold"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}
