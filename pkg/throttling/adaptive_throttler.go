// Package throttling paces the live trace subscription feed reported by
// pkg/eventlog's reporter: when the downstream consumer's callback queue
// backs up, or the process itself is under load, it slows delivery instead
// of piling events into an unbounded buffer.
package throttling

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AdaptiveThrottler paces callers based on recent CPU, memory, and queue
// pressure, sleeping longer as load rises and shorter as it falls.
type AdaptiveThrottler struct {
	config Config
	logger *logrus.Logger

	currentSleepBase time.Duration
	cpuHistory       *MetricWindow
	memoryHistory    *MetricWindow
	queueHistory     *MetricWindow

	stats Stats
	mutex sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures the adaptive throttler.
type Config struct {
	Enabled bool `yaml:"enabled"`

	SleepBase time.Duration `yaml:"sleep_base"`
	SleepMin  time.Duration `yaml:"sleep_min"`
	SleepMax  time.Duration `yaml:"sleep_max"`

	CPULowThreshold  float64 `yaml:"cpu_low_threshold"`
	CPUHighThreshold float64 `yaml:"cpu_high_threshold"`

	MemoryLowThreshold  float64 `yaml:"memory_low_threshold"`
	MemoryHighThreshold float64 `yaml:"memory_high_threshold"`

	QueueLowThreshold  int `yaml:"queue_low_threshold"`
	QueueHighThreshold int `yaml:"queue_high_threshold"`

	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	HistoryWindowSize  int           `yaml:"history_window_size"`

	AdaptationFactor float64 `yaml:"adaptation_factor"`
	SmoothingFactor  float64 `yaml:"smoothing_factor"`

	MonitorCPU    bool `yaml:"monitor_cpu"`
	MonitorMemory bool `yaml:"monitor_memory"`
	MonitorQueue  bool `yaml:"monitor_queue"`

	CPUWeight    float64 `yaml:"cpu_weight"`
	MemoryWeight float64 `yaml:"memory_weight"`
	QueueWeight  float64 `yaml:"queue_weight"`
}

// Stats is a snapshot of the throttler's counters.
type Stats struct {
	TotalThrottles   int64         `json:"total_throttles"`
	TotalSleepTime   time.Duration `json:"total_sleep_time"`
	CurrentSleepBase time.Duration `json:"current_sleep_base"`
	AdaptationCount  int64         `json:"adaptation_count"`
	LastAdaptation   time.Time     `json:"last_adaptation"`
	AvgCPUPercent    float64       `json:"avg_cpu_percent"`
	AvgMemoryPercent float64       `json:"avg_memory_percent"`
	AvgQueueSize     float64       `json:"avg_queue_size"`
	LoadScore        float64       `json:"load_score"`
}

// MetricWindow is a fixed-size sliding window of recent samples.
type MetricWindow struct {
	values []float64
	index  int
	size   int
	mutex  sync.Mutex
}

// LoadInfo is the system load snapshot used to compute the next sleep.
type LoadInfo struct {
	CPUPercent    float64
	MemoryPercent float64
	QueueSize     int
	LoadScore     float64
}

// NewMetricWindow creates an empty window holding size samples.
func NewMetricWindow(size int) *MetricWindow {
	return &MetricWindow{
		values: make([]float64, size),
		size:   size,
	}
}

// Add records a sample, overwriting the oldest once the window is full.
func (mw *MetricWindow) Add(value float64) {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()

	mw.values[mw.index] = value
	mw.index = (mw.index + 1) % mw.size
}

// Average returns the mean of the recorded (non-zero) samples.
func (mw *MetricWindow) Average() float64 {
	mw.mutex.Lock()
	defer mw.mutex.Unlock()

	var total float64
	count := 0

	for _, value := range mw.values {
		if value > 0 {
			total += value
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return total / float64(count)
}

// NewAdaptiveThrottler creates a throttler and starts its monitoring loop.
func NewAdaptiveThrottler(config Config, logger *logrus.Logger) *AdaptiveThrottler {
	ctx, cancel := context.WithCancel(context.Background())

	if config.SleepBase == 0 {
		config.SleepBase = 100 * time.Millisecond
	}
	if config.SleepMin == 0 {
		config.SleepMin = 10 * time.Millisecond
	}
	if config.SleepMax == 0 {
		config.SleepMax = 5 * time.Second
	}
	if config.CPULowThreshold == 0 {
		config.CPULowThreshold = 30
	}
	if config.CPUHighThreshold == 0 {
		config.CPUHighThreshold = 80
	}
	if config.MemoryLowThreshold == 0 {
		config.MemoryLowThreshold = 60
	}
	if config.MemoryHighThreshold == 0 {
		config.MemoryHighThreshold = 85
	}
	if config.QueueLowThreshold == 0 {
		config.QueueLowThreshold = 100
	}
	if config.QueueHighThreshold == 0 {
		config.QueueHighThreshold = 1000
	}
	if config.MonitoringInterval == 0 {
		config.MonitoringInterval = 5 * time.Second
	}
	if config.HistoryWindowSize == 0 {
		config.HistoryWindowSize = 20
	}
	if config.AdaptationFactor == 0 {
		config.AdaptationFactor = 0.2
	}
	if config.SmoothingFactor == 0 {
		config.SmoothingFactor = 0.7
	}
	if config.CPUWeight == 0 {
		config.CPUWeight = 0.5
	}
	if config.MemoryWeight == 0 {
		config.MemoryWeight = 0.3
	}
	if config.QueueWeight == 0 {
		config.QueueWeight = 0.2
	}

	if !config.MonitorCPU && !config.MonitorMemory && !config.MonitorQueue {
		config.MonitorCPU = true
		config.MonitorMemory = true
		config.MonitorQueue = true
	}

	at := &AdaptiveThrottler{
		config:           config,
		logger:           logger,
		currentSleepBase: config.SleepBase,
		cpuHistory:       NewMetricWindow(config.HistoryWindowSize),
		memoryHistory:    NewMetricWindow(config.HistoryWindowSize),
		queueHistory:     NewMetricWindow(config.HistoryWindowSize),
		ctx:              ctx,
		cancel:           cancel,
	}

	go at.monitoringLoop()

	return at
}

// Throttle sleeps for the current adaptive duration, or returns
// immediately if disabled or ctx is cancelled first.
func (at *AdaptiveThrottler) Throttle(ctx context.Context) error {
	if !at.config.Enabled {
		return nil
	}

	at.mutex.Lock()
	sleepDuration := at.currentSleepBase
	at.stats.TotalThrottles++
	at.stats.TotalSleepTime += sleepDuration
	at.mutex.Unlock()

	if sleepDuration > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
			return nil
		}
	}

	return nil
}

// ThrottleWithQueueSize is like Throttle but additionally scales the sleep
// by how backed up the caller's own downstream queue is.
func (at *AdaptiveThrottler) ThrottleWithQueueSize(ctx context.Context, queueSize int) error {
	if !at.config.Enabled {
		return nil
	}

	if at.config.MonitorQueue {
		at.queueHistory.Add(float64(queueSize))
	}

	queueMultiplier := at.calculateQueueMultiplier(queueSize)

	at.mutex.Lock()
	baseSleep := at.currentSleepBase
	adjustedSleep := time.Duration(float64(baseSleep) * queueMultiplier)

	if adjustedSleep < at.config.SleepMin {
		adjustedSleep = at.config.SleepMin
	}
	if adjustedSleep > at.config.SleepMax {
		adjustedSleep = at.config.SleepMax
	}

	at.stats.TotalThrottles++
	at.stats.TotalSleepTime += adjustedSleep
	at.mutex.Unlock()

	if adjustedSleep > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(adjustedSleep):
			return nil
		}
	}

	return nil
}

func (at *AdaptiveThrottler) calculateQueueMultiplier(queueSize int) float64 {
	if queueSize <= at.config.QueueLowThreshold {
		return 0.5
	}

	if queueSize >= at.config.QueueHighThreshold {
		return 3.0
	}

	ratio := float64(queueSize-at.config.QueueLowThreshold) /
		float64(at.config.QueueHighThreshold-at.config.QueueLowThreshold)
	return 0.5 + ratio*2.5
}

func (at *AdaptiveThrottler) monitoringLoop() {
	ticker := time.NewTicker(at.config.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-at.ctx.Done():
			return
		case <-ticker.C:
			at.collectMetrics()
			at.adaptThrottling()
		}
	}
}

func (at *AdaptiveThrottler) collectMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	if at.config.MonitorCPU {
		cpuPercent := at.estimateCPUUsage()
		at.cpuHistory.Add(cpuPercent)
	}

	if at.config.MonitorMemory {
		memoryPercent := at.calculateMemoryUsage(&memStats)
		at.memoryHistory.Add(memoryPercent)
	}
}

// estimateCPUUsage approximates load from goroutine count vs CPU count —
// this process has no syscall-level CPU sampling, just this process's own
// concurrency pressure.
func (at *AdaptiveThrottler) estimateCPUUsage() float64 {
	numGoroutines := runtime.NumGoroutine()
	numCPU := runtime.NumCPU()

	cpuEstimate := float64(numGoroutines) / float64(numCPU) * 10

	if cpuEstimate > 100 {
		cpuEstimate = 100
	}

	return cpuEstimate
}

func (at *AdaptiveThrottler) calculateMemoryUsage(memStats *runtime.MemStats) float64 {
	heapInUse := float64(memStats.HeapInuse)
	heapSys := float64(memStats.HeapSys)

	if heapSys == 0 {
		return 0
	}

	return (heapInUse / heapSys) * 100
}

func (at *AdaptiveThrottler) adaptThrottling() {
	loadInfo := at.calculateLoadScore()

	at.mutex.Lock()
	defer at.mutex.Unlock()

	oldSleep := at.currentSleepBase
	newSleep := at.calculateNewSleep(loadInfo)

	if at.stats.AdaptationCount > 0 {
		newSleep = time.Duration(
			float64(oldSleep)*at.config.SmoothingFactor +
				float64(newSleep)*(1-at.config.SmoothingFactor))
	}

	if newSleep < at.config.SleepMin {
		newSleep = at.config.SleepMin
	}
	if newSleep > at.config.SleepMax {
		newSleep = at.config.SleepMax
	}

	at.currentSleepBase = newSleep
	at.stats.AdaptationCount++
	at.stats.LastAdaptation = time.Now()
	at.stats.CurrentSleepBase = newSleep
	at.stats.AvgCPUPercent = loadInfo.CPUPercent
	at.stats.AvgMemoryPercent = loadInfo.MemoryPercent
	at.stats.AvgQueueSize = float64(loadInfo.QueueSize)
	at.stats.LoadScore = loadInfo.LoadScore

	changePercent := math.Abs(float64(newSleep-oldSleep)) / float64(oldSleep) * 100
	if changePercent > 10 {
		at.logger.WithFields(logrus.Fields{
			"old_sleep_ms":   oldSleep.Milliseconds(),
			"new_sleep_ms":   newSleep.Milliseconds(),
			"load_score":     loadInfo.LoadScore,
			"cpu_percent":    loadInfo.CPUPercent,
			"memory_percent": loadInfo.MemoryPercent,
			"queue_size":     loadInfo.QueueSize,
		}).Info("throttling adapted")
	}
}

func (at *AdaptiveThrottler) calculateLoadScore() *LoadInfo {
	cpuPercent := at.cpuHistory.Average()
	memoryPercent := at.memoryHistory.Average()
	queueSize := at.queueHistory.Average()

	var cpuScore, memoryScore, queueScore float64

	if at.config.MonitorCPU && cpuPercent > 0 {
		cpuScore = cpuPercent / 100
	}

	if at.config.MonitorMemory && memoryPercent > 0 {
		memoryScore = memoryPercent / 100
	}

	if at.config.MonitorQueue && queueSize > 0 {
		queueScore = math.Min(queueSize/float64(at.config.QueueHighThreshold), 1.0)
	}

	loadScore := cpuScore*at.config.CPUWeight +
		memoryScore*at.config.MemoryWeight +
		queueScore*at.config.QueueWeight

	return &LoadInfo{
		CPUPercent:    cpuPercent,
		MemoryPercent: memoryPercent,
		QueueSize:     int(queueSize),
		LoadScore:     loadScore,
	}
}

func (at *AdaptiveThrottler) calculateNewSleep(loadInfo *LoadInfo) time.Duration {
	loadScore := loadInfo.LoadScore

	if loadScore < 0.3 {
		reduction := 1 - at.config.AdaptationFactor
		return time.Duration(float64(at.currentSleepBase) * reduction)
	} else if loadScore > 0.7 {
		increase := 1 + at.config.AdaptationFactor*2
		return time.Duration(float64(at.currentSleepBase) * increase)
	}

	if loadScore > 0.5 {
		increase := 1 + at.config.AdaptationFactor*0.5
		return time.Duration(float64(at.currentSleepBase) * increase)
	}
	reduction := 1 - at.config.AdaptationFactor*0.5
	return time.Duration(float64(at.currentSleepBase) * reduction)
}

// GetCurrentSleep returns the throttler's current base sleep duration.
func (at *AdaptiveThrottler) GetCurrentSleep() time.Duration {
	at.mutex.RLock()
	defer at.mutex.RUnlock()
	return at.currentSleepBase
}

// GetLoadInfo returns the current computed load snapshot.
func (at *AdaptiveThrottler) GetLoadInfo() *LoadInfo {
	return at.calculateLoadScore()
}

// GetStats returns a snapshot of the throttler's counters.
func (at *AdaptiveThrottler) GetStats() Stats {
	at.mutex.RLock()
	defer at.mutex.RUnlock()
	return at.stats
}

// GetInfo returns a detail map suitable for a status/diagnostics endpoint.
func (at *AdaptiveThrottler) GetInfo() map[string]interface{} {
	stats := at.GetStats()
	loadInfo := at.GetLoadInfo()

	throttleRate := float64(0)
	if stats.TotalThrottles > 0 {
		throttleRate = float64(stats.TotalSleepTime.Milliseconds()) / float64(stats.TotalThrottles)
	}

	return map[string]interface{}{
		"enabled":               at.config.Enabled,
		"current_sleep_base_ms": stats.CurrentSleepBase.Milliseconds(),
		"sleep_min_ms":          at.config.SleepMin.Milliseconds(),
		"sleep_max_ms":          at.config.SleepMax.Milliseconds(),
		"cpu_low_threshold":     at.config.CPULowThreshold,
		"cpu_high_threshold":    at.config.CPUHighThreshold,
		"memory_low_threshold":  at.config.MemoryLowThreshold,
		"memory_high_threshold": at.config.MemoryHighThreshold,
		"queue_low_threshold":   at.config.QueueLowThreshold,
		"queue_high_threshold":  at.config.QueueHighThreshold,
		"total_throttles":       stats.TotalThrottles,
		"total_sleep_time_ms":   stats.TotalSleepTime.Milliseconds(),
		"adaptation_count":      stats.AdaptationCount,
		"last_adaptation":       stats.LastAdaptation,
		"avg_cpu_percent":       stats.AvgCPUPercent,
		"avg_memory_percent":    stats.AvgMemoryPercent,
		"avg_queue_size":        stats.AvgQueueSize,
		"load_score":            stats.LoadScore,
		"avg_throttle_ms":       throttleRate,
		"current_load":          loadInfo,
	}
}

// Reset restores the throttler to its initial configured sleep and clears
// all history and stats.
func (at *AdaptiveThrottler) Reset() {
	at.mutex.Lock()
	defer at.mutex.Unlock()

	at.currentSleepBase = at.config.SleepBase
	at.stats = Stats{}
	at.cpuHistory = NewMetricWindow(at.config.HistoryWindowSize)
	at.memoryHistory = NewMetricWindow(at.config.HistoryWindowSize)
	at.queueHistory = NewMetricWindow(at.config.HistoryWindowSize)

	at.logger.Info("adaptive throttler reset")
}

// Stop terminates the monitoring loop.
func (at *AdaptiveThrottler) Stop() {
	at.cancel()
}
