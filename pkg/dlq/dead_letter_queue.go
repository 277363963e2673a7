// Package dlq holds event-log records whose payload the reader
// (pkg/eventlog) could not decode, so an undecodable record doesn't abort
// an otherwise-valid replay.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures the dead-letter file sink.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Directory     string        `yaml:"directory"`
	QueueSize     int           `yaml:"queue_size"`
	MaxFiles      int           `yaml:"max_files"`
	MaxFileSize   int64         `yaml:"max_file_size_mb"`
	RetentionDays int           `yaml:"retention_days"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Entry is one rejected event-log record.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	RawRecord    []byte    `json:"raw_record"`
	ErrorMessage string    `json:"error_message"`
	Offset       int64     `json:"offset"`
}

// Stats is a snapshot of the queue's counters.
type Stats struct {
	TotalEntries     int64
	EntriesWritten   int64
	WriteErrors      int64
	CurrentQueueSize int
	FilesCreated     int64
	LastFlush        time.Time
}

// DeadLetterQueue buffers rejected records and appends them to rotating
// JSON-lines files under Config.Directory.
type DeadLetterQueue struct {
	config Config
	logger *logrus.Logger

	queue chan Entry
	file  *os.File
	mutex sync.RWMutex
	stats Stats

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
}

// NewDeadLetterQueue builds a DeadLetterQueue, defaulting any zero-valued
// Config field.
func NewDeadLetterQueue(config Config, logger *logrus.Logger) *DeadLetterQueue {
	ctx, cancel := context.WithCancel(context.Background())

	if config.QueueSize == 0 {
		config.QueueSize = 10000
	}
	if config.MaxFiles == 0 {
		config.MaxFiles = 10
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 100
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = 7
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 30 * time.Second
	}
	if config.Directory == "" {
		config.Directory = "./dlq"
	}

	return &DeadLetterQueue{
		config: config,
		logger: logger,
		queue:  make(chan Entry, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the initial dead-letter file and launches the flush and
// cleanup loops. A no-op when Config.Enabled is false.
func (dlq *DeadLetterQueue) Start() error {
	if !dlq.config.Enabled {
		dlq.logger.Info("dead letter queue disabled")
		return nil
	}

	dlq.mutex.Lock()
	defer dlq.mutex.Unlock()

	if dlq.isRunning {
		return fmt.Errorf("dlq already running")
	}

	dlq.logger.WithFields(logrus.Fields{
		"directory":      dlq.config.Directory,
		"queue_size":     dlq.config.QueueSize,
		"retention_days": dlq.config.RetentionDays,
	}).Info("starting dead letter queue")

	if err := os.MkdirAll(dlq.config.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create dlq directory: %w", err)
	}
	if err := dlq.createNewFile(); err != nil {
		return fmt.Errorf("failed to create initial dlq file: %w", err)
	}

	dlq.isRunning = true
	go dlq.processingLoop()
	go dlq.cleanupLoop()

	return nil
}

// Stop drains the queue, closes the file, and stops the background loops.
func (dlq *DeadLetterQueue) Stop() error {
	dlq.mutex.Lock()
	defer dlq.mutex.Unlock()

	if !dlq.isRunning {
		return nil
	}

	dlq.logger.Info("stopping dead letter queue")
	dlq.isRunning = false
	dlq.cancel()
	dlq.drainQueue()

	if dlq.file != nil {
		dlq.file.Close()
		dlq.file = nil
	}
	return nil
}

// Reject enqueues a record the reader could not consume. Entries are
// dropped (and counted) rather than blocking the reader when the queue is
// full.
func (dlq *DeadLetterQueue) Reject(raw []byte, offset int64, cause error) error {
	if !dlq.config.Enabled {
		return nil
	}

	entry := Entry{
		Timestamp:    time.Now(),
		RawRecord:    append([]byte(nil), raw...),
		ErrorMessage: cause.Error(),
		Offset:       offset,
	}

	select {
	case dlq.queue <- entry:
		dlq.mutex.Lock()
		dlq.stats.TotalEntries++
		dlq.mutex.Unlock()
		return nil
	default:
		dlq.logger.Warn("dlq queue full, dropping entry")
		dlq.mutex.Lock()
		dlq.stats.WriteErrors++
		dlq.mutex.Unlock()
		return fmt.Errorf("dlq queue is full (capacity: %d), entry dropped", cap(dlq.queue))
	}
}

func (dlq *DeadLetterQueue) processingLoop() {
	flushTicker := time.NewTicker(dlq.config.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-dlq.ctx.Done():
			return
		case entry := <-dlq.queue:
			dlq.writeEntry(entry)
		case <-flushTicker.C:
			dlq.flushFile()
		}
	}
}

func (dlq *DeadLetterQueue) writeEntry(entry Entry) {
	dlq.mutex.Lock()
	defer dlq.mutex.Unlock()

	if dlq.file == nil {
		dlq.logger.Error("dlq file not open")
		dlq.stats.WriteErrors++
		return
	}
	if dlq.shouldRotateFile() {
		dlq.rotateFileLocked()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		dlq.logger.WithError(err).Error("failed to marshal dlq entry")
		dlq.stats.WriteErrors++
		return
	}
	data = append(data, '\n')

	if _, err := dlq.file.Write(data); err != nil {
		dlq.logger.WithError(err).Error("failed to write dlq entry")
		dlq.stats.WriteErrors++
		return
	}
	dlq.stats.EntriesWritten++
}

func (dlq *DeadLetterQueue) shouldRotateFile() bool {
	if dlq.file == nil {
		return true
	}
	info, err := dlq.file.Stat()
	if err != nil {
		return true
	}
	maxSize := dlq.config.MaxFileSize * 1024 * 1024
	return info.Size() >= maxSize
}

func (dlq *DeadLetterQueue) rotateFileLocked() {
	if dlq.file != nil {
		dlq.file.Close()
	}
	if err := dlq.createNewFile(); err != nil {
		dlq.logger.WithError(err).Error("failed to create new dlq file")
	}
}

func (dlq *DeadLetterQueue) createNewFile() error {
	timestamp := time.Now().Format("20060102_150405")
	name := fmt.Sprintf("dlq_%s.log", timestamp)
	path := filepath.Join(dlq.config.Directory, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	dlq.file = file
	dlq.stats.FilesCreated++
	dlq.logger.WithField("file", path).Debug("created new dlq file")
	return nil
}

func (dlq *DeadLetterQueue) flushFile() {
	dlq.mutex.Lock()
	defer dlq.mutex.Unlock()
	if dlq.file != nil {
		dlq.file.Sync()
		dlq.stats.LastFlush = time.Now()
	}
}

func (dlq *DeadLetterQueue) drainQueue() {
	for {
		select {
		case entry := <-dlq.queue:
			dlq.writeEntry(entry)
		default:
			return
		}
	}
}

func (dlq *DeadLetterQueue) cleanupLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-dlq.ctx.Done():
			return
		case <-ticker.C:
			dlq.cleanupOldFiles()
		}
	}
}

func (dlq *DeadLetterQueue) cleanupOldFiles() {
	pattern := filepath.Join(dlq.config.Directory, "dlq_*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		dlq.logger.WithError(err).Error("failed to list dlq files for cleanup")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -dlq.config.RetentionDays)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				dlq.logger.WithError(err).WithField("file", f).Warn("failed to remove old dlq file")
			} else {
				removed++
			}
		}
	}
	if removed > 0 {
		dlq.logger.WithField("removed_count", removed).Info("dlq cleanup completed")
	}
}

// GetStats returns a snapshot of the queue's counters.
func (dlq *DeadLetterQueue) GetStats() Stats {
	dlq.mutex.RLock()
	defer dlq.mutex.RUnlock()
	stats := dlq.stats
	stats.CurrentQueueSize = len(dlq.queue)
	return stats
}

// IsHealthy reports whether the queue is ready to accept rejects.
func (dlq *DeadLetterQueue) IsHealthy() bool {
	dlq.mutex.RLock()
	defer dlq.mutex.RUnlock()
	if !dlq.config.Enabled {
		return true
	}
	return dlq.isRunning && dlq.file != nil
}

// ReadEntries reads every entry currently persisted, across all rotated
// files, for operator inspection.
func (dlq *DeadLetterQueue) ReadEntries() ([]Entry, error) {
	pattern := filepath.Join(dlq.config.Directory, "dlq_*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq files: %w", err)
	}

	var all []Entry
	for _, path := range files {
		entries, err := readEntriesFromFile(path)
		if err != nil {
			dlq.logger.WithError(err).WithField("file", path).Warn("failed to read dlq file")
			continue
		}
		all = append(all, entries...)
	}
	return all, nil
}

func readEntriesFromFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
