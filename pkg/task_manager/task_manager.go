// Package task_manager tracks the lifecycle of long-running trace jobs
// submitted through the HTTP API: each forward/backward trace runs in its
// own goroutine, can be cancelled mid-flight, and reports its heartbeat so a
// stalled walker gets noticed instead of running forever.
package task_manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// JobState is one of a trace job's lifecycle states.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobStopped   JobState = "stopped"
	JobNotFound  JobState = "not_found"
)

// Config configures heartbeat and cleanup timing.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// Status is a point-in-time snapshot of one trace job.
type Status struct {
	ID            string
	State         JobState
	StartedAt     time.Time
	LastHeartbeat time.Time
	ErrorCount    int64
	LastError     string
	// HeartbeatAge is how long it has been since the job last reported
	// itself alive, computed at snapshot time. Only meaningful while
	// State == JobRunning; lets a caller watching /tasks notice a walk
	// that is approaching TaskTimeout before cleanupTasks cancels it.
	HeartbeatAge time.Duration
}

// Manager tracks running, completed, and failed trace jobs by ID.
type Manager interface {
	StartTask(ctx context.Context, taskID string, fn func(context.Context) error) error
	StopTask(taskID string) error
	Heartbeat(taskID string) error
	GetTaskStatus(taskID string) Status
	GetAllTasks() map[string]Status
	Cleanup()
}

type taskManager struct {
	config Config
	tasks  map[string]*traceJob
	mutex  sync.RWMutex
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// traceJob is one forward or backward trace running (or having run) under a
// task ID handed out by internal/app's HTTP surface.
type traceJob struct {
	ID            string
	Run           func(context.Context) error
	State         JobState
	StartedAt     time.Time
	LastHeartbeat time.Time
	ErrorCount    int64
	LastError     string
	Context       context.Context
	Cancel        context.CancelFunc
	Done          chan struct{}
}

// New creates a task manager and starts its background cleanup loop.
func New(config Config, logger *logrus.Logger) Manager {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.TaskTimeout == 0 {
		config.TaskTimeout = 5 * time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 1 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	tm := &taskManager{
		config: config,
		tasks:  make(map[string]*traceJob),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		tm.cleanupLoop()
	}()

	return tm
}

// StartTask launches fn in its own goroutine under taskID, replacing any
// finished job already tracked under that ID. It returns an error, and
// starts nothing, if the job under that ID is still running.
func (tm *taskManager) StartTask(ctx context.Context, taskID string, fn func(context.Context) error) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if existing, exists := tm.tasks[taskID]; exists {
		if existing.State == JobRunning {
			return fmt.Errorf("task %s is already running", taskID)
		}
		existing.Cancel()
		<-existing.Done
	}

	jobCtx, jobCancel := context.WithCancel(ctx)
	job := &traceJob{
		ID:            taskID,
		Run:           fn,
		State:         JobRunning,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Context:       jobCtx,
		Cancel:        jobCancel,
		Done:          make(chan struct{}),
	}

	tm.tasks[taskID] = job
	go tm.runJob(job)

	tm.logger.WithField("task_id", taskID).Info("trace job started")
	return nil
}

// finishJob records a job's terminal state under the manager lock and logs
// the outcome, collapsing the panic/error/success paths runJob would
// otherwise repeat three times.
func (tm *taskManager) finishJob(j *traceJob, state JobState, errMsg string) {
	tm.mutex.Lock()
	j.State = state
	j.LastError = errMsg
	if state == JobFailed {
		j.ErrorCount++
	}
	tm.mutex.Unlock()

	fields := logrus.Fields{"task_id": j.ID}
	switch state {
	case JobCompleted:
		tm.logger.WithFields(fields).Info("trace job completed")
	case JobFailed:
		fields["error"] = errMsg
		tm.logger.WithFields(fields).Error("trace job failed")
	default:
		tm.logger.WithFields(fields).Info("trace job finished")
	}
}

func (tm *taskManager) runJob(j *traceJob) {
	defer close(j.Done)

	defer func() {
		if r := recover(); r != nil {
			tm.finishJob(j, JobFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := j.Run(j.Context); err != nil {
		tm.finishJob(j, JobFailed, err.Error())
		return
	}
	tm.finishJob(j, JobCompleted, "")
}

// StopTask cancels a running job and waits up to 10s for it to exit.
func (tm *taskManager) StopTask(taskID string) error {
	tm.mutex.Lock()
	j, exists := tm.tasks[taskID]
	if !exists {
		tm.mutex.Unlock()
		return fmt.Errorf("task %s not found", taskID)
	}
	if j.State != JobRunning {
		tm.mutex.Unlock()
		return fmt.Errorf("task %s is not running", taskID)
	}
	tm.mutex.Unlock()

	j.Cancel()

	select {
	case <-j.Done:
		tm.logger.WithField("task_id", taskID).Info("trace job stopped")
	case <-time.After(10 * time.Second):
		tm.mutex.Lock()
		j.State = JobFailed
		j.LastError = "stop timeout"
		tm.mutex.Unlock()
		tm.logger.WithField("task_id", taskID).Warn("trace job stop timeout")
	}

	return nil
}

// Heartbeat marks a running job as alive. The task-wrapper goroutine in
// internal/app calls this on a ticker for the lifetime of the wrapped
// TraceForward/TraceBackward* call so cleanupTasks' TaskTimeout check never
// fires against a walk that is still making progress.
func (tm *taskManager) Heartbeat(taskID string) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	j, exists := tm.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	j.LastHeartbeat = time.Now()
	return nil
}

func statusOf(j *traceJob) Status {
	s := Status{
		ID:            j.ID,
		State:         j.State,
		StartedAt:     j.StartedAt,
		LastHeartbeat: j.LastHeartbeat,
		ErrorCount:    j.ErrorCount,
		LastError:     j.LastError,
	}
	if j.State == JobRunning {
		s.HeartbeatAge = time.Since(j.LastHeartbeat)
	}
	return s
}

func (tm *taskManager) GetTaskStatus(taskID string) Status {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	j, exists := tm.tasks[taskID]
	if !exists {
		return Status{ID: taskID, State: JobNotFound}
	}
	return statusOf(j)
}

func (tm *taskManager) GetAllTasks() map[string]Status {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	result := make(map[string]Status, len(tm.tasks))
	for id, j := range tm.tasks {
		result[id] = statusOf(j)
	}
	return result
}

func (tm *taskManager) cleanupLoop() {
	ticker := time.NewTicker(tm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tm.ctx.Done():
			return
		case <-ticker.C:
			tm.cleanupTasks()
		}
	}
}

func (tm *taskManager) cleanupTasks() {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	now := time.Now()
	var toDelete []string

	for id, j := range tm.tasks {
		if j.State == JobRunning && now.Sub(j.LastHeartbeat) > tm.config.TaskTimeout {
			tm.logger.WithField("task_id", id).Warn("trace job heartbeat timeout, stopping")
			j.Cancel()
			j.State = JobFailed
			j.LastError = "heartbeat timeout"
		}

		if j.State != JobRunning && now.Sub(j.StartedAt) > time.Hour {
			toDelete = append(toDelete, id)
		}
	}

	for _, id := range toDelete {
		delete(tm.tasks, id)
		tm.logger.WithField("task_id", id).Debug("trace job record expired")
	}
}

// Cleanup cancels all running jobs and stops the cleanup loop.
func (tm *taskManager) Cleanup() {
	tm.mutex.Lock()
	tm.cancel()
	tm.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		tm.logger.Info("all task manager goroutines stopped cleanly")
	case <-time.After(10 * time.Second):
		tm.logger.Warn("timeout waiting for task manager goroutines to stop")
	}

	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	for id, j := range tm.tasks {
		if j.State == JobRunning {
			j.Cancel()
			select {
			case <-j.Done:
			case <-time.After(5 * time.Second):
				tm.logger.WithField("task_id", id).Warn("trace job cleanup timeout")
			}
		}
	}

	tm.logger.Info("task manager cleanup completed")
}
