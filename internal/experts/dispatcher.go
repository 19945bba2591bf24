package experts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/channels"
	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
	"github.com/lighthouse/broker/internal/speedlayer"
)

// TaskStatus is the lifecycle of a delegated task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"  // waiting for an available expert
	TaskAssigned  TaskStatus = "ASSIGNED" // handed to an expert
	TaskCompleted TaskStatus = "COMPLETED"
	TaskExpired   TaskStatus = "EXPIRED"
)

// Task is one unit of delegated work.
type Task struct {
	ID          string          `json:"task_id"`
	Capability  string          `json:"capability"`
	RequesterID string          `json:"requester_id"`
	ExpertID    string          `json:"expert_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      TaskStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	Deadline    time.Time       `json:"deadline"`

	// respCh carries the expert's result to a synchronous waiter.
	// Buffered(1); closed exactly once, by whoever moves the task to a
	// terminal state.
	respCh chan TaskResult
}

// TaskResult is an expert's answer to a task.
type TaskResult struct {
	ExpertID string
	Result   json.RawMessage
}

// Dispatcher routes tasks to experts: immediate assignment when an
// expert with the capability has a free slot, otherwise a bounded FIFO
// queue drained as experts free up, with per-task deadlines.
type Dispatcher struct {
	reg  *Registry
	hub  *channels.Hub
	log  *eventlog.Store
	auth *auth.Authenticator

	mu     sync.Mutex
	tasks  map[string]*Task
	queue  []*Task // pending only, FIFO
	maxQue int

	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewDispatcher builds the dispatcher and starts its deadline loop.
func NewDispatcher(reg *Registry, hub *channels.Hub, log *eventlog.Store, a *auth.Authenticator, queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 100
	}
	d := &Dispatcher{
		reg:    reg,
		hub:    hub,
		log:    log,
		auth:   a,
		tasks:  make(map[string]*Task),
		maxQue: queueDepth,
		stop:   make(chan struct{}),
		logger: slog.With("component", "expert-dispatch"),
	}
	go d.deadlineLoop()
	return d
}

// Delegate creates a task and routes it. The returned task reports
// whether it was assigned immediately or queued; the requester is
// notified through its push channel if the task later expires unserved.
func (d *Dispatcher) Delegate(requesterID, capability string, payload json.RawMessage, timeout time.Duration) (*Task, error) {
	if err := d.auth.Authorize(requesterID, perms.ExpertCoordinate); err != nil {
		return nil, err
	}
	if capability == "" {
		return nil, errs.New(errs.KindInvalidPayload, "capability is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.NewString(),
		Capability:  capability,
		RequesterID: requesterID,
		Payload:     payload,
		Status:      TaskPending,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
	}
	if err := d.route(task); err != nil {
		return nil, err
	}

	d.mu.Lock()
	cp := *task
	d.mu.Unlock()
	return &cp, nil
}

// Complete records an expert's result for its assigned task, frees the
// expert's slot, and drains the queue onto it.
func (d *Dispatcher) Complete(expertID, taskID string, result json.RawMessage) error {
	if err := d.auth.Authorize(expertID, perms.ExpertCoordinate); err != nil {
		return err
	}

	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return errs.New(errs.KindNotFound, "task %s not found", taskID)
	}
	if task.Status != TaskAssigned || task.ExpertID != expertID {
		d.mu.Unlock()
		return errs.New(errs.KindConflictState,
			"task %s is not assigned to %s", taskID, expertID)
	}
	task.Status = TaskCompleted
	delete(d.tasks, taskID)
	ch := task.respCh
	d.mu.Unlock()

	d.reg.release(expertID)
	tasksCompleted.Inc()
	d.emit(eventlog.KindExpertCompleted, map[string]interface{}{
		"task_id":   taskID,
		"expert_id": expertID,
		"requester": task.RequesterID,
	})

	if ch != nil {
		ch <- TaskResult{ExpertID: expertID, Result: result}
		close(ch)
	}

	d.drainQueue()
	return nil
}

// escalationRequest is the payload pushed to a command-validator.
type escalationRequest struct {
	AgentID       string                 `json:"agent_id"`
	ToolName      string                 `json:"tool_name"`
	ToolInput     map[string]interface{} `json:"tool_input"`
	Fingerprint   string                 `json:"fingerprint"`
	CorrelationID string                 `json:"correlation_id"`
}

// escalationVerdict is the expected result shape from the expert.
type escalationVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Escalate asks a command-validator expert for a verdict and blocks
// until it answers or ctx expires. On expiry the task is abandoned so a
// late answer cannot resolve it.
func (d *Dispatcher) Escalate(ctx context.Context, req *speedlayer.Request, correlationID string) (speedlayer.Decision, string, error) {
	payload, err := json.Marshal(escalationRequest{
		AgentID:       req.AgentID,
		ToolName:      req.ToolName,
		ToolInput:     req.ToolInput,
		Fingerprint:   req.Fingerprint,
		CorrelationID: correlationID,
	})
	if err != nil {
		return "", "", errs.Wrap(errs.KindInvalidPayload, err, "encode escalation")
	}

	deadline := time.Now().Add(30 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}

	task := &Task{
		ID:          uuid.NewString(),
		Capability:  CapCommandValidator,
		RequesterID: req.AgentID,
		Payload:     payload,
		Status:      TaskPending,
		CreatedAt:   time.Now(),
		Deadline:    deadline,
		respCh:      make(chan TaskResult, 1),
	}
	if err := d.route(task); err != nil {
		return "", "", err
	}

	select {
	case res, ok := <-task.respCh:
		if !ok {
			return "", "", errs.New(errs.KindTimeout, "escalation %s expired", task.ID)
		}
		var v escalationVerdict
		if err := json.Unmarshal(res.Result, &v); err != nil {
			return "", "", errs.Wrap(errs.KindInvalidPayload, err, "decode expert verdict")
		}
		switch speedlayer.Decision(v.Decision) {
		case speedlayer.Approve, speedlayer.Block:
			return speedlayer.Decision(v.Decision), v.Reason, nil
		default:
			return "", "", errs.New(errs.KindInvalidPayload, "expert returned unknown decision %q", v.Decision)
		}

	case <-ctx.Done():
		d.expire(task.ID, "escalation timeout")
		return "", "", errs.Wrap(errs.KindTimeout, ctx.Err(), "escalation %s", task.ID)
	}
}

// PendingCount returns the number of queued (unassigned) tasks.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stop terminates the deadline loop.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
}

// route assigns the task now if an expert has a free slot, otherwise
// queues it. Queue overflow is refused rather than silently dropped.
func (d *Dispatcher) route(task *Task) error {
	expert := d.reg.acquire(task.Capability)

	d.mu.Lock()
	if expert == nil {
		if len(d.queue) >= d.maxQue {
			d.mu.Unlock()
			return errs.New(errs.KindTransient,
				"no expert for %s and queue is full", task.Capability)
		}
		d.tasks[task.ID] = task
		d.queue = append(d.queue, task)
		queueDepth.Set(float64(len(d.queue)))
		d.mu.Unlock()
		return nil
	}
	task.Status = TaskAssigned
	task.ExpertID = expert.AgentID
	d.tasks[task.ID] = task
	d.mu.Unlock()

	d.deliver(task)
	return nil
}

// drainQueue retries queued tasks front-to-back after a slot freed up.
func (d *Dispatcher) drainQueue() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.queue[0]
		d.mu.Unlock()

		expert := d.reg.acquire(task.Capability)
		if expert == nil {
			return
		}

		d.mu.Lock()
		// The task may have expired while we were acquiring.
		if len(d.queue) == 0 || d.queue[0] != task || task.Status != TaskPending {
			d.mu.Unlock()
			d.reg.release(expert.AgentID)
			continue
		}
		d.queue = d.queue[1:]
		queueDepth.Set(float64(len(d.queue)))
		task.Status = TaskAssigned
		task.ExpertID = expert.AgentID
		d.mu.Unlock()

		d.deliver(task)
	}
}

// deliver notifies the expert and records the delegation.
func (d *Dispatcher) deliver(task *Task) {
	tasksDelegated.WithLabelValues(task.Capability).Inc()
	d.emit(eventlog.KindExpertDelegated, map[string]interface{}{
		"task_id":    task.ID,
		"capability": task.Capability,
		"expert_id":  task.ExpertID,
		"requester":  task.RequesterID,
	})

	note, err := json.Marshal(task)
	if err != nil {
		d.logger.Error("task encode failed", "task", task.ID, "error", err)
		return
	}
	d.hub.Notify(task.ExpertID, &channels.Notification{
		Type:    channels.NotifyTask,
		ID:      task.ID,
		From:    task.RequesterID,
		Payload: note,
	})
}

func (d *Dispatcher) deadlineLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.expireOverdue(time.Now())
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) expireOverdue(now time.Time) {
	var overdue []string
	d.mu.Lock()
	for id, task := range d.tasks {
		if now.After(task.Deadline) {
			overdue = append(overdue, id)
		}
	}
	d.mu.Unlock()

	for _, id := range overdue {
		d.expire(id, "deadline exceeded")
	}
}

// expire moves a task to its terminal EXPIRED state: removed from the
// table and queue, the expert slot released if it was assigned, and the
// requester told through its push channel.
func (d *Dispatcher) expire(taskID, reason string) {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok || task.Status == TaskCompleted || task.Status == TaskExpired {
		d.mu.Unlock()
		return
	}
	wasAssigned := task.Status == TaskAssigned
	task.Status = TaskExpired
	delete(d.tasks, taskID)
	for i, q := range d.queue {
		if q.ID == taskID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	queueDepth.Set(float64(len(d.queue)))
	ch := task.respCh
	d.mu.Unlock()

	if wasAssigned {
		d.reg.release(task.ExpertID)
	}
	if ch != nil {
		close(ch)
	}
	tasksExpired.Inc()
	d.logger.Warn("task expired", "task", taskID, "capability", task.Capability, "reason", reason)

	note, err := json.Marshal(map[string]string{
		"task_id": taskID,
		"reason":  reason,
	})
	if err == nil {
		d.hub.Notify(task.RequesterID, &channels.Notification{
			Type:    channels.NotifyTaskFailed,
			ID:      taskID,
			Payload: note,
		})
	}

	if wasAssigned {
		// The freed slot may unblock a queued task.
		d.drainQueue()
	}
}

func (d *Dispatcher) emit(kind eventlog.Kind, payload map[string]interface{}) {
	if d.log == nil {
		return
	}
	data, err := eventlog.EncodePayload(payload)
	if err != nil {
		return
	}
	if _, _, err := d.log.Append(&eventlog.Event{
		Kind:        kind,
		AggregateID: "experts",
		Payload:     data,
	}, auth.SystemAgentID); err != nil {
		d.logger.Warn("event append failed", "kind", kind, "error", err)
	}
}
