// Package mux routes push channel records to one callback per task or job id
// and turns subscription intents into control messages.
package mux

import (
	"log/slog"
	"sync"

	"github.com/skier233/Stash-AIServer-sub000/internal/metrics"
	"github.com/skier233/Stash-AIServer-sub000/internal/transport"
	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

// Sender transmits a control message. *transport.Conn satisfies it.
type Sender interface {
	Send(v any) error
}

type TaskCallback func(schema.TaskUpdate)
type JobCallback func(schema.JobProgress)

type Option func(*Mux)

func WithLogger(l *slog.Logger) Option {
	return func(m *Mux) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mux) { m.metrics = mt }
}

// Mux holds the subscription registry. It implements transport.Handler.
type Mux struct {
	mu        sync.Mutex
	sender    Sender
	tasks     map[string]TaskCallback
	jobs      map[string]JobCallback
	sessionID string

	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(sender Sender, opts ...Option) *Mux {
	m := &Mux{
		sender: sender,
		tasks:  make(map[string]TaskCallback),
		jobs:   make(map[string]JobCallback),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "mux")
	return m
}

// Rebind points the multiplexer at a newly constructed transport.
func (m *Mux) Rebind(sender Sender) {
	m.mu.Lock()
	m.sender = sender
	m.mu.Unlock()
}

// SubscribeTask registers cb for id, replacing any previous callback, then
// sends the subscribe control. Registration survives a failed send.
func (m *Mux) SubscribeTask(id string, cb TaskCallback) {
	m.mu.Lock()
	m.tasks[id] = cb
	m.mu.Unlock()
	m.send(schema.SubscribeTask(id))
}

func (m *Mux) SubscribeJob(id string, cb JobCallback) {
	m.mu.Lock()
	m.jobs[id] = cb
	m.mu.Unlock()
	m.send(schema.SubscribeJob(id))
}

func (m *Mux) UnsubscribeTask(id string) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	m.send(schema.UnsubscribeTask(id))
}

func (m *Mux) UnsubscribeJob(id string) {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	m.send(schema.UnsubscribeJob(id))
}

func (m *Mux) TaskSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Mux) JobSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// SessionID is the id announced by the server's connection_established record.
func (m *Mux) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Mux) send(ctrl schema.Control) {
	m.mu.Lock()
	sender := m.sender
	m.mu.Unlock()
	if sender == nil {
		return
	}
	if err := sender.Send(ctrl); err != nil {
		m.log.Debug("control message not sent", "type", ctrl.Type, "task_id", ctrl.TaskID, "job_id", ctrl.JobID, "err", err)
	}
}

// HandleMessage dispatches msg synchronously to the callback registered for
// its id. Records for unknown ids are discarded.
func (m *Mux) HandleMessage(msg schema.Inbound) {
	switch v := msg.(type) {
	case schema.TaskUpdate:
		m.mu.Lock()
		cb, ok := m.tasks[v.TaskID]
		m.mu.Unlock()
		if !ok {
			m.log.Debug("no subscription for task", "task_id", v.TaskID)
			m.metrics.Dropped("unknown_id")
			return
		}
		cb(v)
	case schema.JobProgress:
		m.mu.Lock()
		cb, ok := m.jobs[v.JobID]
		m.mu.Unlock()
		if !ok {
			m.log.Debug("no subscription for job", "job_id", v.JobID)
			m.metrics.Dropped("unknown_id")
			return
		}
		cb(v)
	case schema.ConnectionEstablished:
		m.mu.Lock()
		m.sessionID = v.SessionID
		m.mu.Unlock()
		m.log.Info("connection established", "session_id", v.SessionID)
	case schema.SubscriptionConfirmed:
		m.log.Debug("subscription confirmed", "task_id", v.TaskID, "job_id", v.JobID)
	case schema.ServerError:
		m.log.Warn("server reported error", "message", v.Message)
	default:
		m.log.Warn("unhandled message type", "type", msg.Type())
		m.metrics.Dropped("unhandled")
	}
}

// HandleState resends subscriptions after an automatic reconnect and clears
// the registry once the connection is finally down.
func (m *Mux) HandleState(change transport.StateChange) {
	switch {
	case change.State == transport.StateOpen && change.Reconnected:
		m.resubscribe()
	case change.State == transport.StateDisconnected && change.Final:
		m.Clear()
	}
}

// Clear drops every registration without sending unsubscribe controls.
func (m *Mux) Clear() {
	m.mu.Lock()
	n := len(m.tasks) + len(m.jobs)
	m.tasks = make(map[string]TaskCallback)
	m.jobs = make(map[string]JobCallback)
	m.sessionID = ""
	m.mu.Unlock()
	if n > 0 {
		m.log.Info("subscriptions cleared", "count", n)
	}
}

func (m *Mux) resubscribe() {
	m.mu.Lock()
	ctrls := make([]schema.Control, 0, len(m.tasks)+len(m.jobs))
	for id := range m.tasks {
		ctrls = append(ctrls, schema.SubscribeTask(id))
	}
	for id := range m.jobs {
		ctrls = append(ctrls, schema.SubscribeJob(id))
	}
	m.mu.Unlock()

	for _, ctrl := range ctrls {
		m.send(ctrl)
	}
	if len(ctrls) > 0 {
		m.log.Info("resubscribed after reconnect", "count", len(ctrls))
	}
}
