// internal/recent/cache.go
package recent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/internal/kv"
)

const (
	DefaultCapacity  = 20
	DefaultNamespace = "job_tracker_recent_tasks"

	persistTimeout = 3 * time.Second
)

// Status is the terminal outcome kept for a tracked task or job.
type Status string

const (
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is one terminal outcome. Counters are only meaningful when
// IsMultiTask is set.
type Record struct {
	TaskID           string    `json:"task_id"`
	JobID            string    `json:"job_id,omitempty"`
	ServiceName      string    `json:"service_name"`
	Status           Status    `json:"status"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Message          string    `json:"message,omitempty"`
	IsMultiTask      bool      `json:"is_multi_task"`
	TotalTasks       int       `json:"total_tasks,omitempty"`
	CompletedTasks   int       `json:"completed_tasks,omitempty"`
	FailedTasks      int       `json:"failed_tasks,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms,omitempty"`
}

// Extra carries the optional fields of an outcome.
type Extra struct {
	Message          string
	IsMultiTask      bool
	TotalTasks       int
	CompletedTasks   int
	FailedTasks      int
	ProcessingTimeMs int64
}

type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
	ByService map[string]int `json:"by_service"`
}

type Option func(*Cache)

func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithNamespace(ns string) Option {
	return func(c *Cache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithObserver registers fn to be called with every added record.
func WithObserver(fn func(Record)) Option {
	return func(c *Cache) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a bounded most-recent-first log of terminal outcomes, persisted
// as one record in a kv.Store.
type Cache struct {
	mu        sync.Mutex
	store     kv.Store
	records   []Record
	capacity  int
	namespace string
	observers []func(Record)
	now       func() time.Time
	log       *slog.Logger
}

// New loads any persisted log from store. Missing or unreadable data
// yields an empty cache.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		capacity:  DefaultCapacity,
		namespace: DefaultNamespace,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "recent")
	c.load()
	return c
}

func (c *Cache) load() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	data, ok, err := c.store.Get(ctx, c.namespace)
	if err != nil {
		c.log.Warn("load recent outcomes failed", "err", err)
		return
	}
	if !ok || len(data) == 0 {
		return
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		c.log.Warn("discarding corrupt recent outcomes", "err", err)
		return
	}
	if len(records) > c.capacity {
		records = records[:c.capacity]
	}
	c.records = records
}

// persistLocked writes the whole log. Failures keep the in-memory state.
func (c *Cache) persistLocked() {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(c.records)
	if err != nil {
		c.log.Warn("encode recent outcomes failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.Put(ctx, c.namespace, data); err != nil {
		c.log.Warn("persist recent outcomes failed", "err", err)
	}
}

// AddCompleted records an outcome ending now. An existing record for taskID
// is replaced and the new one moved to the front; the oldest records beyond
// capacity are dropped.
func (c *Cache) AddCompleted(taskID, serviceName string, status Status, startTime time.Time, jobID string, extra *Extra) Record {
	rec := Record{
		TaskID:      taskID,
		JobID:       jobID,
		ServiceName: serviceName,
		Status:      status,
		StartTime:   startTime,
		IsMultiTask: jobID != "",
	}
	if extra != nil {
		rec.Message = extra.Message
		rec.IsMultiTask = rec.IsMultiTask || extra.IsMultiTask
		rec.TotalTasks = extra.TotalTasks
		rec.CompletedTasks = extra.CompletedTasks
		rec.FailedTasks = extra.FailedTasks
		rec.ProcessingTimeMs = extra.ProcessingTimeMs
	}

	c.mu.Lock()
	rec.EndTime = c.now()
	next := make([]Record, 0, c.capacity)
	next = append(next, rec)
	for _, r := range c.records {
		if r.TaskID == taskID {
			continue
		}
		if len(next) == c.capacity {
			break
		}
		next = append(next, r)
	}
	c.records = next
	c.persistLocked()
	observers := c.observers
	c.mu.Unlock()

	for _, fn := range observers {
		fn(rec)
	}
	return rec
}

// Recent returns up to limit records, newest first. limit <= 0 means all.
func (c *Cache) Recent(limit int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return take(c.records, limit, nil)
}

// Successful returns up to limit finished records, newest first.
func (c *Cache) Successful(limit int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return take(c.records, limit, func(r Record) bool { return r.Status == StatusFinished })
}

func (c *Cache) Get(taskID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return Record{}, false
}

// Remove deletes the record for taskID and reports whether one existed.
func (c *Cache) Remove(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.records {
		if r.TaskID == taskID {
			c.records = append(c.records[:i:i], c.records[i+1:]...)
			c.persistLocked()
			return true
		}
	}
	return false
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.persistLocked()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Total:     len(c.records),
		ByStatus:  make(map[Status]int),
		ByService: make(map[string]int),
	}
	for _, r := range c.records {
		st.ByStatus[r.Status]++
		st.ByService[r.ServiceName]++
	}
	return st
}

func take(records []Record, limit int, keep func(Record) bool) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if keep != nil && !keep(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
