// internal/tracking/store.go
package tracking

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/internal/mux"
	"github.com/skier233/Stash-AIServer-sub000/internal/recent"
	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

const (
	DefaultTaskGrace = 5 * time.Second
	DefaultJobGrace  = 8 * time.Second
)

// Status holds either a task or a job status value.
type Status string

const StatusCancelled Status = "cancelled"

// IsTerminal reports whether s ends tracking, read as either a task or a
// job status.
func (s Status) IsTerminal() bool {
	return schema.TaskStatus(s).IsTerminal() || schema.JobStatus(s).IsTerminal()
}

// Subscriber is the multiplexer surface the store drives.
type Subscriber interface {
	SubscribeTask(id string, cb mux.TaskCallback)
	SubscribeJob(id string, cb mux.JobCallback)
	UnsubscribeTask(id string)
	UnsubscribeJob(id string)
}

// OutcomeRecorder receives terminal outcomes. *recent.Cache satisfies it.
type OutcomeRecorder interface {
	AddCompleted(taskID, serviceName string, status recent.Status, startTime time.Time, jobID string, extra *recent.Extra) recent.Record
}

// State is the tracked view of one task or job. Values handed out by the
// store are copies.
type State struct {
	TaskID           string          `json:"task_id"`
	JobID            string          `json:"job_id,omitempty"`
	ServiceName      string          `json:"service_name"`
	StartTime        time.Time       `json:"start_time"`
	Status           Status          `json:"status"`
	Message          string          `json:"message"`
	AdapterName      string          `json:"adapter_name,omitempty"`
	ProgressPercent  float64         `json:"progress_percent,omitempty"`
	TotalTasks       int             `json:"total_tasks,omitempty"`
	CompletedTasks   int             `json:"completed_tasks,omitempty"`
	FailedTasks      int             `json:"failed_tasks,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
	Output           json.RawMessage `json:"output_json,omitempty"`
}

// IsJob reports whether the state tracks a multi-task job.
func (s State) IsJob() bool { return s.JobID != "" }

func (s State) clone() State {
	if s.Output != nil {
		s.Output = append(json.RawMessage(nil), s.Output...)
	}
	return s
}

// Listener receives snapshots of one tracked id. Calls for the same
// listener never overlap and a snapshot older than one already delivered is
// dropped. A listener must not change its own id's state synchronously.
type Listener func(State)

type Option func(*Store)

func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithGrace sets how long a terminal record stays tracked before teardown.
func WithGrace(task, job time.Duration) Option {
	return func(s *Store) {
		if task > 0 {
			s.taskGrace = task
		}
		if job > 0 {
			s.jobGrace = job
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

type record struct {
	state    State
	gen      uint64
	seq      uint64
	terminal bool
	teardown Timer
}

type snapshot struct {
	state State
	seq   uint64
}

type listener struct {
	fn Listener

	mu        sync.Mutex
	delivered uint64
}

func (l *listener) send(snap snapshot) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.seq <= l.delivered {
		return
	}
	l.delivered = snap.seq
	l.fn(snap.state)
}

// Store keeps one State per tracked id.
type Store struct {
	mu        sync.Mutex
	subs      Subscriber
	outcomes  OutcomeRecorder
	clock     Clock
	taskGrace time.Duration
	jobGrace  time.Duration
	log       *slog.Logger

	gen       uint64
	seq       uint64
	records   map[string]*record
	listeners map[string]*listener
}

func NewStore(subs Subscriber, outcomes OutcomeRecorder, opts ...Option) *Store {
	s := &Store{
		subs:      subs,
		outcomes:  outcomes,
		clock:     realClock{},
		taskGrace: DefaultTaskGrace,
		jobGrace:  DefaultJobGrace,
		log:       slog.Default(),
		records:   make(map[string]*record),
		listeners: make(map[string]*listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "tracking")
	return s
}

// snapshotLocked stamps rec's current state with the next sequence number.
func (s *Store) snapshotLocked(rec *record) snapshot {
	s.seq++
	rec.seq = s.seq
	return snapshot{state: rec.state.clone(), seq: s.seq}
}

// StartTracking creates a pending record for taskID and subscribes to job
// updates when jobID is set, task updates otherwise. Starting an id that is
// already tracked replaces its record.
func (s *Store) StartTracking(taskID, serviceName, jobID, initialMessage string) State {
	if initialMessage == "" {
		initialMessage = "Starting..."
	}

	s.mu.Lock()
	var stale *State
	if old, ok := s.records[taskID]; ok {
		if old.teardown != nil {
			old.teardown.Stop()
		}
		if old.state.JobID != jobID {
			st := old.state
			stale = &st
		}
	}
	s.gen++
	gen := s.gen
	rec := &record{
		gen: gen,
		state: State{
			TaskID:      taskID,
			JobID:       jobID,
			ServiceName: serviceName,
			StartTime:   s.clock.Now(),
			Status:      Status(schema.TaskPending),
			Message:     initialMessage,
		},
	}
	s.records[taskID] = rec
	snap := s.snapshotLocked(rec)
	l := s.listeners[taskID]
	s.mu.Unlock()

	s.log.Info("tracking started", "task_id", taskID, "job_id", jobID, "service", serviceName)
	if stale != nil {
		s.unsubscribe(*stale)
	}
	s.subscribe(taskID, jobID, gen)
	l.send(snap)
	return snap.state
}

func (s *Store) subscribe(key, jobID string, gen uint64) {
	if s.subs == nil {
		return
	}
	if jobID != "" {
		s.subs.SubscribeJob(jobID, func(p schema.JobProgress) { s.applyJob(key, gen, p) })
		return
	}
	s.subs.SubscribeTask(key, func(u schema.TaskUpdate) { s.applyTask(key, gen, u) })
}

func (s *Store) unsubscribe(st State) {
	if s.subs == nil {
		return
	}
	if st.JobID != "" {
		s.subs.UnsubscribeJob(st.JobID)
		return
	}
	s.subs.UnsubscribeTask(st.TaskID)
}

func (s *Store) applyTask(key string, gen uint64, u schema.TaskUpdate) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || rec.gen != gen {
		s.mu.Unlock()
		return
	}
	st := &rec.state
	st.Status = Status(u.Status)
	if u.AdapterName != "" {
		st.AdapterName = u.AdapterName
	}
	took := schema.RoundMillis(u.ProcessingTimeMs)
	if took != nil {
		st.ProcessingTimeMs = *took
	}
	if len(u.Output) > 0 {
		st.Output = append(json.RawMessage(nil), u.Output...)
	}
	st.Message = TaskMessage(u.Status, st.AdapterName, took)

	var outcome *pendingOutcome
	if u.Status.IsTerminal() && !rec.terminal {
		outcome = s.finishLocked(key, rec, taskOutcome(u.Status), s.taskGrace)
	}
	snap := s.snapshotLocked(rec)
	l := s.listeners[key]
	s.mu.Unlock()

	s.deliver(snap, l, outcome)
}

func (s *Store) applyJob(key string, gen uint64, p schema.JobProgress) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || rec.gen != gen {
		s.mu.Unlock()
		return
	}
	st := &rec.state
	st.Status = Status(p.Status)
	if p.AdapterName != "" {
		st.AdapterName = p.AdapterName
	}
	st.TotalTasks = p.TotalTasks
	st.CompletedTasks = p.CompletedTasks
	st.FailedTasks = p.FailedTasks
	st.ProgressPercent = p.ProgressPercent
	st.Message = JobMessage(p.Status, p.CompletedTasks, p.TotalTasks, p.FailedTasks, p.ProgressPercent)

	var outcome *pendingOutcome
	if p.Status.IsTerminal() && !rec.terminal {
		outcome = s.finishLocked(key, rec, jobOutcome(p.Status), s.jobGrace)
	}
	snap := s.snapshotLocked(rec)
	l := s.listeners[key]
	s.mu.Unlock()

	s.deliver(snap, l, outcome)
}

// ApplyTask applies a task status obtained outside the push channel, e.g.
// from a REST poll, to the record tracking u.TaskID. It reports false when
// that id is not tracked as a single task.
func (s *Store) ApplyTask(u schema.TaskUpdate) bool {
	s.mu.Lock()
	rec, ok := s.records[u.TaskID]
	if !ok || rec.state.IsJob() {
		s.mu.Unlock()
		return false
	}
	gen := rec.gen
	s.mu.Unlock()

	s.applyTask(u.TaskID, gen, u)
	return true
}

// ApplyJob is ApplyTask for job progress. Every record tracking p.JobID is
// updated; the count of such records is returned.
func (s *Store) ApplyJob(p schema.JobProgress) int {
	type target struct {
		key string
		gen uint64
	}
	s.mu.Lock()
	var targets []target
	for key, rec := range s.records {
		if rec.state.JobID == p.JobID {
			targets = append(targets, target{key: key, gen: rec.gen})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		s.applyJob(t.key, t.gen, p)
	}
	return len(targets)
}

// MarkCancelled reconciles a successful cancellation into the tracked
// record. It reports false when id is not tracked.
func (s *Store) MarkCancelled(id, message string) bool {
	if message == "" {
		message = "Cancelled"
	}
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec.state.Status = StatusCancelled
	rec.state.Message = message

	var outcome *pendingOutcome
	if !rec.terminal {
		grace := s.taskGrace
		if rec.state.IsJob() {
			grace = s.jobGrace
		}
		outcome = s.finishLocked(id, rec, recent.StatusCancelled, grace)
	}
	snap := s.snapshotLocked(rec)
	l := s.listeners[id]
	s.mu.Unlock()

	s.deliver(snap, l, outcome)
	return true
}

type pendingOutcome struct {
	status recent.Status
	state  State
}

// finishLocked marks rec terminal and schedules its teardown.
func (s *Store) finishLocked(key string, rec *record, status recent.Status, grace time.Duration) *pendingOutcome {
	rec.terminal = true
	gen := rec.gen
	rec.teardown = s.clock.AfterFunc(grace, func() { s.teardown(key, gen) })
	return &pendingOutcome{status: status, state: rec.state.clone()}
}

func (s *Store) deliver(snap snapshot, l *listener, outcome *pendingOutcome) {
	if outcome != nil && s.outcomes != nil {
		st := outcome.state
		s.outcomes.AddCompleted(st.TaskID, st.ServiceName, outcome.status, st.StartTime, st.JobID, &recent.Extra{
			Message:          st.Message,
			IsMultiTask:      st.IsJob(),
			TotalTasks:       st.TotalTasks,
			CompletedTasks:   st.CompletedTasks,
			FailedTasks:      st.FailedTasks,
			ProcessingTimeMs: st.ProcessingTimeMs,
		})
		s.log.Info("tracking reached terminal status", "task_id", st.TaskID, "job_id", st.JobID, "status", st.Status)
	}
	l.send(snap)
}

func (s *Store) teardown(key string, gen uint64) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || rec.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.records, key)
	delete(s.listeners, key)
	st := rec.state
	s.mu.Unlock()

	s.unsubscribe(st)
	s.log.Debug("tracking torn down", "task_id", key)
}

// StopTracking unsubscribes and forgets id along with its listener. Unknown
// ids are ignored.
func (s *Store) StopTracking(id string) {
	s.mu.Lock()
	rec, ok := s.records[id]
	delete(s.listeners, id)
	if !ok {
		s.mu.Unlock()
		return
	}
	if rec.teardown != nil {
		rec.teardown.Stop()
	}
	delete(s.records, id)
	st := rec.state
	s.mu.Unlock()

	s.unsubscribe(st)
	s.log.Info("tracking stopped", "task_id", id)
}

// AddListener registers fn as the listener for id, replacing any previous
// one. When id already has state, fn is called with it before returning.
func (s *Store) AddListener(id string, fn Listener) {
	s.addListener(id, fn)
}

// Listen is AddListener returning a func that removes this listener only.
func (s *Store) Listen(id string, fn Listener) func() {
	l := s.addListener(id, fn)
	return func() {
		s.mu.Lock()
		if s.listeners[id] == l {
			delete(s.listeners, id)
		}
		s.mu.Unlock()
	}
}

func (s *Store) addListener(id string, fn Listener) *listener {
	l := &listener{fn: fn}
	s.mu.Lock()
	s.listeners[id] = l
	var snap *snapshot
	if rec, ok := s.records[id]; ok {
		snap = &snapshot{state: rec.state.clone(), seq: rec.seq}
	}
	s.mu.Unlock()

	if snap != nil {
		l.send(*snap)
	}
	return l
}

func (s *Store) RemoveListener(id string) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

func (s *Store) Get(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return State{}, false
	}
	return rec.state.clone(), true
}

// Active returns every tracked state ordered by start time.
func (s *Store) Active() []State {
	s.mu.Lock()
	out := make([]State, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.state.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Resubscribe re-issues subscriptions for every record still awaiting a
// terminal status, e.g. after the transport was rebuilt.
func (s *Store) Resubscribe() int {
	type target struct {
		key, jobID string
		gen        uint64
	}
	s.mu.Lock()
	targets := make([]target, 0, len(s.records))
	for key, rec := range s.records {
		if !rec.terminal {
			targets = append(targets, target{key: key, jobID: rec.state.JobID, gen: rec.gen})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		s.subscribe(t.key, t.jobID, t.gen)
	}
	return len(targets)
}

func taskOutcome(st schema.TaskStatus) recent.Status {
	switch st {
	case schema.TaskFailed:
		return recent.StatusFailed
	case schema.TaskCancelled:
		return recent.StatusCancelled
	default:
		return recent.StatusFinished
	}
}

// jobOutcome maps terminal job statuses onto cache outcomes. Partial jobs
// produced results and count as finished.
func jobOutcome(st schema.JobStatus) recent.Status {
	switch st {
	case schema.JobFailed:
		return recent.StatusFailed
	case schema.JobCancelled:
		return recent.StatusCancelled
	default:
		return recent.StatusFinished
	}
}
