package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeTaskStatus(t *testing.T) {
	raw := []byte(`{"type":"task_status","task_id":"t1","status":"finished","adapter_name":"visage","processing_time_ms":2400,"output_json":{"faces":2}}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	upd, ok := msg.(TaskUpdate)
	if !ok {
		t.Fatalf("expected TaskUpdate, got %T", msg)
	}
	if upd.TaskID != "t1" || upd.Status != TaskFinished || upd.AdapterName != "visage" {
		t.Fatalf("unexpected task update: %+v", upd)
	}
	if upd.ProcessingTimeMs == nil || *upd.ProcessingTimeMs != 2400 {
		t.Fatalf("processing time not decoded: %v", upd.ProcessingTimeMs)
	}
	if string(upd.Output) != `{"faces":2}` {
		t.Fatalf("output payload not preserved: %s", upd.Output)
	}
}

func TestDecodeFractionalProcessingTime(t *testing.T) {
	raw := []byte(`{"type":"task_status","task_id":"t1","status":"finished","processing_time_ms":2400.5}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	upd := msg.(TaskUpdate)
	got := RoundMillis(upd.ProcessingTimeMs)
	if got == nil || *got != 2401 {
		t.Fatalf("RoundMillis = %v, want 2401", got)
	}
	if RoundMillis(nil) != nil {
		t.Fatal("RoundMillis(nil) should stay nil")
	}
}

func TestDecodeJobProgress(t *testing.T) {
	raw := []byte(`{"type":"job_progress","job_id":"j1","status":"running","total_tasks":10,"completed_tasks":3,"failed_tasks":1,"progress_percent":40}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	job, ok := msg.(JobProgress)
	if !ok {
		t.Fatalf("expected JobProgress, got %T", msg)
	}
	if job.JobID != "j1" || job.TotalTasks != 10 || job.CompletedTasks != 3 || job.FailedTasks != 1 {
		t.Fatalf("unexpected job progress: %+v", job)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown type", `{"type":"bogus"}`, ErrUnknownType},
		{"missing type", `{"task_id":"t1"}`, ErrEmptyEnvelope},
		{"task without id", `{"type":"task_status","status":"running"}`, ErrMissingID},
		{"job without id", `{"type":"job_progress","status":"running"}`, ErrMissingID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.raw)); !errors.Is(err, tt.want) {
				t.Fatalf("Decode(%s) err=%v, want %v", tt.raw, err, tt.want)
			}
		})
	}

	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestDecodeControlAcknowledgements(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connection_established","session_id":"abc"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if ce, ok := msg.(ConnectionEstablished); !ok || ce.SessionID != "abc" {
		t.Fatalf("unexpected message: %#v", msg)
	}

	msg, err = Decode([]byte(`{"type":"error","message":"nope"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Type() != TypeError {
		t.Fatalf("unexpected type %s", msg.Type())
	}
}

func TestControlEncoding(t *testing.T) {
	b, err := json.Marshal(SubscribeJob("j9"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"subscribe_job","job_id":"j9"}` {
		t.Fatalf("unexpected control encoding: %s", b)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TaskStatus{TaskFinished, TaskFailed, TaskCancelled} {
		if !s.IsTerminal() {
			t.Errorf("task status %s should be terminal", s)
		}
	}
	if TaskRunning.IsTerminal() || !TaskRunning.IsActive() {
		t.Error("running task should be active")
	}
	for _, s := range []JobStatus{JobCompleted, JobFinished, JobPartial, JobFailed} {
		if !s.IsTerminal() {
			t.Errorf("job status %s should be terminal", s)
		}
	}
	if JobPending.IsTerminal() {
		t.Error("pending job should not be terminal")
	}
}
