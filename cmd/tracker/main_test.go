package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/internal/jobsapi"
	"github.com/skier233/Stash-AIServer-sub000/internal/recent"
	"github.com/skier233/Stash-AIServer-sub000/internal/tracking"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"text", "json", "pretty"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(&buf, "info", format)
			logger.Debug("hidden")
			logger.Info("connected", "url", "ws://x")
			out := buf.String()
			if strings.Contains(out, "hidden") {
				t.Fatalf("debug line written at info level: %s", out)
			}
			if !strings.Contains(out, "connected") {
				t.Fatalf("info line missing: %s", out)
			}
		})
	}
}

func TestPrintState(t *testing.T) {
	var buf bytes.Buffer
	printState(&buf, tracking.State{TaskID: "j1", JobID: "j1", Status: "running", Message: "Processing 2/5 tasks (40%)"})
	if got := buf.String(); !strings.HasPrefix(got, "j1  running") || !strings.Contains(got, "Processing 2/5") {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestPrintStateJSON(t *testing.T) {
	asJSON = true
	defer func() { asJSON = false }()

	var buf bytes.Buffer
	printState(&buf, tracking.State{TaskID: "t1", Status: "finished"})
	var st tracking.State
	if err := json.Unmarshal(buf.Bytes(), &st); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if st.TaskID != "t1" || st.Status != "finished" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestPrintRecords(t *testing.T) {
	var buf bytes.Buffer
	printRecords(&buf, nil)
	if !strings.Contains(buf.String(), "No recent outcomes") {
		t.Fatalf("unexpected empty output: %q", buf.String())
	}

	buf.Reset()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	printRecords(&buf, []recent.Record{{
		TaskID: "t1", ServiceName: "visage", Status: recent.StatusFinished,
		StartTime: start, EndTime: start.Add(2400 * time.Millisecond), Message: "Completed in 2.4s",
	}})
	out := buf.String()
	if !strings.Contains(out, "ID") || !strings.Contains(out, "t1") || !strings.Contains(out, "2.4s") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPrintStatsSorted(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, recent.Stats{
		Total:     3,
		ByStatus:  map[recent.Status]int{recent.StatusFinished: 2, recent.StatusFailed: 1},
		ByService: map[string]int{"visage": 3},
	})
	out := buf.String()
	if !strings.HasPrefix(out, "total: 3") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Index(out, "failed") > strings.Index(out, "finished") {
		t.Fatalf("statuses should be sorted: %q", out)
	}
}

func TestPrintJobsShowsPaging(t *testing.T) {
	var buf bytes.Buffer
	printJobs(&buf, jobsapi.JobList{
		Jobs:  []jobsapi.JobSummary{{JobID: "j1", Status: "running", TotalTasks: 5, CompletedTasks: 2, ProgressPercent: 40}},
		Total: 7,
	})
	out := buf.String()
	if !strings.Contains(out, "2/5") || !strings.Contains(out, "showing 1 of 7") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPrintTaskRoundsProcessingTime(t *testing.T) {
	took := 1200.5
	var buf bytes.Buffer
	printTask(&buf, jobsapi.TaskSummary{TaskID: "t1", JobID: "j1", Status: "finished", ProcessingTimeMs: &took})
	out := buf.String()
	if !strings.HasPrefix(out, "t1  finished") || !strings.Contains(out, "1.2s") || !strings.Contains(out, "job:   j1") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPrintJobDetailListsTasks(t *testing.T) {
	took := 350.0
	var buf bytes.Buffer
	printJobDetail(&buf, jobsapi.JobDetail{
		Job: jobsapi.JobSummary{JobID: "j1", Status: "running", TotalTasks: 2, CompletedTasks: 1, ProgressPercent: 50},
		Tasks: []jobsapi.TaskSummary{
			{TaskID: "t1", Status: "finished", ProcessingTimeMs: &took},
			{TaskID: "t2", Status: "running"},
		},
	})
	out := buf.String()
	if !strings.HasPrefix(out, "j1  running") || !strings.Contains(out, "TASK") || !strings.Contains(out, "350ms") {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.Contains(out, "t2") || !strings.Contains(out, "-") {
		t.Fatalf("running task should be listed without a duration: %q", out)
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"watch", "task"}, {"watch", "job"},
		{"cancel", "task"}, {"cancel", "job"},
		{"recent"}, {"stats"}, {"forget"}, {"clear"}, {"jobs"}, {"task"}, {"job"}, {"outcomes"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered (err=%v)", path, err)
		}
	}
}
