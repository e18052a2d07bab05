package jobsapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

func TestCancelTask(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.CancelTask(context.Background(), "t 1"); err != nil {
		t.Fatalf("CancelTask returned error: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v1/queue/tasks/t 1/cancel" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestGetJobDecodesTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/queue/jobs/j1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"job":{"job_id":"j1","status":"running","total_tasks":2},"tasks":[{"task_id":"a","status":"running"},{"task_id":"b","status":"finished"}]}`))
	}))
	defer srv.Close()

	detail, err := NewClient(srv.URL).GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if detail.Job.JobID != "j1" || len(detail.Tasks) != 2 || detail.Tasks[1].Status != schema.TaskFinished {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestListJobsQuery(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"jobs":[{"job_id":"j1","status":"completed"}],"total":1}`))
	}))
	defer srv.Close()

	list, err := NewClient(srv.URL, WithPrefix("api/v2/queue/")).ListJobs(context.Background(), ListOptions{Limit: 10, Offset: 20, Status: "failed"})
	if err != nil {
		t.Fatalf("ListJobs returned error: %v", err)
	}
	if rawQuery != "limit=10&offset=20&status=failed" {
		t.Fatalf("query = %q", rawQuery)
	}
	if list.Total != 1 || list.Jobs[0].Status != schema.JobCompleted {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/queue/tasks/missing":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.GetTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask err=%v, want ErrNotFound", err)
	}

	err := c.CancelTask(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Body != "boom" {
		t.Fatalf("CancelTask err=%v, want StatusError 500", err)
	}
}

func TestTimeoutIsAFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, WithTimeout(20*time.Millisecond))
	if _, err := c.GetJob(context.Background(), "j1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetJob err=%v, want deadline exceeded", err)
	}
}
