package bus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/internal/recent"
)

type fakePublisher struct {
	subject string
	data    [][]byte
	err     error
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.subject = subject
	f.data = append(f.data, data)
	return f.err
}

func TestOutcomesPublishesRecord(t *testing.T) {
	pub := &fakePublisher{}
	o := NewOutcomes(pub, "tracker.outcomes", nil)

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	o.Observe(recent.Record{TaskID: "t1", ServiceName: "visage", Status: recent.StatusFinished, StartTime: start})

	if pub.subject != "tracker.outcomes" || len(pub.data) != 1 {
		t.Fatalf("unexpected publish: subject=%q n=%d", pub.subject, len(pub.data))
	}
	rec, err := DecodeOutcome(pub.data[0])
	if err != nil {
		t.Fatalf("DecodeOutcome: %v", err)
	}
	if rec.TaskID != "t1" || rec.Status != recent.StatusFinished || !rec.StartTime.Equal(start) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestOutcomesSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	o := NewOutcomes(pub, "s", nil)
	o.Observe(recent.Record{TaskID: "t1"})
	if len(pub.data) != 1 {
		t.Fatal("publish should still be attempted")
	}
}

func TestNilOutcomesIsNoop(t *testing.T) {
	var o *Outcomes
	o.Observe(recent.Record{TaskID: "t1"})
}

func TestClientWithoutConnection(t *testing.T) {
	var c *Client
	if err := c.Publish("s", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if err := c.PublishJSON("s", recent.Record{TaskID: "t1"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PublishJSON err = %v, want ErrNotConnected", err)
	}
	c.Close()
}
