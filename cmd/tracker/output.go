package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/skier233/Stash-AIServer-sub000/internal/jobsapi"
	"github.com/skier233/Stash-AIServer-sub000/internal/recent"
	"github.com/skier233/Stash-AIServer-sub000/internal/tracking"
	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printState(w io.Writer, st tracking.State) {
	if asJSON {
		_ = printJSON(w, st)
		return
	}
	id := st.TaskID
	if st.IsJob() && st.JobID != st.TaskID {
		id = st.TaskID + " (job " + st.JobID + ")"
	}
	fmt.Fprintf(w, "%s  %-10s %s\n", id, st.Status, st.Message)
}

func printRecords(w io.Writer, records []recent.Record) {
	if asJSON {
		_ = printJSON(w, records)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No recent outcomes.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSERVICE\tENDED\tTOOK\tMESSAGE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.TaskID, r.Status, r.ServiceName,
			r.EndTime.Local().Format(time.DateTime),
			tracking.FormatDuration(r.EndTime.Sub(r.StartTime).Milliseconds()),
			r.Message)
	}
	_ = tw.Flush()
}

func printStats(w io.Writer, s recent.Stats) {
	if asJSON {
		_ = printJSON(w, s)
		return
	}
	fmt.Fprintf(w, "total: %d\n", s.Total)
	statuses := make([]string, 0, len(s.ByStatus))
	for k := range s.ByStatus {
		statuses = append(statuses, string(k))
	}
	sort.Strings(statuses)
	for _, k := range statuses {
		fmt.Fprintf(w, "  %-10s %d\n", k, s.ByStatus[recent.Status(k)])
	}
	services := make([]string, 0, len(s.ByService))
	for k := range s.ByService {
		services = append(services, k)
	}
	sort.Strings(services)
	if len(services) > 0 {
		fmt.Fprintln(w, "by service:")
	}
	for _, k := range services {
		fmt.Fprintf(w, "  %-10s %d\n", k, s.ByService[k])
	}
}

func printJobs(w io.Writer, list jobsapi.JobList) {
	if asJSON {
		_ = printJSON(w, list)
		return
	}
	if len(list.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tADAPTER\tTASKS\tPROGRESS")
	for _, j := range list.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d (%d failed)\t%.0f%%\n",
			j.JobID, j.Status, j.AdapterName,
			j.CompletedTasks, j.TotalTasks, j.FailedTasks, j.ProgressPercent)
	}
	_ = tw.Flush()
	if list.Total > len(list.Jobs) {
		fmt.Fprintf(w, "showing %d of %d\n", len(list.Jobs), list.Total)
	}
}

func printTask(w io.Writer, t jobsapi.TaskSummary) {
	if asJSON {
		_ = printJSON(w, t)
		return
	}
	fmt.Fprintf(w, "%s  %-10s %s\n", t.TaskID, t.Status, tracking.TaskMessage(t.Status, t.AdapterName, schema.RoundMillis(t.ProcessingTimeMs)))
	if t.JobID != "" {
		fmt.Fprintf(w, "  job:   %s\n", t.JobID)
	}
	if t.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", t.Error)
	}
}

func printJobDetail(w io.Writer, d jobsapi.JobDetail) {
	if asJSON {
		_ = printJSON(w, d)
		return
	}
	j := d.Job
	fmt.Fprintf(w, "%s  %-10s %s\n", j.JobID, j.Status, tracking.JobMessage(j.Status, j.CompletedTasks, j.TotalTasks, j.FailedTasks, j.ProgressPercent))
	if len(d.Tasks) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tADAPTER\tTOOK")
	for _, t := range d.Tasks {
		took := "-"
		if ms := schema.RoundMillis(t.ProcessingTimeMs); ms != nil {
			took = tracking.FormatDuration(*ms)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TaskID, t.Status, t.AdapterName, took)
	}
	_ = tw.Flush()
}
