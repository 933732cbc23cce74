package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/dispatch"
	"relaybot/internal/transport/telegram/router"
)

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Route:       "broadcast",
			Aliases:     []string{"bc"},
			Description: "send a message to a list of recipients in rate-limited batches",
			Usage:       "/broadcast <id,id,...> <message> [--max N] [--batch N]",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdBroadcast,
		},
		{
			Route:       "capture",
			Description: "control the status capture pipeline",
			Usage:       "/capture on|off|clear",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdCapture,
		},
		{
			Route:       "stats",
			Description: "capture and archive counters",
			Usage:       "/stats",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      a.cmdStats,
		},
		{
			Route:       "jobs",
			Description: "broadcast job status",
			Usage:       "/jobs [id] [cancel]",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdJobs,
		},
	}
}

func (a *App) cmdBroadcast(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return req.Reply(ctx, "usage: /broadcast <id,id,...> <message> [--max N] [--batch N]")
	}
	recipients := strings.Split(req.Args[0], ",")
	message := strings.Join(req.Args[1:], " ")

	var maxTotal, batchSize int
	if v, ok := req.Flags["max"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req.Reply(ctx, "--max must be a positive number")
		}
		maxTotal = n
	}
	if v, ok := req.Flags["batch"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req.Reply(ctx, "--batch must be a positive number")
		}
		batchSize = n
	}

	// Progress messages go back on the app context, not the handler context:
	// the job outlives this request by design.
	appCtx := a.sup.Context()
	id, err := a.disp.Submit(dispatch.Request{
		Recipients: recipients,
		Message:    message,
		MaxTotal:   maxTotal,
		BatchSize:  batchSize,
		OnProgress: func(p dispatch.Progress) {
			_ = req.Reply(appCtx, formatProgress(p))
		},
	})
	if err != nil {
		return req.Reply(ctx, "broadcast rejected: "+err.Error())
	}

	st, _ := a.disp.Status(id)
	return req.Reply(ctx, fmt.Sprintf("job %s queued: %d recipients in %d batches", id, st.Total, st.Batches))
}

func formatProgress(p dispatch.Progress) string {
	if p.Final {
		verdict := "done"
		if p.Canceled {
			verdict = "canceled"
		}
		return fmt.Sprintf("job %s %s: %d ok, %d failed of %d",
			p.JobID, verdict, p.TotalSuccess, p.TotalFailure, p.TotalPlanned)
	}
	return fmt.Sprintf("job %s batch %d/%d: %d ok, %d failed (total %d/%d)",
		p.JobID, p.BatchIndex+1, p.TotalBatches,
		p.BatchSuccess, p.BatchFailure,
		p.TotalSuccess+p.TotalFailure, p.TotalPlanned)
}

func (a *App) cmdCapture(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		state := "off"
		if a.reg.Enabled() {
			state = "on"
		}
		return req.Reply(ctx, fmt.Sprintf("capture is %s (%d seen)", state, a.reg.Seen()))
	}
	switch strings.ToLower(req.Args[0]) {
	case "on":
		a.reg.SetEnabled(true)
		return req.Reply(ctx, "capture enabled")
	case "off":
		a.reg.SetEnabled(false)
		return req.Reply(ctx, "capture disabled")
	case "clear":
		n := a.reg.Seen()
		a.reg.Clear()
		return req.Reply(ctx, fmt.Sprintf("cleared %d seen ids", n))
	default:
		return req.Reply(ctx, "usage: /capture on|off|clear")
	}
}

func (a *App) cmdStats(ctx context.Context, req *router.Request) error {
	state := "off"
	if a.reg.Enabled() {
		state = "on"
	}
	lines := []string{
		"capture: " + state,
		fmt.Sprintf("seen ids: %d", a.reg.Seen()),
	}
	if n := a.engine.ArchiveCount(ctx); n >= 0 {
		lines = append(lines, fmt.Sprintf("archived: %d", n))
	}
	running := 0
	for _, st := range a.disp.Jobs() {
		if st.Running {
			running++
		}
	}
	lines = append(lines, fmt.Sprintf("broadcast jobs running: %d", running))
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (a *App) cmdJobs(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		jobs := a.disp.Jobs()
		if len(jobs) == 0 {
			return req.Reply(ctx, "no broadcast jobs")
		}
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
		lines := make([]string, 0, len(jobs))
		for _, st := range jobs {
			lines = append(lines, formatJobLine(st))
		}
		return req.Reply(ctx, strings.Join(lines, "\n"))
	}

	id := req.Args[0]
	st, ok := a.disp.Status(id)
	if !ok {
		return req.Reply(ctx, "unknown job "+id)
	}

	if len(req.Args) > 1 && strings.EqualFold(req.Args[1], "cancel") {
		if err := a.disp.Cancel(id); err != nil {
			return req.Reply(ctx, "cancel failed: "+err.Error())
		}
		return req.Reply(ctx, "job "+id+" canceled")
	}
	return req.Reply(ctx, formatJobLine(st))
}

func formatJobLine(st dispatch.JobStatus) string {
	state := "queued"
	switch {
	case st.Running:
		state = "running"
	case st.Canceled:
		state = "canceled"
	case !st.DoneAt.IsZero():
		state = "done"
	}
	return fmt.Sprintf("%s [%s] %d ok, %d failed of %d (%d batches)",
		st.ID, state, st.Success, st.Failed, st.Total, st.Batches)
}
