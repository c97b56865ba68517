package runner

import (
	"context"
	"errors"
	"fmt"

	"holotask/internal/domain"
	"holotask/internal/engine"
)

// ReclaimReport tells what Reclaim moved back from the runner.
type ReclaimReport struct {
	Tasks   int
	Results int
	// Kept counts tasks left with the runner because it was executing them.
	Kept int
}

// Handoff sends every scheduled and paused task of from to the runner, so
// the background engine carries them while no foreground engine runs.
func Handoff(ctx context.Context, c *Client, from *engine.Engine) (int, error) {
	all, err := from.GetScheduledTasks(ctx)
	if err != nil {
		return 0, err
	}
	var tasks []*domain.ScheduledTask
	for _, t := range all {
		if t.Status == domain.StatusScheduled || t.Status == domain.StatusPaused {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	resp, err := c.Request(ctx, PersistState{Tasks: tasks})
	if err != nil {
		return 0, err
	}
	switch m := resp.(type) {
	case Ack:
		return m.Count, nil
	case ErrorResponse:
		return 0, errors.New(m.Error)
	}
	return 0, fmt.Errorf("unexpected %s reply to %s", resp.Kind(), KindPersistState)
}

// Reclaim loads the runner's state into the engine and then deletes the
// reclaimed tasks from the runner. The newer copy of each task wins and
// results the engine already has are skipped.
func Reclaim(ctx context.Context, c *Client, into *engine.Engine) (ReclaimReport, error) {
	var rep ReclaimReport
	resp, err := c.Request(ctx, LoadState{})
	if err != nil {
		return rep, err
	}
	var state StateResponse
	switch m := resp.(type) {
	case StateResponse:
		state = m
	case ErrorResponse:
		return rep, errors.New(m.Error)
	default:
		return rep, fmt.Errorf("unexpected %s reply to %s", resp.Kind(), KindLoadState)
	}

	for _, t := range state.Tasks {
		if t.Status == domain.StatusRunning {
			rep.Kept++
			continue
		}
		if _, err := into.Import(ctx, t); err != nil {
			return rep, fmt.Errorf("import task %s: %w", t.ID, err)
		}
		n, err := into.ImportResults(ctx, t.ID, state.Results[t.ID])
		if err != nil {
			return rep, fmt.Errorf("import results of %s: %w", t.ID, err)
		}
		rep.Results += n

		resp, err := c.Request(ctx, DeleteTask{TaskID: t.ID})
		if err != nil {
			return rep, err
		}
		if e, ok := resp.(ErrorResponse); ok {
			return rep, fmt.Errorf("delete %s from runner: %s", t.ID, e.Error)
		}
		rep.Tasks++
	}
	return rep, nil
}
