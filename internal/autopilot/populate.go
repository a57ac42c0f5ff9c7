package autopilot

import (
	"context"
	"fmt"

	"quantpilot/internal/store"
)

// Populator is the store subset used by Populate.
type Populator interface {
	Enqueue(ctx context.Context, job store.Job) (string, error)
	ListAll(ctx context.Context, f store.Filter) ([]store.Job, error)
}

// PopulatePlan is the matrix Populate fills.
type PopulatePlan struct {
	BaseModels   []string
	Methods      []string
	Priority     int
	TargetSizeGB float64
	// Discover, when set, adds base models found at populate time.
	Discover func() ([]string, error)
}

// Populate enqueues one idle-triggered job for every base model and method
// pair that has no PENDING or RUNNING job yet. It returns the new job ids in
// plan order.
func Populate(ctx context.Context, s Populator, plan PopulatePlan) ([]string, error) {
	open := make(map[[2]string]bool)
	for _, st := range []store.JobStatus{store.StatusPending, store.StatusRunning} {
		jobs, err := s.ListAll(ctx, store.Filter{Status: st})
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", st, err)
		}
		for _, j := range jobs {
			open[[2]string{j.BaseModel, j.QuantizationMethod}] = true
		}
	}

	models := plan.BaseModels
	if plan.Discover != nil {
		found, err := plan.Discover()
		if err != nil {
			return nil, fmt.Errorf("discover base models: %w", err)
		}
		models = mergeUnique(models, found)
	}

	var ids []string
	for _, m := range models {
		for _, q := range plan.Methods {
			key := [2]string{m, q}
			if open[key] {
				continue
			}
			id, err := s.Enqueue(ctx, store.Job{
				BaseModel:          m,
				QuantizationMethod: q,
				Priority:           plan.Priority,
				Trigger:            store.TriggerIdle,
				TargetSizeGB:       plan.TargetSizeGB,
			})
			if err != nil {
				return ids, fmt.Errorf("enqueue %s/%s: %w", m, q, err)
			}
			open[key] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
