package scheduler

import (
	"sort"

	"cyclon/internal/task"
)

// TaskSnapshot is one instance's externally visible state.
type TaskSnapshot struct {
	Name      string            `json:"name"`
	Point     string            `json:"point"`
	Flow      string            `json:"flow"`
	Status    string            `json:"status"`
	Held      bool              `json:"held"`
	SubmitNum int               `json:"submit_num"`
	TryNum    int               `json:"try_num"`
	JobID     string            `json:"job_id,omitempty"`
	Outputs   []string          `json:"outputs,omitempty"`
	Prereqs   []PrereqSnapshot  `json:"prerequisites,omitempty"`
	Xtriggers map[string]bool   `json:"xtriggers,omitempty"`
}

// PrereqSnapshot is one prerequisite atom's satisfaction state.
type PrereqSnapshot struct {
	Atom        string `json:"atom"`
	Satisfied   bool   `json:"satisfied"`
	SatisfiedBy string `json:"satisfied_by,omitempty"`
}

// StateSummary aggregates the pool for monitors.
type StateSummary struct {
	Workflow string                    `json:"workflow"`
	Paused   bool                      `json:"paused"`
	Stalled  bool                      `json:"stalled"`
	ByStatus map[string]int            `json:"by_status"`
	ByCycle  map[string]map[string]int `json:"by_cycle"`
	Pool     int                       `json:"pool_size"`
	Deferred int                       `json:"deferred_spawns"`
}

// Summary returns aggregate counts by status and cycle.
func (s *Scheduler) Summary() (StateSummary, error) {
	var out StateSummary
	err := s.command("summary", func() error {
		out = StateSummary{
			Workflow: s.wf.Name,
			Paused:   s.paused,
			Stalled:  s.stalled,
			ByStatus: make(map[string]int),
			ByCycle:  make(map[string]map[string]int),
			Pool:     s.pool.Size(),
			Deferred: s.pool.DeferredCount(),
		}
		for _, px := range s.pool.All() {
			status := string(px.DisplayStatus())
			out.ByStatus[status]++
			cycle := px.Point.String()
			if out.ByCycle[cycle] == nil {
				out.ByCycle[cycle] = make(map[string]int)
			}
			out.ByCycle[cycle][status]++
		}
		return nil
	})
	return out, err
}

// Snapshot returns the full graph view: every live instance with its
// prerequisite satisfaction.
func (s *Scheduler) Snapshot() ([]TaskSnapshot, error) {
	var out []TaskSnapshot
	err := s.command("snapshot", func() error {
		for _, px := range s.pool.All() {
			out = append(out, snapshotProxy(px))
		}
		return nil
	})
	return out, err
}

func snapshotProxy(px *task.Proxy) TaskSnapshot {
	snap := TaskSnapshot{
		Name:      px.Name(),
		Point:     px.Point.String(),
		Flow:      px.Flow,
		Status:    string(px.DisplayStatus()),
		Held:      px.Held,
		SubmitNum: px.SubmitNum,
		TryNum:    px.TryNum,
		JobID:     px.JobID,
		Outputs:   px.Outputs.Completed(),
	}
	atoms := px.Prereqs.Atoms()
	sort.Slice(atoms, func(i, j int) bool { return atoms[i].Key() < atoms[j].Key() })
	for _, atom := range atoms {
		snap.Prereqs = append(snap.Prereqs, PrereqSnapshot{
			Atom:        atom.Key(),
			Satisfied:   atom.Satisfied,
			SatisfiedBy: atom.SatisfiedBy,
		})
	}
	if len(px.Xtriggers) > 0 {
		snap.Xtriggers = make(map[string]bool, len(px.Xtriggers))
		for label, ok := range px.Xtriggers {
			snap.Xtriggers[label] = ok
		}
	}
	return snap
}
