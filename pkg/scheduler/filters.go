package scheduler

import (
	"fmt"
	"strings"

	"github.com/billetlabs/billet/pkg/types"
)

// rejection records why one worker was passed over for a definition.
// The list shows up in debug logs so starved placements can be
// diagnosed without replaying the pass.
type rejection struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// eligible reports whether the worker can host the definition right
// now, with the rejection reason when it cannot. Checks are ordered
// cheapest first.
func eligible(def *types.Definition, w *types.Worker) (bool, string) {
	if !w.Status.Schedulable() {
		return false, fmt.Sprintf("worker is %s", w.Status)
	}
	if !def.AcceptsLicense(w.LicenseKind) {
		return false, fmt.Sprintf("definition does not accept %s license", w.LicenseKind)
	}
	if fam := def.Requirements.ImageFamily; fam != "" && w.ImageID != "" && !strings.HasPrefix(w.ImageID, fam) {
		return false, fmt.Sprintf("image %s outside family %s", w.ImageID, fam)
	}
	if !def.Requirements.Resources.Fits(w.Available()) {
		return false, "insufficient free resources"
	}
	if w.MaxNodes > 0 && w.AllocatedNodes+def.NodeCount > w.MaxNodes {
		return false, "node budget exhausted"
	}
	if w.AvailablePorts() < len(def.PortTemplate) {
		return false, "not enough free ports"
	}
	return true, ""
}

// placementScore is the worker's utilization after the placement would
// land. Packing onto the fullest feasible worker keeps spare machines
// empty so scale-down can reclaim them.
func placementScore(def *types.Definition, w *types.Worker) float64 {
	return w.Capacity.Utilization(w.Allocated.Add(def.Requirements.Resources))
}

// selectWorker picks the host for a definition among the given workers,
// together with the rejection list for everything passed over. Highest
// post-placement utilization wins; ties fall to the lexicographically
// smaller worker id so repeated runs over the same fleet converge on
// the same answer.
func selectWorker(def *types.Definition, workers []*types.Worker) (*types.Worker, []rejection) {
	var (
		best      *types.Worker
		bestScore float64
		rejects   []rejection
	)
	for _, w := range workers {
		ok, reason := eligible(def, w)
		if !ok {
			rejects = append(rejects, rejection{WorkerID: w.ID, Reason: reason})
			continue
		}
		score := placementScore(def, w)
		if best == nil || score > bestScore || (score == bestScore && w.ID < best.ID) {
			best = w
			bestScore = score
		}
	}
	return best, rejects
}

// chooseTemplate picks the worker template for a scale-up: the
// tightest feasible fit, so the new machine idles as little capacity
// as possible once the definition lands on it. Ties fall to the
// lexicographically smaller template name.
func chooseTemplate(templates []*types.WorkerTemplate, def *types.Definition) *types.WorkerTemplate {
	var (
		best    *types.WorkerTemplate
		bestFit float64
	)
	for _, tmpl := range templates {
		if !tmpl.Satisfies(def) {
			continue
		}
		fit := tmpl.Capacity.Utilization(def.Requirements.Resources)
		if best == nil || fit > bestFit || (fit == bestFit && tmpl.Name < best.Name) {
			best = tmpl
			bestFit = fit
		}
	}
	return best
}
