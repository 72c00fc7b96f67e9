package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dominikbraun/graph"
)

// Stage is one job in a Workflow together with the stages it waits for.
type Stage struct {
	Name      string
	Job       Job
	DependsOn []string
}

// Submitter is the part of a Pipeline a Workflow needs.
type Submitter interface {
	Submit(job Job) error
	Subscribe() (<-chan Result, func())
}

// Workflow runs dependent stages in topological order.
type Workflow struct {
	stages map[string]Stage
	graph  graph.Graph[string, string]
}

// NewWorkflow validates the stage graph. Unknown dependencies and cycles are
// rejected.
func NewWorkflow(stages ...Stage) (*Workflow, error) {
	w := &Workflow{
		stages: make(map[string]Stage, len(stages)),
		graph:  graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles()),
	}
	for _, s := range stages {
		if s.Name == "" {
			return nil, errors.New("workflow: stage without a name")
		}
		if err := w.graph.AddVertex(s.Name); err != nil {
			if errors.Is(err, graph.ErrVertexAlreadyExists) {
				return nil, fmt.Errorf("workflow: duplicate stage %q", s.Name)
			}
			return nil, err
		}
		w.stages[s.Name] = s
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := w.stages[dep]; !ok {
				return nil, fmt.Errorf("workflow: stage %q depends on unknown stage %q", s.Name, dep)
			}
			if err := w.graph.AddEdge(dep, s.Name); err != nil {
				if errors.Is(err, graph.ErrEdgeCreatesCycle) {
					return nil, fmt.Errorf("workflow: %s -> %s creates a cycle", dep, s.Name)
				}
				if !errors.Is(err, graph.ErrEdgeAlreadyExists) {
					return nil, err
				}
			}
		}
	}
	return w, nil
}

// Order returns stage names so that every stage follows its dependencies.
// Independent stages are ordered by name.
func (w *Workflow) Order() ([]string, error) {
	return graph.StableTopologicalSort(w.graph, func(a, b string) bool { return a < b })
}

// Run submits each stage and waits for its result before moving on. It stops
// at the first failed stage and returns the results gathered so far.
func (w *Workflow) Run(ctx context.Context, sub Submitter) ([]Result, error) {
	order, err := w.Order()
	if err != nil {
		return nil, err
	}

	results, unsubscribe := sub.Subscribe()
	defer unsubscribe()

	var done []Result
	for _, name := range order {
		job := w.stages[name].Job
		if job.ID == "" {
			job.ID = newJobID(name)
		}
		if err := sub.Submit(job); err != nil {
			return done, fmt.Errorf("stage %s: %w", name, err)
		}
		res, err := waitFor(ctx, results, job.ID)
		if err != nil {
			return done, fmt.Errorf("stage %s: %w", name, err)
		}
		done = append(done, res)
		if res.Error != nil {
			return done, fmt.Errorf("stage %s: %w", name, res.Error)
		}
	}
	return done, nil
}

func waitFor(ctx context.Context, results <-chan Result, id string) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return Result{}, errors.New("pipeline stopped")
			}
			if res.Job.ID == id {
				return res, nil
			}
		}
	}
}

// StandardParams describes a full reduce, regions, photometry run.
type StandardParams struct {
	DataDir      string
	Filters      []string
	Apertures    []float64
	Reference    string
	RefFilter    string
	Cluster      string
	CatalogPath  string
	CmpRange     string
	MagRange     string
	Colour       string
	SkipExisting bool
	Preview      bool
}

// StandardWorkflow builds reduce -> regions -> photometry, with an optional
// preview of the reference frame once its regions exist.
func StandardWorkflow(p StandardParams) (*Workflow, error) {
	if len(p.Filters) == 0 {
		return nil, errors.New("workflow: no filters given")
	}
	if p.RefFilter == "" {
		p.RefFilter = p.Filters[0]
	}
	regionOpts := map[string]any{
		"reference": p.Reference,
		"filter":    p.RefFilter,
		"cluster":   p.Cluster,
	}
	for k, v := range map[string]string{"catalog": p.CatalogPath, "cmpRange": p.CmpRange, "magRange": p.MagRange, "colour": p.Colour} {
		if v != "" {
			regionOpts[k] = v
		}
	}

	stages := []Stage{
		{
			Name: string(JobReduce),
			Job: Job{Type: JobReduce, InputPath: p.DataDir, Options: map[string]any{
				"filters":      p.Filters,
				"skipExisting": p.SkipExisting,
			}},
		},
		{
			Name:      string(JobRegions),
			Job:       Job{Type: JobRegions, InputPath: p.DataDir, Options: regionOpts},
			DependsOn: []string{string(JobReduce)},
		},
		{
			Name: string(JobPhotometry),
			Job: Job{Type: JobPhotometry, InputPath: p.DataDir, Options: map[string]any{
				"filters":   p.Filters,
				"apertures": p.Apertures,
			}},
			DependsOn: []string{string(JobRegions)},
		},
	}
	if p.Preview {
		image := filepath.Join(p.DataDir, p.RefFilter, p.Reference)
		opts := map[string]any{}
		if p.Colour != "" {
			opts["colour"] = p.Colour
		}
		stages = append(stages, Stage{
			Name:      string(JobPreview),
			Job:       Job{Type: JobPreview, InputPath: image, Options: opts},
			DependsOn: []string{string(JobRegions)},
		})
	}
	return NewWorkflow(stages...)
}

func newJobID(stage string) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(stage), time.Now().UnixNano())
}
