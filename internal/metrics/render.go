package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tastythames/slurm-portal/internal/runstore"
)

// RunSource is satisfied by runstore.Store.
type RunSource interface {
	Snapshot() []runstore.Record
}

// DispatchSource is satisfied by *dispatch.Dispatcher.
type DispatchSource interface {
	Stats() (enqueued uint64, dropped uint64)
}

// ArtifactSource is satisfied by *artifacts.Store.
type ArtifactSource interface {
	Snapshot() map[string][]string
}

type Renderer struct {
	Runs      RunSource
	Dispatch  DispatchSource
	Artifacts ArtifactSource
}

func NewRenderer(runs RunSource, d DispatchSource, a ArtifactSource) *Renderer {
	return &Renderer{Runs: runs, Dispatch: d, Artifacts: a}
}

func (r *Renderer) Write(w io.Writer) {
	start := time.Now()

	// ---------------------------------------------------
	// Process-level metrics
	// ---------------------------------------------------
	header(w, MetricPortalUp, "gauge", "1 if the portal process is running.")
	fmt.Fprintf(w, "%s 1\n", MetricPortalUp)

	if r.Dispatch != nil {
		enq, dropped := r.Dispatch.Stats()
		header(w, MetricDispatchEnqueued, "counter", "Runs accepted into the worker queue.")
		fmt.Fprintf(w, "%s %d\n", MetricDispatchEnqueued, enq)
		header(w, MetricDispatchDropped, "counter", "Runs rejected because the worker queue was full.")
		fmt.Fprintf(w, "%s %d\n", MetricDispatchDropped, dropped)
	}

	// ---------------------------------------------------
	// Run registry snapshot
	// ---------------------------------------------------
	if r.Runs != nil {
		r.writeRuns(w, r.Runs.Snapshot())
	}

	if r.Artifacts != nil {
		snap := r.Artifacts.Snapshot()
		namespaces := make([]string, 0, len(snap))
		for ns := range snap {
			namespaces = append(namespaces, ns)
		}
		sort.Strings(namespaces)

		header(w, MetricStoredArtifacts, "gauge", "Artifacts held in the local store per job.")
		for _, ns := range namespaces {
			fmt.Fprintf(w, "%s%s %d\n", MetricStoredArtifacts, formatLabels(map[string]string{"namespace": ns}), len(snap[ns]))
		}
	}

	header(w, MetricRenderDurationSeconds, "gauge", "Time spent rendering /metrics.")
	fmt.Fprintf(w, "%s %.6f\n", MetricRenderDurationSeconds, time.Since(start).Seconds())
}

func (r *Renderer) writeRuns(w io.Writer, recs []runstore.Record) {
	counts := make(map[runstore.State]int, len(runstore.States))
	for _, rec := range recs {
		counts[rec.State]++
	}

	header(w, MetricRuns, "gauge", "Runs known to the registry by state.")
	for _, st := range runstore.States {
		fmt.Fprintf(w, "%s%s %d\n", MetricRuns, formatLabels(map[string]string{"state": string(st)}), counts[st])
	}

	header(w, MetricRunArtifacts, "gauge", "Artifacts collected by a finished run.")
	for _, rec := range recs {
		if rec.Result == nil {
			continue
		}
		labels := map[string]string{"run_id": rec.ID, "job_id": rec.JobID}
		fmt.Fprintf(w, "%s%s %d\n", MetricRunArtifacts, formatLabels(labels), len(rec.Result.Artifacts))
	}

	header(w, MetricRunDuration, "gauge", "Wall time of a finished run.")
	for _, rec := range recs {
		if rec.Result == nil || rec.Result.StartedAt.IsZero() {
			continue
		}
		labels := map[string]string{"run_id": rec.ID, "state": string(rec.State)}
		fmt.Fprintf(w, "%s%s %.3f\n", MetricRunDuration, formatLabels(labels), rec.Result.EndedAt.Sub(rec.Result.StartedAt).Seconds())
	}
}

func header(w io.Writer, name, typ, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func formatLabels(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `%s="%s"`, k, labelEscaper.Replace(m[k]))
	}
	b.WriteString("}")
	return b.String()
}
