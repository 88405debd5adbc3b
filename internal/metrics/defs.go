package metrics

const (
	// process health
	MetricPortalUp = "slurm_portal_up"

	// run registry
	MetricRuns         = "slurm_portal_runs"
	MetricRunArtifacts = "slurm_portal_run_artifacts"
	MetricRunDuration  = "slurm_portal_run_duration_seconds"

	// dispatcher
	MetricDispatchEnqueued = "slurm_portal_dispatch_enqueued_total"
	MetricDispatchDropped  = "slurm_portal_dispatch_dropped_total"

	// artifact store
	MetricStoredArtifacts = "slurm_portal_stored_artifacts"

	// render
	MetricRenderDurationSeconds = "slurm_portal_render_duration_seconds"
)
