// Package llm routes inference tasks to the cheapest capable model, handles
// retry/fallback, enforces spend caps, and accounts for every call.
package llm

// Task identifies the kind of work a call performs; the routing table maps
// each task to a primary and fallback model.
type Task string

const (
	TaskHTMLNormalisation  Task = "html_normalisation"
	TaskExtraction         Task = "llm_extraction"
	TaskDiffClassification Task = "diff_classification"
	TaskChangeSummary      Task = "change_summary"
	TaskDesignVision       Task = "design_vision" // requires a vision-capable model
	TaskContentGeneration  Task = "content_generation"
)
