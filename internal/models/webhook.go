package models

// PushResult summarizes how a push delivery was handled. Deliveries are
// acknowledged with 200 even when nothing matched, so the provider does not
// retry; the body carries the outcome for operators reading delivery logs.
type PushResult struct {
	Processed       bool   `json:"processed"`
	Reason          string `json:"reason,omitempty"`
	BuildsTriggered int    `json:"builds_triggered"`
	BuildsSkipped   int    `json:"builds_skipped"`
}

// InstallationResult summarizes how an installation lifecycle event was
// handled.
type InstallationResult struct {
	Processed bool   `json:"processed"`
	Action    string `json:"action"`
}
