package models

// APIResponse is the envelope every ops endpoint answers with.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// RunJobRequest is the optional body of POST /api/jobs/:id/run.
type RunJobRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// CancelResult reports what a cancel request reached.
type CancelResult struct {
	ExecutionID string `json:"execution_id"`
	// Flagged is true when the stored record was running and now carries CancelRequested.
	Flagged bool `json:"flagged"`
	// Local is true when the run executes in this process and was canceled directly.
	Local bool `json:"local"`
}
