// Package dto defines the request and response shapes of the HTTP API.
// Every response is wrapped in the same envelope: {"success": true,
// "data": ...} or {"success": false, "error": "..."}.
package dto

// Response is the uniform API envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps a payload in a success envelope.
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Err wraps an error message in a failure envelope.
func Err(message string) Response {
	return Response{Success: false, Error: message}
}

// CreatePlanRequest creates a plan.
type CreatePlanRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	BaseBranch  string `json:"base_branch"`
}

// CreateTaskRequest creates a task, optionally inside a plan.
type CreateTaskRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description" binding:"required"`
	Priority      string   `json:"priority"`
	PlanID        string   `json:"plan_id"`
	Dependencies  []string `json:"dependencies"`
	ParallelGroup string   `json:"parallel_group"`
	Agent         string   `json:"agent"`
	ModelID       string   `json:"model_id"`
	TargetFiles   []string `json:"target_files"`
	BaseBranch    string   `json:"base_branch"`
	RepoPath      string   `json:"repo_path"`
}

// DeployTaskRequest overrides agent and model at deploy time. All fields
// are optional.
type DeployTaskRequest struct {
	AgentID string `json:"agent_id"`
	ModelID string `json:"model_id"`
}

// SendMessageRequest carries a user message to a worker.
type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// ApproveRequest resolves a pending tool-call approval.
type ApproveRequest struct {
	ApprovalID    string `json:"approval_id" binding:"required"`
	Approved      bool   `json:"approved"`
	Clarification string `json:"clarification"`
}

// CompleteWorkerRequest finalizes a worker's work.
type CompleteWorkerRequest struct {
	CommitMessage string `json:"commit_message"`
	Push          bool   `json:"push"`
	CreatePR      bool   `json:"create_pr"`
	PRTitle       string `json:"pr_title"`
	PRBody        string `json:"pr_body"`
	KeepWorktree  bool   `json:"keep_worktree"`
}

// CreateWorkspaceRequest registers a repository root.
type CreateWorkspaceRequest struct {
	Path string `json:"path" binding:"required"`
	Name string `json:"name"`
}

// ChatRequest starts or continues a streamed conversation with a worker.
type ChatRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Message  string `json:"message" binding:"required"`
}
