package wire

import "time"

// Progress entry kinds carried by TaskProgress.Type.
const (
	ProgressToolUse = "tool_use"
	ProgressInfo    = "info"
)

// Agent status values carried by AgentStatus.Status.
const (
	AgentOnline = "online"
	AgentBusy   = "busy"
)

// SlackContext locates the chat conversation a task reports into.
type SlackContext struct {
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"threadTs,omitempty"`
	UserID    string `json:"userId"`
}

// Attachment is a binary payload shipped with a task submission.
type Attachment struct {
	Name     string `json:"name"`
	Mimetype string `json:"mimetype,omitempty"`
	Base64   string `json:"base64"`
	Size     int64  `json:"size,omitempty"`
}

// TaskSubmit instructs an agent to start (or resume) a task.
type TaskSubmit struct {
	TaskID           string       `json:"taskId"`
	ProjectID        string       `json:"projectId"`
	BotName          string       `json:"botName"`
	Command          string       `json:"command"`
	Prompt           string       `json:"prompt"`
	SystemPrompt     string       `json:"systemPrompt"`
	LocalPath        string       `json:"localPath"`
	Model            string       `json:"model"`
	MaxBudget        float64      `json:"maxBudget"`
	AllowedTools     []string     `json:"allowedTools"`
	MaxContinuations int          `json:"maxContinuations,omitempty"`
	ResumeSessionID  string       `json:"resumeSessionId,omitempty"`
	ParentTaskID     string       `json:"parentTaskId,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	SlackContext     SlackContext `json:"slackContext"`
}

// TaskCancel tells every connected agent to abort the task if it holds it.
type TaskCancel struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// DeployRequest asks the agent to run the project's deploy pipeline.
type DeployRequest struct {
	RequestID   string `json:"requestId"`
	LocalPath   string `json:"localPath"`
	ChannelID   string `json:"channelId"`
	ThreadTS    string `json:"threadTs,omitempty"`
	RequestedBy string `json:"requestedBy"`
}

// PathValidateRequest asks the agent whether a local path exists,
// creating it when absent.
type PathValidateRequest struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
}

// SystemRestart tells the agent process to restart itself.
type SystemRestart struct {
	Reason  string `json:"reason"`
	Rebuild bool   `json:"rebuild,omitempty"`
}

// TaskAck reports whether the agent accepted a submitted task.
type TaskAck struct {
	TaskID   string `json:"taskId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// TaskProgress carries one tool-use or informational step line.
type TaskProgress struct {
	TaskID    string    `json:"taskId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskStream carries an assistant text delta.
type TaskStream struct {
	TaskID    string    `json:"taskId"`
	Delta     string    `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// AttachmentResult reports the outcome of materializing one attachment.
type AttachmentResult struct {
	Name    string `json:"name"`
	Saved   bool   `json:"saved"`
	Path    string `json:"path,omitempty"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}

// TaskComplete is the successful terminal frame for a task.
type TaskComplete struct {
	TaskID            string             `json:"taskId"`
	Result            string             `json:"result"`
	SessionID         string             `json:"sessionId,omitempty"`
	InputTokens       int64              `json:"inputTokens"`
	OutputTokens      int64              `json:"outputTokens"`
	EstimatedCost     float64            `json:"estimatedCost"`
	FilesChanged      []string           `json:"filesChanged"`
	CommandsRun       []string           `json:"commandsRun"`
	DurationMs        int64              `json:"durationMs"`
	Continuations     int                `json:"continuations"`
	AttachmentResults []AttachmentResult `json:"attachmentResults,omitempty"`
}

// TaskError is the failed terminal frame for a task.
type TaskError struct {
	TaskID      string `json:"taskId"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
	SessionID   string `json:"sessionId,omitempty"`
}

// TaskCancelled confirms the agent aborted a task.
type TaskCancelled struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// DeployResult reports the outcome of a DeployRequest.
type DeployResult struct {
	RequestID    string `json:"requestId"`
	Success      bool   `json:"success"`
	Output       string `json:"output"`
	BuildLogsURL string `json:"buildLogsUrl,omitempty"`
}

// PathValidateResult reports the outcome of a PathValidateRequest.
type PathValidateResult struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Exists    bool   `json:"exists"`
	Created   bool   `json:"created"`
	Error     string `json:"error,omitempty"`
}

// AgentStatus is the agent's periodic presence report.
type AgentStatus struct {
	Status        string    `json:"status"`
	ActiveTaskIDs []string  `json:"activeTaskIds"`
	TS            time.Time `json:"ts"`
}
