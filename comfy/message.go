package comfy

import (
	"encoding/json"
)

// streamed event kinds round-tripped by the server
const (
	MessageTypeProgress         = "progress"
	MessageTypeExecuted         = "executed"
	MessageTypeStatus           = "status"
	MessageTypeExecutionSuccess = "execution_success"
)

// envelope for every JSON frame on the streaming connection
type MessageBase struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptId string `json:"prompt_id"`
	Node     string `json:"node"`
}

type ExecutionImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type ExecutionOutput struct {
	Images []*ExecutionImage `json:"images"`
}

type ExecutionData struct {
	Node        string           `json:"node"`
	DisplayNode string           `json:"display_node"`
	Output      *ExecutionOutput `json:"output"`
	PromptId    string           `json:"prompt_id"`
}

type StatusData struct {
	Status json.RawMessage `json:"status"`
	Sid    string          `json:"sid"`
}

type ExecutionSuccessData struct {
	PromptId  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}
