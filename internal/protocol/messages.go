package protocol

import "time"

// InitRequest asks the bridge to load a model.
type InitRequest struct {
	ModelPath string `json:"model_path"`
}

// TranscribeRequest asks the bridge to transcribe a WAV file.
type TranscribeRequest struct {
	AudioPath string `json:"audio_path"`
	Language  string `json:"language,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// MethodError describes a failed method call.
type MethodError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MethodResponse is the reply to every method call.
type MethodResponse struct {
	OK        bool         `json:"ok"`
	Text      string       `json:"text,omitempty"`
	Ready     bool         `json:"ready"`
	ModelPath string       `json:"model_path,omitempty"`
	Error     *MethodError `json:"error,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Language   string    `json:"language,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	MethodInit       = "init"
	MethodTranscribe = "transcribe"
	MethodFree       = "free"
	MethodStatus     = "status"

	SubjectTranscriptFinal = "stt.text.final"
)

// Error codes carried in MethodError.Code.
const (
	CodeInvalidArgs      = "INVALID_ARGS"
	CodeInitFailed       = "INIT_FAILED"
	CodeNotReady         = "NOT_READY"
	CodeEmptyAudio       = "EMPTY_AUDIO"
	CodeDecodeFailed     = "DECODE_FAILED"
	CodeTranscribeFailed = "TRANSCRIBE_FAILED"
	CodeUnknownMethod    = "UNKNOWN_METHOD"
	CodeInternal         = "INTERNAL"
)

// Subject returns the request subject for method under prefix.
func Subject(prefix, method string) string {
	return prefix + "." + method
}
