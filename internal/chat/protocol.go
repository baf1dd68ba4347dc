package chat

// Control messages the client sends as raw text frames.
const (
	ControlChatStarted  = "chat started"
	ControlChatStopped  = "chat stopped"
	controlDisconnected = "client disconnected"
)

// Frame reporters.
const (
	ReporterInput  = "input_message"
	ReporterOutput = "output_message"
)

// Frame types.
const (
	TypeQuestion    = "question"
	TypeAnswer      = "answer"
	TypeAnswerDelta = "answer_delta"
	TypeStart       = "start_message"
	TypeStop        = "stop_message"
	TypeDisconnect  = "disconnect_message"
	TypeError       = "error_message"
)

// Frame is the JSON envelope for every message sent to the client.
type Frame struct {
	Reporter string `json:"reporter"`
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
}
