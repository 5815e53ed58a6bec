package session

// Server-to-client frame types on the terminal WebSocket. The session
// manager produces these frames; the WS endpoint serializes them.
const (
	MessageOutput = "output"
	MessageReplay = "replay"
	MessageStatus = "status"
	MessageError  = "error"
	MessagePong   = "pong"
)

// State is the session lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
)

// Message is one server-to-client frame.
type Message struct {
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
	State       State  `json:"state,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Client is one WebSocket attachment to a session. Send must be
// non-blocking: implementations enqueue onto a bounded per-client queue and
// return an error when the queue is full or the socket is gone. The manager
// reacts to a Send error by detaching the client; the session itself is
// unaffected.
type Client interface {
	ID() string
	Send(Message) error
}
