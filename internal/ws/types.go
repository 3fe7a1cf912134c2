package ws

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Auth
	TypeAuth        MessageType = "auth"
	TypeAuthSuccess MessageType = "auth_success"
	TypeAuthError   MessageType = "auth_error"

	// Heartbeat
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Configuration
	TypeConfigUpdate MessageType = "config_update"
	TypeConfigAck    MessageType = "config_ack"

	// Errors
	TypeError MessageType = "error"
)

// BaseMessage is the base structure for all messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// AuthMessage is the first message on every connection
type AuthMessage struct {
	BaseMessage
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
}

// AuthErrorMessage is received upon authentication failure
type AuthErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}

// PongMessage answers a PingMessage
type PongMessage struct {
	BaseMessage
}

// ConfigUpdateMessage carries the full desired configuration of one
// interface in configuration file syntax.
type ConfigUpdateMessage struct {
	BaseMessage
	ID        string `json:"id,omitempty"`
	Interface string `json:"interface"`
	Config    string `json:"config"`
}

// ConfigAckMessage reports the outcome of one ConfigUpdateMessage
type ConfigAckMessage struct {
	BaseMessage
	ID        string `json:"id,omitempty"`
	Interface string `json:"interface"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ErrorMessage for error communication
type ErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}
