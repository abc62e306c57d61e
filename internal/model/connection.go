package model

import "time"

// ConnectionState is the lifecycle state of the realtime transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

func (s ConnectionState) String() string {
	return string(s)
}

// ConnectionDetails is the snapshot pushed to connection subscribers on
// every state transition. Consumers derive all their observable state from
// it and hold no truth of their own.
type ConnectionDetails struct {
	State                ConnectionState `json:"state"`
	ReconnectAttempts    int             `json:"reconnect_attempts"`
	MaxReconnectAttempts int             `json:"max_reconnect_attempts"`
	NextBackoff          time.Duration   `json:"next_backoff"`
	QueuedMessages       int             `json:"queued_messages"`
	Online               bool            `json:"online"`
}

// Stats is a point-in-time diagnostic snapshot of the transport.
type Stats struct {
	State       ConnectionState `json:"state"`
	Attempts    int             `json:"attempts"`
	Queued      int             `json:"queued"`
	ConnectedAt time.Time       `json:"connected_at,omitzero"`
	Uptime      time.Duration   `json:"uptime"`
}
