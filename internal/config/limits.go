package config

import "time"

// Websocket connection limits.
const (
	MaxConnections = 10000

	// Rate limiting
	MaxMessagesPerWindow = 20
	RateLimitWindow      = time.Second

	// Timeouts
	WriteTimeout = 10 * time.Second
	PingInterval = 25 * time.Second

	// ClientSendBufferSize bounds the outbound queue of one connection. A
	// client whose queue is full is dropped.
	ClientSendBufferSize = 64
	MaxMessageBytes      = 16 << 10
)

// MaxChatLength caps relayed chat messages, in runes.
const MaxChatLength = 500
