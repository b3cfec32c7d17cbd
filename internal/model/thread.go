// Package model defines the core domain types for tsunagi.
//
// Threads, messages, and runs mirror the Agent/Thread/Run/Message pattern
// of managed conversational-AI backends. All identifiers are opaque strings
// owned by the backing store; ordering within a thread is by CreatedAt, never
// by identifier.
package model

import "time"

// Agent is a resolved handle to a pre-configured conversational persona.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Thread is a persistent ordered log of messages for one conversation.
// Created lazily on the first turn; referenced (not owned) by the proxy.
type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRole identifies the author side of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single entry in a thread.
//
// IDs are unique within a thread but not assumed monotonic with time, so
// consumers must sort by CreatedAt explicitly.
type Message struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}
