// Package mcp implements the Model Context Protocol surface for Tsunagi.
//
// The MCP server exposes the chat service over MCP tools so MCP-compatible
// agents can hold conversations through the same orchestration path as the
// HTTP API: same validation, same run polling, same watermark reply
// extraction.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tsunagi-ai/tsunagi/internal/chat"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Server wraps the MCP server around the chat service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	chatSvc   *chat.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(chatSvc *chat.Service, version string, logger *slog.Logger) *Server {
	s := &Server{
		chatSvc: chatSvc,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsunagi",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// tsunagi_send_message — one full conversational turn.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_send_message",
			mcplib.WithDescription("Send a chat message and wait for the agent's reply. Omit thread_id to start a new conversation."),
			mcplib.WithString("message", mcplib.Description("The user message text"), mcplib.Required()),
			mcplib.WithString("thread_id", mcplib.Description("Existing conversation thread to continue")),
		),
		s.handleSendMessage,
	)

	// tsunagi_create_thread — pre-create an empty conversation.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_create_thread",
			mcplib.WithDescription("Create a new empty conversation thread"),
		),
		s.handleCreateThread,
	)

	// tsunagi_get_history — full transcript of a thread.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_get_history",
			mcplib.WithDescription("Fetch the full message history of a conversation thread"),
			mcplib.WithString("thread_id", mcplib.Description("Conversation thread identifier"), mcplib.Required()),
		),
		s.handleGetHistory,
	)
}

func (s *Server) handleSendMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	message := request.GetString("message", "")
	threadID := request.GetString("thread_id", "")

	if message == "" {
		return errorResult("message is required"), nil
	}

	resp, err := s.chatSvc.SendMessage(ctx, model.SendMessageRequest{
		Message:  message,
		ThreadID: threadID,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("send message failed: %v", err)), nil
	}

	return jsonResult(resp), nil
}

func (s *Server) handleCreateThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	thread, err := s.chatSvc.CreateThread(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("create thread failed: %v", err)), nil
	}

	return jsonResult(model.CreateThreadResponse{ThreadID: thread.ID}), nil
}

func (s *Server) handleGetHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID := request.GetString("thread_id", "")
	if threadID == "" {
		return errorResult("thread_id is required"), nil
	}

	msgs, err := s.chatSvc.History(ctx, threadID)
	if err != nil {
		return errorResult(fmt.Sprintf("get history failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"thread_id": threadID,
		"messages":  msgs,
		"total":     len(msgs),
	}), nil
}

func jsonResult(data any) *mcplib.CallToolResult {
	buf, _ := json.MarshalIndent(data, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(buf)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
