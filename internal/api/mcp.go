package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/hindsight/internal/storage"
)

// NewMCPServer creates an MCP server exposing conversation search and the
// learning review surface to MCP clients.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"hindsight",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("hindsight — synced AI conversation history with extracted learnings and hybrid search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_conversations",
			mcp.WithDescription("Search synced conversations with hybrid full-text and semantic ranking."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("list_learnings",
			mcp.WithDescription("List extracted learnings, optionally filtered by status (pending, approved, rejected)."),
			mcp.WithString("status", mcp.Description("Filter by lifecycle status")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListLearnings(deps),
	)

	s.AddTool(
		mcp.NewTool("review_learning",
			mcp.WithDescription("Approve or reject a pending learning."),
			mcp.WithString("id", mcp.Description("Learning id"), mcp.Required()),
			mcp.WithString("decision", mcp.Description("approved or rejected"), mcp.Required()),
		),
		mcpReviewLearning(deps),
	)

	return s
}

func mcpSearchConversations(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Search.Search(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) > limit {
			results = results[:limit]
		}

		out := make([]searchResult, len(results))
		for i, res := range results {
			out[i] = searchResult{
				ConversationID: res.Conversation.ID,
				Title:          res.Conversation.Title,
				Provider:       res.Conversation.Provider,
				ProjectPath:    res.Conversation.ProjectPath,
				UpdatedAt:      res.Conversation.UpdatedAt,
				Score:          res.Score,
				MatchType:      string(res.MatchType),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListLearnings(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")
		limit := req.GetInt("limit", 20)

		learnings, err := deps.Learnings.List(status, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing learnings failed: %v", err)), nil
		}

		out := make([]learningResult, len(learnings))
		for i, l := range learnings {
			out[i] = learningResult{
				ID:             l.ID,
				ConversationID: l.ConversationID,
				Type:           l.Type,
				Rule:           l.Rule,
				Confidence:     l.Confidence,
				Status:         l.Status,
				Scope:          l.Scope,
				ProjectPath:    l.ProjectPath,
				CreatedAt:      l.CreatedAt,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal learnings: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpReviewLearning(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		decision, err := req.RequireString("decision")
		if err != nil {
			return mcpError("decision is required"), nil
		}

		switch decision {
		case storage.LearningApproved:
			err = deps.Learnings.Approve(id)
		case storage.LearningRejected:
			err = deps.Learnings.Reject(id)
		default:
			return mcpError("decision must be approved or rejected"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("review failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Learning %s is now %s", id, decision)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
