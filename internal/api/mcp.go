package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkrv/docflow/internal/search"
	"github.com/mkrv/docflow/internal/storage"
	"github.com/mkrv/docflow/internal/task"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Tasks  *task.Registry
	Search Searcher
}

// NewMCPServer creates an MCP server exposing the retrieval and task-status
// tools over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docflow",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docflow — document pipeline with hybrid search over indexed documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Search the indexed documents and return the most relevant text chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("search_type", mcp.Description("One of vector, semantic, hybrid (default hybrid)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Look up an asynchronous parse or index task by ID."),
			mcp.WithString("task_id", mcp.Description("Task identifier returned by upload, parse, or index"), mcp.Required()),
		),
		mcpGetTaskStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docflow://documents",
			"Documents",
			mcp.WithResourceDescription("Most recent documents with their pipeline status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}
		mode := search.Mode(req.GetString("search_type", ""))

		hits, err := deps.Search.Search(ctx, search.Request{
			Query: query,
			Mode:  mode,
			Limit: limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}

		t, err := deps.Tasks.Get(taskID)
		if err != nil {
			return mcpError(fmt.Sprintf("task %s not found", taskID)), nil
		}

		b, err := json.Marshal(t)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal task: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments("", 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type documentSummary struct {
			FileID       string `json:"file_id"`
			OriginalName string `json:"original_name"`
			Status       string `json:"status"`
			CreatedAt    string `json:"created_at"`
		}
		summaries := make([]documentSummary, len(docs))
		for i, d := range docs {
			summaries[i] = documentSummary{
				FileID:       d.ID,
				OriginalName: d.OriginalName,
				Status:       string(d.Status),
				CreatedAt:    d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
