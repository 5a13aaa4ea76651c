package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/hindsight/internal/api"
)

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server over stdio",
	Long: `Run the MCP server over stdio, exposing conversation search and the
learning review surface to MCP clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := api.NewMCPServer(api.Deps{
			Store:     a.store,
			Search:    a.search,
			Syncer:    a.syncer,
			Learnings: a.learnings,
		})
		return server.NewStdioServer(srv).Listen(cmd.Context(), os.Stdin, os.Stdout)
	},
}
