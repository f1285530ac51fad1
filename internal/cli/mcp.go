package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wandbctl/internal/mcp"
)

const defaultMCPURL = "http://localhost:8080/mcp"

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server/client utilities",
	}
	cmd.AddCommand(mcpServeCmd())
	cmd.AddCommand(mcpToolsCmd())
	cmd.AddCommand(mcpCallCmd())
	return cmd
}

func mcpServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cache-backed tools over MCP JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				if p := os.Getenv("PORT"); p != "" {
					addr = ":" + p
				} else {
					addr = ":8080"
				}
			}
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			srv := mcp.NewServer(mcp.ServerOptions{
				Mirror:           m,
				Logger:           a.log,
				ThresholdMinutes: a.cfg.Zombies.ThresholdMinutes,
				Preflight:        preflightOptions(a.cfg),
				Version:          Version,
			})
			hs := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

			errc := make(chan error, 1)
			go func() { errc <- hs.ListenAndServe() }()
			a.out.Info(fmt.Sprintf("listening on %s (cache: %s)", addr, m.Location()))
			a.log.Info("mcp server started", zap.String("addr", addr))

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen addr (default :8080, or :$PORT)")
	return cmd
}

func mcpToolsCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by an MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			tools, err := mcp.NewClient(url).ToolsList(ctx)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(tools, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", defaultMCPURL, "server MCP endpoint URL")
	return cmd
}

func mcpCallCmd() *cobra.Command {
	var url, rawArgs string
	cmd := &cobra.Command{
		Use:   "call TOOL",
		Short: "Call one tool on an MCP server and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in json.RawMessage
			if rawArgs != "" {
				if !json.Valid([]byte(rawArgs)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				in = json.RawMessage(rawArgs)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			var out any
			if err := mcp.NewClient(url).CallTool(ctx, args[0], in, &out); err != nil {
				return err
			}
			b, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", defaultMCPURL, "server MCP endpoint URL")
	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	return cmd
}
