package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/app"
	"github.com/atlasgw/atlas/internal/compress"
	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/provider"
)

// newChatCmd is a local interactive driver over the Chat ingress contract
// spec §6 names (`route(turn, {stream?}) -> response | stream`): it builds
// the full gateway container in-process and exercises Route/Stream the way
// an HTTP handler would, without standing up the transport surface that's
// out of the core's scope per spec §1. Grounded on the teacher's readline
// REPL (internal/cli/prompt_repl.go) adapted from a tool-calling agent
// loop to a router-selection loop: history accumulates as Conversation
// Turns, compressed through C5 before each call.
func newChatCmd() *cobra.Command {
	var owner, sessionID string
	var stream bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactively drive the model router from a local terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}
			if err := cfg.Validate(); err != nil {
				return wrapConfigError(err)
			}

			gw, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer gw.Shutdown(cmd.Context())

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "you> ",
				HistoryFile:     cfg.DataDir + "/chat_history",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("init readline: %w", err)
			}
			defer rl.Close()

			var turns []compress.Turn
			out := cmd.OutOrStdout()

			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt {
					if len(line) == 0 {
						break
					}
					continue
				}
				if err == io.EOF {
					break
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "/exit" || line == "/quit" {
					break
				}

				turns = append(turns, compress.Turn{Role: compress.RoleUser, Content: line, Timestamp: time.Now().UTC()})
				result := compress.Compress(turns, compress.Config{
					MaxContextTokens: cfg.Compressor.MaxContextTokens,
					WindowSize:       cfg.Compressor.WindowSize,
					SummarizeOld:     cfg.Compressor.SummarizeOld,
					MaxSummaryTokens: cfg.Compressor.MaxSummaryTokens,
					CharsPerToken:    cfg.Compressor.CharsPerToken,
					PriorityRoles:    cfg.Compressor.PriorityRoles,
					MinTurnLength:    cfg.Compressor.MinTurnLength,
				})

				req := provider.ChatRequest{Messages: turnsToMessages(result.Turns)}

				var resp *provider.ChatResponse
				if stream {
					resp, err = gw.Router.Stream(cmd.Context(), req, nil, func(delta string) {
						fmt.Fprint(out, delta)
					})
					fmt.Fprintln(out)
				} else {
					resp, err = gw.Router.Route(cmd.Context(), req, nil)
				}
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
					continue
				}
				if resp.IsError() {
					fmt.Fprintf(out, "[%s] %s\n", resp.FinishReason, resp.Error)
					continue
				}
				if !stream {
					fmt.Fprintf(out, "%s> %s\n", resp.Provider, resp.Content)
				}
				turns = append(turns, compress.Turn{Role: compress.RoleAssistant, Content: resp.Content, Timestamp: time.Now().UTC()})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", adminOwner, "owner driving this session")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "conversation session id")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream responses as they arrive")
	return cmd
}

func turnsToMessages(turns []compress.Turn) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(turns))
	for _, t := range turns {
		role := provider.RoleUser
		if t.Role == compress.RoleAssistant {
			role = provider.RoleAssistant
		}
		out = append(out, provider.ChatMessage{Role: role, Content: t.Content})
	}
	return out
}
