package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/subagents"
)

// newSubagentsCmd creates the `clawdbot subagents` one-shot command: it runs
// a single subagent directive against the gateway and prints the reply.
// Without a running `clawdbot serve`, the in-memory registry starts empty, so
// list/kill/steer only see runs spawned in the same invocation plus archived
// runs still inside the retention window.
func newSubagentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subagents [directive...]",
		Short: "Run a subagent directive",
		Long: `Run one subagent directive as the authorized operator.

The arguments form the directive body; a bare invocation lists runs.

Examples:
  clawdbot subagents
  clawdbot subagents spawn summarize the open issues
  clawdbot subagents kill all`,
		RunE: runSubagents,
	}

	cmd.Flags().String("session", "main", "requester session key (or \"main\")")
	return cmd
}

func runSubagents(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	store := sessions.NewManager(cfg.Sessions, logger)
	gw := gateway.NewClient(cfg.Gateway, logger)
	retention := time.Duration(cfg.Subagents.RetentionMinutes) * time.Minute
	registry := subagents.NewRegistry(retention, logger)
	engine := subagents.NewEngine(cfg.Subagents, registry, gw, store, nil, cfg.Model, logger)

	var recent subagents.RecentRunSource
	if cfg.Subagents.ArchiveDB != "" {
		if archive, err := subagents.OpenArchive(cfg.Subagents.ArchiveDB, logger); err != nil {
			logger.Warn("subagent archive unavailable", "error", err)
		} else {
			defer archive.Close()
			recent = archive
		}
	}
	handler := subagents.NewHandler(engine, recent, logger)

	text := "/subagents"
	if len(args) > 0 {
		text = "/subagents " + strings.Join(args, " ")
	}

	sessionFlag, _ := cmd.Flags().GetString("session")
	sessionKey := sessions.ResolveKey(sessionFlag, cfg.MainSessionKey)

	reply := handler.Handle(cmd.Context(), subagents.CommandParams{
		SessionKey:         sessionKey,
		AgentID:            sessions.AgentIDFromKey(sessionKey),
		Text:               text,
		IsAuthorizedSender: true,
	}, true)
	if reply == nil || reply.Reply == "" {
		fmt.Println("(no reply)")
		return nil
	}
	fmt.Println(reply.Reply)
	return nil
}
