package agentpipe

import (
	"context"

	"github.com/excelwang/fustor-sub003/internal/flog"
)

// CommandHandlers bundles the callbacks a Pipe invokes for each recognized
// command type (spec.md §4.5). Each field is optional; a command whose
// handler is nil is skipped without logging. Every
// handler runs in its own detached goroutine so a slow command (e.g. a
// recursive scan) never delays the heartbeat loop.
type CommandHandlers struct {
	Scan          func(ctx context.Context, path string, recursive bool)
	StopPipe      func(ctx context.Context, pipeID string)
	ReloadConfig  func(ctx context.Context)
	UpdateConfig  func(ctx context.Context, yamlBody, filename string)
	ReportConfig  func(ctx context.Context, filename string)
	UpgradeAgent  func(ctx context.Context, version string)
}

// dispatchCommands launches one detached goroutine per command, per
// spec.md §4.5 "Each command is executed in a detached worker so heartbeats
// are not delayed." Unknown command types are logged and ignored.
func dispatchCommands(ctx context.Context, pipeID string, cmds []Command, h CommandHandlers) {
	for _, cmd := range cmds {
		cmd := cmd
		switch cmd.Type {
		case CommandScan:
			if h.Scan == nil {
				continue
			}
			path, _ := cmd.Payload["path"].(string)
			recursive, _ := cmd.Payload["recursive"].(bool)
			go h.Scan(ctx, path, recursive)
		case CommandStopPipe:
			if h.StopPipe == nil {
				continue
			}
			id, _ := cmd.Payload["pipe_id"].(string)
			go h.StopPipe(ctx, id)
		case CommandReloadConfig:
			if h.ReloadConfig == nil {
				continue
			}
			go h.ReloadConfig(ctx)
		case CommandUpdateConfig:
			if h.UpdateConfig == nil {
				continue
			}
			yamlBody, _ := cmd.Payload["yaml"].(string)
			filename, _ := cmd.Payload["filename"].(string)
			go h.UpdateConfig(ctx, yamlBody, filename)
		case CommandReportConfig:
			if h.ReportConfig == nil {
				continue
			}
			filename, _ := cmd.Payload["filename"].(string)
			go h.ReportConfig(ctx, filename)
		case CommandUpgradeAgent:
			if h.UpgradeAgent == nil {
				continue
			}
			version, _ := cmd.Payload["version"].(string)
			go h.UpgradeAgent(ctx, version)
		default:
			flog.With(flog.Fields{"pipe_id": pipeID, "command": cmd.Type}).Info("unrecognized command, ignoring")
		}
	}
}
