package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/squadhq/squad/internal/workspace"
)

// AgentEnvConfig specifies the environment exposed to a spawned agent
// session. The agent program reads these to address its signals.
type AgentEnvConfig struct {
	// Agent is the agent name (e.g. "AlphaGlade").
	Agent string

	// Session is the full terminal session name.
	Session string

	// Task is the assigned task id. Empty for chat and plan sessions.
	Task string

	// StateDir is the .squad directory for this workspace.
	StateDir string

	// GatewayAddr is the HTTP gateway address for posting signals.
	GatewayAddr string

	// Model optionally pins the agent model.
	Model string
}

// AgentEnv returns all environment variables for a spawned session.
// This is the single source of truth for session environment variables.
func AgentEnv(cfg AgentEnvConfig) map[string]string {
	env := make(map[string]string)

	env["SQUAD_AGENT"] = cfg.Agent
	env["SQUAD_SESSION"] = cfg.Session

	// Empty values would override the tmux session environment, so
	// only set optional vars when present.
	if cfg.Task != "" {
		env["SQUAD_TASK"] = cfg.Task
	}
	if cfg.StateDir != "" {
		env[workspace.InstallDirEnv] = cfg.StateDir
	}
	if cfg.GatewayAddr != "" {
		env["SQUAD_GATEWAY"] = cfg.GatewayAddr
	}
	if cfg.Model != "" {
		env["SQUAD_MODEL"] = cfg.Model
	}

	return env
}

// ExportPrefix builds an export statement prefix for shell commands.
// Returns a string like "export SQUAD_AGENT=AlphaGlade && ".
// The keys are sorted for deterministic output.
func ExportPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, env[k]))
	}

	return "export " + strings.Join(parts, " ") + " && "
}

// BuildStartupCommand combines the export prefix with the agent program
// and an optional initial prompt argument.
func BuildStartupCommand(env map[string]string, program, prompt string) string {
	prefix := ExportPrefix(env)
	if prompt != "" {
		return fmt.Sprintf("%s%s %q", prefix, program, prompt)
	}
	return prefix + program
}

