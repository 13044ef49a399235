package workerpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
)

// mcpConfigFile is the agent-side config file name.
const mcpConfigFile = "copilot-mcp-config.json"

// linkExclusions are root-workspace entries never linked into a task
// workspace: task internals and the tool-server config stay invisible.
var linkExclusions = map[string]bool{
	".github":     true,
	".data":       true,
	".tasks":      true,
	mcpConfigFile: true,
}

// linkRootEntries links every eligible top-level root-workspace entry into
// workspace, files as hard links and directories as symlinks/junctions.
func linkRootEntries(rootWorkspace, workspace string) error {
	entries, err := os.ReadDir(rootWorkspace)
	if err != nil {
		return fmt.Errorf("read root workspace: %w", err)
	}
	for _, e := range entries {
		if linkExclusions[e.Name()] {
			continue
		}
		if err := fsutil.LinkEntry(filepath.Join(rootWorkspace, e.Name()), workspace); err != nil {
			return fmt.Errorf("link %s: %w", e.Name(), err)
		}
	}
	return nil
}

// syncWorkspace reconciles one round of the bidirectional link. New root
// entries are linked forward; new real entries created inside the task
// workspace are moved to the root and replaced with a link, so project files
// always end up in the real workspace.
func syncWorkspace(rootWorkspace, workspace string) error {
	if err := linkRootEntries(rootWorkspace, workspace); err != nil {
		return err
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		return fmt.Errorf("read task workspace: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if linkExclusions[name] {
			continue
		}
		src := filepath.Join(workspace, name)
		if fsutil.IsLink(src) {
			continue
		}
		dst := filepath.Join(rootWorkspace, name)
		if _, err := os.Lstat(dst); err == nil {
			continue // root already has this name; leave the local copy alone
		}
		if !e.IsDir() {
			// hard-linked files already exist at the root by inode
			if sameFile(src, dst) {
				continue
			}
		}
		if err := os.Rename(src, dst); err != nil {
			continue // cross-device or busy; retry next round
		}
		if err := fsutil.LinkEntry(dst, workspace); err != nil {
			return fmt.Errorf("re-link %s: %w", name, err)
		}
	}
	return nil
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

// agentMCPConfig is the file shape the agent reads.
type agentMCPConfig struct {
	MCPServers map[string]mcpregistry.Server `json:"mcpServers"`
}

// writeMCPConfig writes the agent tool-server config into dir, pointing the
// core entry at the orchestrator with task and role tagged in the URL.
func writeMCPConfig(dir, publicURL, taskID, role string, registry *mcpregistry.Registry) error {
	return writeMCPConfigURL(dir, fmt.Sprintf("%s/mcp?task_id=%s&role=%s", publicURL, taskID, role), registry)
}

// WriteOrchestratorMCPConfig writes the tool-server config the orchestrator
// brain runs with into the root workspace. The brain has no task, so the core
// URL carries only role=orchestrator.
func WriteOrchestratorMCPConfig(rootWorkspace, publicURL string, registry *mcpregistry.Registry) error {
	return writeMCPConfigURL(rootWorkspace, publicURL+"/mcp?role=orchestrator", registry)
}

// writeMCPConfigURL merges user entries from the registry under the core
// entry; the core entry wins a name clash.
func writeMCPConfigURL(dir, coreURL string, registry *mcpregistry.Registry) error {
	cfg := agentMCPConfig{MCPServers: make(map[string]mcpregistry.Server)}
	if registry != nil {
		for name, s := range registry.All() {
			cfg.MCPServers[name] = s
		}
	}
	cfg.MCPServers["dispatchd"] = mcpregistry.Server{URL: coreURL}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, mcpConfigFile), data)
}
