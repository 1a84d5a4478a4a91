package config

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DetectPaths locates the claude binary and its toolchain bin directory
// when the configuration does not pin them. Returns true when the config
// was updated and should be rewritten.
func (m *Manager) DetectPaths() bool {
	cfg := m.Get()
	changed := false

	if cfg.AgentPath == "" || !isExecutable(cfg.AgentPath) {
		if path := detectAgentPath(); path != "" {
			log.Printf("[CONFIG] Detected claude at %s", path)
			cfg.AgentPath = path
			changed = true
		}
	}

	if cfg.ToolchainBin == "" && cfg.AgentPath != "" {
		// The CLI usually lives next to the node toolchain it needs.
		dir := filepath.Dir(cfg.AgentPath)
		if isExecutable(filepath.Join(dir, "node")) {
			log.Printf("[CONFIG] Detected toolchain bin at %s", dir)
			cfg.ToolchainBin = dir
			changed = true
		}
	}

	if changed {
		m.Set(cfg)
	}
	return changed
}

// detectAgentPath probes PATH first, then the usual install locations.
func detectAgentPath() string {
	if path, err := exec.LookPath("claude"); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return path
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".claude", "local", "claude"),
		filepath.Join(home, ".local", "bin", "claude"),
		"/usr/local/bin/claude",
	}
	candidates = append(candidates, nvmCandidates()...)

	for _, c := range candidates {
		if isExecutable(c) {
			return c
		}
	}
	return ""
}

// nvmCandidates lists claude binaries under $NVM_DIR, newest node first.
func nvmCandidates() []string {
	nvmDir := os.Getenv("NVM_DIR")
	if nvmDir == "" {
		home, _ := os.UserHomeDir()
		nvmDir = filepath.Join(home, ".nvm")
	}

	versionsDir := filepath.Join(nvmDir, "versions", "node")
	entries, err := os.ReadDir(versionsDir)
	if err != nil {
		return nil
	}

	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sortNodeVersionsDesc(versions)

	candidates := make([]string, 0, len(versions))
	for _, v := range versions {
		candidates = append(candidates, filepath.Join(versionsDir, v, "bin", "claude"))
	}
	return candidates
}

// sortNodeVersionsDesc orders vMAJOR.MINOR.PATCH directory names newest
// first, comparing components numerically so v10.x beats v9.x.
func sortNodeVersionsDesc(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		a, b := parseNodeVersion(versions[i]), parseNodeVersion(versions[j])
		for k := 0; k < 3; k++ {
			if a[k] != b[k] {
				return a[k] > b[k]
			}
		}
		return versions[i] > versions[j]
	})
}

func parseNodeVersion(name string) [3]int {
	var v [3]int
	parts := strings.SplitN(strings.TrimPrefix(name, "v"), ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			break
		}
		v[i] = n
	}
	return v
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
