// Package workspace manages the per-identity filesystem layout: a config
// directory holding the sandbox's own configuration and a persistent
// workspace directory seeded once from a template set. Destroying an
// instance never touches these directories.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Manager lays out instance directories under an instances root and seeds
// workspaces from a template directory.
type Manager struct {
	instancesRoot string
	templateDir   string
	log           zerolog.Logger
}

func NewManager(instancesRoot, templateDir string, log zerolog.Logger) *Manager {
	return &Manager{
		instancesRoot: instancesRoot,
		templateDir:   templateDir,
		log:           log.With().Str("component", "workspace").Logger(),
	}
}

// ConfigDir returns the host path bound to the sandbox's config mount.
func (m *Manager) ConfigDir(identity string) string {
	return filepath.Join(m.instancesRoot, identity, "config")
}

// WorkspaceDir returns the host path of the persistent workspace.
func (m *Manager) WorkspaceDir(identity string) string {
	return filepath.Join(m.instancesRoot, identity, "workspace")
}

// Prepare materializes both directories, seeds the workspace from the
// template set, writes the identity note, and writes the sandbox config
// referencing the gateway token. Safe to call again for an existing
// identity: seeding never overwrites files the sandbox already owns.
func (m *Manager) Prepare(identity, pubkey, gatewayToken string, gatewayPort int) error {
	configDir := m.ConfigDir(identity)
	workspaceDir := m.WorkspaceDir(identity)
	for _, dir := range []string{configDir, workspaceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create instance dir: %w", err)
		}
	}

	if err := m.seed(workspaceDir); err != nil {
		// Missing or broken templates never break a deploy.
		m.log.Warn().Err(err).Str("instance", identity).Msg("workspace seeding incomplete")
	}

	identityPath := filepath.Join(workspaceDir, "IDENTITY.md")
	if _, err := os.Stat(identityPath); os.IsNotExist(err) {
		note := fmt.Sprintf("# Identity\n\n- **Wallet:** `%s`\n- **Instance:** `%s`\n- **Created:** %s\n",
			pubkey, identity, time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
		if err := os.WriteFile(identityPath, []byte(note), 0o644); err != nil {
			return fmt.Errorf("write identity note: %w", err)
		}
	}

	return m.writeSandboxConfig(configDir, gatewayToken, gatewayPort)
}

// seed copies template files into the workspace, skipping anything already
// present so redeploying an existing identity is always safe.
func (m *Manager) seed(workspaceDir string) error {
	entries, err := os.ReadDir(m.templateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dest := filepath.Join(workspaceDir, entry.Name())
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := copyFile(filepath.Join(m.templateDir, entry.Name()), dest); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeSandboxConfig(configDir, gatewayToken string, gatewayPort int) error {
	cfg := map[string]any{
		"agents": map[string]any{
			"defaults": map[string]any{
				"workspace":              "/home/node/.openclaw/workspace",
				"bootstrapMaxChars":      30000,
				"bootstrapTotalMaxChars": 80000,
			},
		},
		"gateway": map[string]any{
			"port": gatewayPort,
			"mode": "local",
			"bind": "lan",
			"auth": map[string]any{
				"mode":  "token",
				"token": gatewayToken,
			},
			"controlUi": map[string]any{
				"allowInsecureAuth": true,
			},
		},
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sandbox config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "openclaw.json"), raw, 0o600); err != nil {
		return fmt.Errorf("write sandbox config: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// SafeFilename reports whether a workspace filename may be served through
// the files API: markdown or JSON only, no separators, no traversal.
func SafeFilename(name string) bool {
	if !strings.HasSuffix(name, ".md") && !strings.HasSuffix(name, ".json") {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return len(name) <= 64
}

// ListFiles returns the markdown files in an identity's workspace, sorted.
func (m *Manager) ListFiles(identity string) []string {
	matches, err := filepath.Glob(filepath.Join(m.WorkspaceDir(identity), "*.md"))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		names = append(names, filepath.Base(match))
	}
	sort.Strings(names)
	return names
}

// ReadFile returns a workspace file's content and whether it exists.
func (m *Manager) ReadFile(identity, name string) (string, bool, error) {
	raw, err := os.ReadFile(filepath.Join(m.WorkspaceDir(identity), name))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// WriteFile replaces an existing workspace file. Creating new files through
// the API is not allowed; the workspace belongs to the sandbox.
func (m *Manager) WriteFile(identity, name, content string) error {
	path := filepath.Join(m.WorkspaceDir(identity), name)
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
