// Package composer builds argument vectors for the helion deployment CLI.
package composer

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultBinary = "helion"

// Helion composes helion CLI invocations for a single target endpoint.
// Credentials end up verbatim in the login vector.
type Helion struct {
	binary   string
	endpoint string
	username string
	password string
	cwd      string
}

// Option customises a Helion composer.
type Option func(*Helion)

// WithBinary overrides the CLI executable name or path.
func WithBinary(binary string) Option {
	return func(h *Helion) {
		if strings.TrimSpace(binary) != "" {
			h.binary = strings.TrimSpace(binary)
		}
	}
}

// WithCwd makes push paths relative to dir. A leading ~ is expanded.
func WithCwd(dir string) Option {
	return func(h *Helion) {
		if strings.TrimSpace(dir) == "" {
			return
		}
		h.cwd = absPath(dir)
	}
}

// New returns a composer for endpoint using the given credentials.
func New(endpoint, username, password string, opts ...Option) *Helion {
	h := &Helion{
		binary:   defaultBinary,
		endpoint: endpoint,
		username: username,
		password: password,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Target selects the endpoint.
func (h *Helion) Target() []string {
	return []string{h.binary, "target", h.endpoint}
}

// Login authenticates against the endpoint.
func (h *Helion) Login() []string {
	return []string{
		h.binary, "login", h.username,
		"--credentials", "username: " + h.username,
		"--password", h.password,
		"--target", h.endpoint,
	}
}

// List lists applications on the endpoint.
func (h *Helion) List() []string {
	return []string{h.binary, "list", "--target", h.endpoint}
}

// Delete removes the application called name.
func (h *Helion) Delete(name string) []string {
	return []string{h.binary, "delete", "--target", h.endpoint, "-n", name}
}

// Push deploys path as name. path is joined to the composer cwd when set.
func (h *Helion) Push(name, path string) []string {
	if h.cwd != "" {
		path = h.cwd + "/" + path
	}
	return []string{
		h.binary, "push",
		"--target", h.endpoint,
		"--as", name,
		"--path", path,
		"--no-prompt",
	}
}

// Logout ends the CLI session.
func (h *Helion) Logout() []string {
	return []string{h.binary, "logout"}
}

// Redact returns a copy of command with the value following --password
// masked, for logging.
func Redact(command []string) []string {
	out := make([]string, len(command))
	copy(out, command)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--password" {
			out[i+1] = "******"
		}
	}
	return out
}

func absPath(dir string) string {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}
