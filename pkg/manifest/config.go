// Package manifest holds the TOML configuration for the tunnel gateway.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Config is the top-level manifest.
type Config struct {
	Server    Server    `toml:"server"`
	Auth      Auth      `toml:"auth"`
	AllowList AllowList `toml:"allowlist"`
	CORS      CORS      `toml:"cors"`
	Worker    Worker    `toml:"worker"`
}

type Server struct {
	BasePath string `toml:"base_path"`
}

type CORS struct {
	Origins []string `toml:"origins"`
}

// Origin resolves the Access-Control-Allow-Origin value for a request origin.
// Empty config means permissive.
func (c CORS) Origin(requestOrigin string) string {
	if len(c.Origins) == 0 {
		return "*"
	}
	for _, o := range c.Origins {
		if o == "*" {
			return "*"
		}
		if strings.EqualFold(o, requestOrigin) {
			return o
		}
	}
	return ""
}

// Validate normalizes defaults and rejects inconsistent manifests.
func (c *Config) Validate() error {
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/__runner"
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	c.Server.BasePath = path.Clean(c.Server.BasePath)
	if c.Server.BasePath == "/" {
		return errors.New("server.base_path must not be the root path")
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}
	if err := c.Worker.validate(); err != nil {
		return err
	}
	if c.Auth.Mode == AuthDelegate && c.Worker.Command == "" {
		return errors.New("auth.mode delegate requires a [worker] command")
	}

	for _, id := range append(append([]string(nil), c.AllowList.Tasks...), c.AllowList.Events...) {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("allowlist contains a blank operation id")
		}
	}
	return nil
}
