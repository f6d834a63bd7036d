package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// AuthMode selects how the dispatch layer gates requests.
type AuthMode string

const (
	AuthNone     AuthMode = "none"     // no gate (explicit opt-out)
	AuthToken    AuthMode = "token"    // static header token compare
	AuthJWT      AuthMode = "jwt"      // HS256 bearer assertion against the shared secret
	AuthDelegate AuthMode = "delegate" // worker authenticates via an auth envelope
)

type Auth struct {
	Mode     AuthMode `toml:"mode"`
	Header   string   `toml:"header"`
	Token    string   `toml:"token"`
	Issuer   string   `toml:"issuer"`   // jwt mode only
	Audience string   `toml:"audience"` // jwt mode only
	LeewayMS int      `toml:"leeway_ms"`
}

func (a *Auth) validate() error {
	a.Mode = AuthMode(strings.ToLower(strings.TrimSpace(string(a.Mode))))
	if a.Mode == "" {
		a.Mode = AuthToken
	}
	if a.Header == "" {
		a.Header = "x-runner-token"
	}
	switch a.Mode {
	case AuthNone, AuthDelegate:
	case AuthToken, AuthJWT:
		if strings.TrimSpace(a.Token) == "" {
			return fmt.Errorf("auth.token required for mode %q", a.Mode)
		}
	default:
		return fmt.Errorf("auth.mode %q invalid", a.Mode)
	}
	if a.LeewayMS < 0 {
		return errors.New("auth.leeway_ms must be >= 0")
	}
	return nil
}
