package publish

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Credentials authenticate against the registry. A value without a colon is
// treated as a registry token.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// ParseCredentials parses "<username>[:<password>]".
func ParseCredentials(raw string) Credentials {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credentials{}
	}
	user, pass, ok := strings.Cut(raw, ":")
	if !ok {
		return Credentials{Token: user}
	}
	return Credentials{Username: user, Password: pass}
}

func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

func (c Credentials) authenticator() authn.Authenticator {
	if c.IsZero() {
		return authn.Anonymous
	}
	return authn.FromConfig(authn.AuthConfig{
		Username:      c.Username,
		Password:      c.Password,
		RegistryToken: c.Token,
	})
}
