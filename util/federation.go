package util

import (
	"fmt"
	"os"
	"strings"

	"github.com/deemkeen/cardfed/domain"
)

// FederationEnvVar must be "true" for EnableFederation to succeed.
const FederationEnvVar = "CARDFED_FEDERATION_ENABLED"

// Federation is the capability handed to every federation component.
// A nil or zero Federation is disabled.
type Federation struct {
	enabled bool
	Domain  string
}

// EnableFederation is the explicit opt-in. It only succeeds when the
// environment flag is also set, so both switches are required.
func EnableFederation(domainName string) (*Federation, error) {
	if os.Getenv(FederationEnvVar) != "true" {
		return nil, &domain.ConfigError{Msg: fmt.Sprintf("federation is disabled: set %s=true", FederationEnvVar)}
	}
	domainName = strings.ToLower(strings.TrimSpace(domainName))
	if domainName == "" {
		return nil, &domain.ConfigError{Msg: "federation requires an instance domain"}
	}
	return &Federation{enabled: true, Domain: domainName}, nil
}

// Check returns a ConfigError unless federation was enabled.
func (f *Federation) Check() error {
	if f == nil || !f.enabled {
		return &domain.ConfigError{Msg: "federation is not enabled"}
	}
	return nil
}

func (f *Federation) Enabled() bool {
	return f.Check() == nil
}

// BaseURL is the https origin of this instance.
func (f *Federation) BaseURL() string {
	if f == nil {
		return ""
	}
	return "https://" + f.Domain
}
