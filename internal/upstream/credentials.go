// Package upstream manages the connection from the relay to the realtime
// streaming API.
//
// It resolves the API credential for each session, dials the upstream
// WebSocket with the authentication headers the API expects, and exposes the
// connected session as a handle with send, disconnect, and inbound event
// notifications.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// DefaultCredentialEnv is the environment variable holding the API key.
const DefaultCredentialEnv = "OPENAI_API_KEY"

// CognitiveServicesScope is the Entra ID scope for Azure OpenAI.
const CognitiveServicesScope = "https://cognitiveservices.azure.com/.default"

// ErrMissingCredentials is returned when no API credential is configured.
// It is a configuration error and is never retried.
var ErrMissingCredentials = errors.New("missing API credentials")

// CredentialProvider resolves the credential used to authenticate one
// upstream session. It is called once per inbound request.
type CredentialProvider interface {
	// Credential returns a bearer credential for the upstream API. An empty
	// credential must be reported as ErrMissingCredentials.
	Credential(ctx context.Context) (string, error)
}

// EnvCredentialProvider reads the API key from the environment at request
// time, so a key rotated into the environment is picked up without restart.
type EnvCredentialProvider struct {
	// Var is the environment variable name. Empty means DefaultCredentialEnv.
	Var string

	// Lookup replaces os.Getenv. Optional.
	Lookup func(string) string
}

// Credential returns the current value of the environment variable.
func (p *EnvCredentialProvider) Credential(_ context.Context) (string, error) {
	name := p.Var
	if name == "" {
		name = DefaultCredentialEnv
	}
	lookup := p.Lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	key := strings.TrimSpace(lookup(name))
	if key == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrMissingCredentials, name)
	}
	return key, nil
}

// StaticCredentialProvider returns a fixed API key.
type StaticCredentialProvider struct {
	Key string
}

// Credential returns the configured key.
func (p *StaticCredentialProvider) Credential(_ context.Context) (string, error) {
	if p.Key == "" {
		return "", ErrMissingCredentials
	}
	return p.Key, nil
}

// EntraCredentialProvider obtains OAuth2 tokens via Azure Identity
// (DefaultAzureCredential) for Azure OpenAI realtime deployments.
type EntraCredentialProvider struct {
	cred  azcore.TokenCredential
	scope string
}

// NewEntraCredentialProvider creates a provider using DefaultAzureCredential.
// An empty scope means CognitiveServicesScope.
func NewEntraCredentialProvider(scope string) (*EntraCredentialProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return NewEntraCredentialProviderWithCredential(cred, scope), nil
}

// NewEntraCredentialProviderWithCredential creates a provider with a specific
// TokenCredential. This is primarily useful for testing.
func NewEntraCredentialProviderWithCredential(cred azcore.TokenCredential, scope string) *EntraCredentialProvider {
	if scope == "" {
		scope = CognitiveServicesScope
	}
	return &EntraCredentialProvider{cred: cred, scope: scope}
}

// Credential obtains an access token for the configured scope.
func (p *EntraCredentialProvider) Credential(ctx context.Context) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{p.scope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	if tk.Token == "" {
		return "", ErrMissingCredentials
	}
	return tk.Token, nil
}

// sanitizeErr strips the credential from handshake errors to avoid leaking
// it in log output.
func sanitizeErr(err error, secret string) error {
	if secret == "" {
		return err
	}
	s := err.Error()
	if !strings.Contains(s, secret) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(s, secret, "REDACTED"))
}
