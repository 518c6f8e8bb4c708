// Package credentials loads registry login details from a JSON template.
// Templates can pull secrets from the environment, files or registered
// secret providers, e.g.
//
//	{"registries": [
//	  {"host": "docker.io", "username": "me", "password": {{ env "HUB_TOKEN" | json }}}
//	]}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// dockerHubHosts are the names a Docker Hub login may be recorded under.
var dockerHubHosts = map[string]bool{
	"docker.io":            true,
	"index.docker.io":      true,
	"registry-1.docker.io": true,
	"registry.docker.io":   true,
}

// Credentials holds resolved registry logins.
type Credentials struct {
	Registries []RegistryAuth `json:"registries,omitempty"`
}

// RegistryAuth is the login for one registry host. The username and password
// are presented to the registry's token endpoint.
type RegistryAuth struct {
	Host     string `json:"host"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Lookup returns the login for host. Docker Hub aliases match each other.
func (c *Credentials) Lookup(host string) (RegistryAuth, bool) {
	if c == nil {
		return RegistryAuth{}, false
	}
	want := normalizeHost(host)
	for _, r := range c.Registries {
		if normalizeHost(r.Host) == want {
			return r, true
		}
	}
	return RegistryAuth{}, false
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	if dockerHubHosts[host] {
		return "docker.io"
	}
	return host
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("loaded registry credentials", "path", path, "registries", len(creds.Registries))
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}

	for i, reg := range creds.Registries {
		if strings.TrimSpace(reg.Host) == "" {
			return nil, fmt.Errorf("registry entry %d has no host", i)
		}
	}

	return &creds, nil
}

// funcMap returns the built-in template functions plus one memoized function
// per registered provider.
func (r *Resolver) funcMap(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env":        envFunc,
		"envDefault": envDefaultFunc,
		"file":       fileFunc,
		"json":       jsonFunc,
	}

	cache := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = memoize(ctx, name, provider, cache)
	}
	return fm
}

func envFunc(key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", key)
	}
	return val, nil
}

func envDefaultFunc(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func fileFunc(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func jsonFunc(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("JSON encoding value: %w", err)
	}
	return string(b), nil
}

// memoize wraps provider so each reference is resolved once per template.
func memoize(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		key := name + ":" + ref
		if val, ok := cache[key]; ok {
			return val, nil
		}

		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}

		cache[key] = val
		return val, nil
	}
}
