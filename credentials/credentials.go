// Package credentials renders a secrets template into the bearer tokens the
// engine uses. A template is JSON with text/template actions, so secrets can
// come from the environment, files or an external secret manager without
// ever being written to the TOML configuration:
//
//	{
//	  "remote_token": {{ op "op://sync/backend/token" | json }},
//	  "auth_token": {{ envDefault "OFFLINE_ENGINE_AUTH_TOKEN" "" | json }}
//	}
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

	"github.com/wolfeidau/offline-engine/config"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Secrets are the resolved token values.
type Secrets struct {
	// RemoteToken is sent as a Bearer token to the remote backend.
	RemoteToken string `json:"remote_token,omitempty"`
	// AuthToken protects the control API.
	AuthToken string `json:"auth_token,omitempty"`
}

// Apply copies every non-empty secret into cfg.
func (s *Secrets) Apply(cfg *config.Config) {
	if s.RemoteToken != "" {
		cfg.Remote.Token = s.RemoteToken
	}
	if s.AuthToken != "" {
		cfg.Server.AuthToken = s.AuthToken
	}
}

// SecretProvider looks up the value behind ref.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// Option configures a Resolver.
type Option func(*Resolver)

// Resolver renders secrets templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) Option {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver. Templates always have env, envDefault,
// file and json available.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve renders the template at path.
func (r *Resolver) Resolve(ctx context.Context, path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets file: %w", err)
	}
	defer f.Close()

	s, err := r.Render(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("secrets resolved", "path", path,
		"remote_token", s.RemoteToken != "", "auth_token", s.AuthToken != "")
	return s, nil
}

// Render renders a template read from in.
func (r *Resolver) Render(ctx context.Context, in io.Reader) (*Secrets, error) {
	src, err := io.ReadAll(io.LimitReader(in, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading secrets template: %w", err)
	}
	if len(src) > maxTemplateSize {
		return nil, fmt.Errorf("secrets template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("secrets").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parsing secrets template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering secrets template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered secrets exceed maximum size of %d bytes", maxTemplateSize)
	}

	dec := json.NewDecoder(&out)
	dec.DisallowUnknownFields()
	var s Secrets
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("rendered secrets are not valid: %w", err)
	}
	return &s, nil
}

// funcs builds the function map for one render. Provider lookups are
// memoized for the duration of the render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			v, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return v, nil
		},
		"envDefault": func(key, fallback string) string {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading %q: %w", path, err)
			}
			return strings.TrimSpace(string(b)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}

	seen := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if v, ok := seen[key]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s %q: %w", name, ref, err)
			}
			seen[key] = v
			return v, nil
		}
	}
	return fm
}
