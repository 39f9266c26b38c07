package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-engine/config"
)

func render(t *testing.T, r *Resolver, input string) (*Secrets, error) {
	t.Helper()
	return r.Render(context.Background(), strings.NewReader(input))
}

func TestRender_Functions(t *testing.T) {
	t.Setenv("REMOTE_TOKEN", "secret123")
	t.Setenv("SPECIAL_TOKEN", `value with "quotes" and \backslash`)

	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tokenFile, []byte("file-secret\n"), 0o600))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"env", `{"remote_token": {{ env "REMOTE_TOKEN" | json }}}`, "secret123"},
		{"envDefault unset", `{"remote_token": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}`, "fallback"},
		{"envDefault set", `{"remote_token": {{ envDefault "REMOTE_TOKEN" "fallback" | json }}}`, "secret123"},
		{"file", `{"remote_token": {{ file "` + tokenFile + `" | json }}}`, "file-secret"},
		{"json escaping", `{"remote_token": {{ env "SPECIAL_TOKEN" | json }}}`, `value with "quotes" and \backslash`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := render(t, NewResolver(), tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.want, s.RemoteToken)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"missing env", `{"remote_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`, "NONEXISTENT_VAR_XYZ"},
		{"missing key", `{"remote_token": {{ .UndefinedKey }}}`, "rendering secrets template"},
		{"bad template", `{"remote_token": {{ env }`, "parsing secrets template"},
		{"invalid json", `not valid json`, "rendered secrets are not valid"},
		{"unknown field", `{"npm_token": "x"}`, "rendered secrets are not valid"},
		{"oversized", strings.Repeat("x", maxTemplateSize+1), "exceeds maximum size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := render(t, NewResolver(), tt.input)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRender_Empty(t *testing.T) {
	s, err := render(t, NewResolver(), `{}`)
	require.NoError(t, err)
	require.Empty(t, s.RemoteToken)
	require.Empty(t, s.AuthToken)
}

func TestRender_ProviderIsMemoized(t *testing.T) {
	calls := 0
	mock := func(_ context.Context, ref string) (string, error) {
		calls++
		return "resolved-" + ref, nil
	}

	input := `{"remote_token": {{ mock "same-ref" | json }}, "auth_token": {{ mock "same-ref" | json }}}`
	s, err := render(t, NewResolver(WithProvider("mock", mock)), input)
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", s.RemoteToken)
	require.Equal(t, "resolved-same-ref", s.AuthToken)
	require.Equal(t, 1, calls)

	// A second render starts with an empty memo.
	_, err = render(t, NewResolver(WithProvider("mock", mock)), input)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRender_ProviderError(t *testing.T) {
	failing := func(context.Context, string) (string, error) {
		return "", errors.New("vault sealed")
	}
	_, err := render(t, NewResolver(WithProvider("vault", failing)), `{"remote_token": {{ vault "kv/token" | json }}}`)
	require.ErrorContains(t, err, "vault sealed")
	require.ErrorContains(t, err, `"kv/token"`)
}

func TestResolve(t *testing.T) {
	t.Setenv("CONTROL_TOKEN", "from-file")

	path := filepath.Join(t.TempDir(), "secrets.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth_token": {{ env "CONTROL_TOKEN" | json }}}`), 0o600))

	s, err := NewResolver().Resolve(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "from-file", s.AuthToken)

	_, err = NewResolver().Resolve(context.Background(), "/nonexistent/path")
	require.ErrorContains(t, err, "opening secrets file")
}

func TestSecrets_Apply(t *testing.T) {
	cfg := config.Default()
	cfg.Remote.Token = "from-config"
	cfg.Server.AuthToken = "control"

	(&Secrets{RemoteToken: "from-secrets"}).Apply(&cfg)
	require.Equal(t, "from-secrets", cfg.Remote.Token)
	require.Equal(t, "control", cfg.Server.AuthToken, "empty secrets leave the configuration alone")
}

func TestWithOnePassword_MissingCLI(t *testing.T) {
	orig := opCommand
	opCommand = filepath.Join(t.TempDir(), "op-not-installed")
	t.Cleanup(func() { opCommand = orig })

	_, err := render(t, NewResolver(WithOnePassword()), `{"remote_token": {{ op "op://sync/backend/token" | json }}}`)
	require.ErrorContains(t, err, "op read")
}
