package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// opCommand is the 1Password CLI binary.
var opCommand = "op"

// WithOnePassword adds an "op" template function that reads secret
// references such as op://vault/item/field with the 1Password CLI.
func WithOnePassword() Option {
	return WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		cmd := exec.CommandContext(ctx, opCommand, "read", "--no-newline", ref)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read: %s: %w", strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
