// Package opprovider lets a credentials template pull mirror secrets, such
// as the inbound token or the database DSN, out of 1Password:
//
//	{"auth_token": {{ op "op://mirror/inbound/token" | json }}}
package opprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/simple-mirror/credentials"
)

// ErrInvalidReference is returned for a reference not of the form
// op://vault/item/field.
var ErrInvalidReference = errors.New("invalid 1Password secret reference")

type provider struct {
	binary string
}

// WithOnePassword registers the "op" template function. The CLI picks its
// account from OP_ACCOUNT when several are signed in.
func WithOnePassword() credentials.ResolverOption {
	p := &provider{binary: "op"}
	return credentials.WithProvider("op", p.read)
}

func (p *provider) read(ctx context.Context, ref string) (string, error) {
	if err := validateReference(ref); err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binary, "read", "--no-newline", ref)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

func validateReference(ref string) error {
	rest, ok := strings.CutPrefix(ref, "op://")
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("%w: %q", ErrInvalidReference, ref)
		}
	}
	return nil
}
