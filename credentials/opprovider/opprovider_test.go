package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/simple-mirror/credentials"
)

// fakeOp writes an op stand-in that echoes its arguments as the secret.
func fakeOp(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "op")
	script := "#!/bin/sh\nprintf 'secret:%s' \"$*\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func resolve(t *testing.T, opt credentials.ResolverOption) (*credentials.Credentials, error) {
	t.Helper()
	r := credentials.NewResolver(opt)
	return r.ResolveReader(context.Background(),
		strings.NewReader(`{"auth_token": {{ op "op://mirror/inbound/token" | json }}}`))
}

func TestOnePasswordRead(t *testing.T) {
	p := &provider{binary: fakeOp(t)}
	creds, err := resolve(t, credentials.WithProvider("op", p.read))
	require.NoError(t, err)
	assert.Equal(t, "secret:read --no-newline op://mirror/inbound/token", creds.AuthToken)
}

func TestOnePasswordRejectsBadReference(t *testing.T) {
	p := &provider{binary: fakeOp(t)}
	_, err := p.read(context.Background(), "vault/item/field")
	require.ErrorIs(t, err, ErrInvalidReference)
}

func TestWithOnePasswordMissingCLI(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := resolve(t, WithOnePassword())
	require.Error(t, err)
	require.Contains(t, err.Error(), `op read "op://mirror/inbound/token"`)
}

func TestValidateReference(t *testing.T) {
	require.NoError(t, validateReference("op://mirror/inbound/token"))
	require.NoError(t, validateReference("op://mirror/db/section/dsn"))

	for _, ref := range []string{
		"mirror/inbound/token",
		"op://mirror/inbound",
		"op://mirror//token",
		"https://example.com/a/b",
	} {
		t.Run(ref, func(t *testing.T) {
			require.ErrorIs(t, validateReference(ref), ErrInvalidReference)
		})
	}
}
