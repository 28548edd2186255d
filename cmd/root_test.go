package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/signature"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSignPrintsVerifiableHeaders(t *testing.T) {
	t.Parallel()

	cfgPath := writeFile(t, "config.yaml", "worker:\n  secret: topsecret\n")
	body := `{"job_id":"job-1","batch_index":0}`

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(body))
	root.SetArgs([]string{"sign", "--config", cfgPath, "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, root.Execute())

	headers := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		name, value, ok := strings.Cut(line, ": ")
		require.True(t, ok)
		headers[name] = value
	}
	verifier := signature.NewVerifier([]byte("topsecret"), signature.DefaultMaxSkew, nil)
	require.NoError(t, verifier.Verify(headers[signature.HeaderSignature], headers[signature.HeaderTimestamp], []byte(body)))
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfgPath := writeFile(t, "config.yaml", "server:\n  port: 8080\n")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sign", "--config", cfgPath, "--env-file", ""})
	require.Error(t, root.Execute())
}
