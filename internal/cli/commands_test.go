package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unlockd/internal/registry"
	"github.com/roach88/unlockd/internal/server"
	"github.com/roach88/unlockd/internal/service"
	"github.com/roach88/unlockd/internal/store"
)

const testRegistry = "testdata/registry.yaml"

// run executes the root command and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// local returns the flags for a fresh database using the test registry.
func local(t *testing.T) []string {
	t.Helper()
	return []string{"--db", filepath.Join(t.TempDir(), "cli.db"), "--registry", testRegistry}
}

func jsonData(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestValidateCommand(t *testing.T) {
	out, err := run(t, "validate", testRegistry)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ testdata/registry.yaml: 2 verticals valid")

	out, err = run(t, "validate", testRegistry, "--format", "json")
	require.NoError(t, err)
	data := jsonData(t, out)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, []any{"alpha", "beta"}, data["verticals"])
}

func TestValidateCommand_Invalid(t *testing.T) {
	out, err := run(t, "validate", "testdata/bad_registry.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [INVALID_REGISTRY]")
	assert.Contains(t, out, "already used")

	_, err = run(t, "validate", "testdata/missing.yaml")
	require.Error(t, err)
}

func TestVerticalsCommand_Golden(t *testing.T) {
	out, err := run(t, "verticals", "--registry", testRegistry)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "verticals_text", []byte(out))
}

func TestVerticalsCommand_Default(t *testing.T) {
	out, err := run(t, "verticals", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data []registry.Descriptor `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Data, 16)
}

func TestLocalWorkflow(t *testing.T) {
	flags := local(t)
	cmd := func(args ...string) (string, error) {
		return run(t, append(args, flags...)...)
	}

	out, err := cmd("seed", "alpha", "testdata/records.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Seeded 3 record(s) into alpha")

	out, err = cmd("credit", "u1", "5", "--reason", "trial")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ u1: +5 credits (trial)")

	out, err = cmd("quote", "u1", "alpha", "a1", "a2")
	require.NoError(t, err)
	assert.Contains(t, out, "2 selected · 0 already unlocked · 2 credit(s) to unlock · balance 5")

	out, err = cmd("unlock", "u1", "alpha", "a1", "a2", "a1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Unlocked 2 record(s) in alpha for 2 credit(s)")
	assert.Contains(t, out, "Remaining balance: 3")

	out, err = cmd("unlock", "u1", "alpha", "a1", "a2")
	require.NoError(t, err)
	assert.Contains(t, out, "All 2 record(s) already unlocked; nothing charged (balance 3)")

	out, err = cmd("entitlements", "u1", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "2 unlocked: a1, a2")

	// beta costs 3 per record.
	out, err = cmd("unlock", "u1", "beta", "b1", "b2", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code":"INSUFFICIENT_CREDITS"`)

	out, err = cmd("balance", "u1", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, float64(3), jsonData(t, out)["balance"])

	out, err = cmd("ledger", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "trial")
	assert.Contains(t, out, "unlock alpha: 2 records")
	assert.Contains(t, out, "balance")
}

func TestCreditCommand_Errors(t *testing.T) {
	flags := local(t)

	_, err := run(t, append([]string{"credit", "u1", "lots"}, flags...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := run(t, append(append([]string{"credit", "u1"}, flags...), "--", "-5")...)
	require.Error(t, err)
	assert.Contains(t, out, "INSUFFICIENT_CREDITS")
}

func TestUnlockCommand_UnknownVertical(t *testing.T) {
	out, err := run(t, append([]string{"unlock", "u1", "gamma", "x"}, local(t)...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [UNKNOWN_VERTICAL]")
}

func TestSeedCommand_Errors(t *testing.T) {
	flags := local(t)

	_, err := run(t, append([]string{"seed", "alpha", "testdata/nope.yaml"}, flags...)...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, append([]string{"seed", "gamma", "testdata/records.yaml"}, flags...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestBadRegistryIsCommandError(t *testing.T) {
	_, err := run(t, "balance", "u1", "--db", filepath.Join(t.TempDir(), "x.db"), "--registry", "testdata/bad_registry.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRemoteWorkflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg, err := registry.Load(testRegistry)
	require.NoError(t, err)
	mem := store.NewMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(reg, mem, service.WithLogger(logger))
	ts := httptest.NewServer(server.New(svc, server.WithLogger(logger), server.WithAdminToken("tok")).Handler())
	t.Cleanup(ts.Close)

	remote := func(args ...string) (string, error) {
		return run(t, append(args, "--server", ts.URL, "--admin-token", "tok")...)
	}

	_, err = remote("credit", "u1", "4")
	require.NoError(t, err)

	out, err := remote("unlock", "u1", "alpha", "a1")
	require.NoError(t, err)
	assert.Contains(t, out, "Remaining balance: 3")

	out, err = remote("balance", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "u1: 3 credits")

	// Without the token the admin route is refused.
	t.Setenv(EnvAdminToken, "")
	out, err = run(t, "credit", "u1", "4", "--server", ts.URL)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [FORBIDDEN]")
}

func TestServeCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"serve", "--addr", "127.0.0.1:0"}, local(t)...))

	err := cmd.ExecuteContext(ctx)
	assert.NoError(t, err)
}
