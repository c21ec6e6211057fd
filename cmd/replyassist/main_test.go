package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"replyassist/internal/completion"
	"replyassist/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPromptCommand(t *testing.T) {
	tmpl, err := completion.TemplatesFor("nb")
	require.NoError(t, err)

	out, err := execute(t, "Hei!\n\nKan vi møtes?\nFra: Kari\n> gammel tekst",
		"prompt", "--no-workspace", "--variant", "friendly", "--tone", "reject")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, tmpl.Preamble))
	assert.Contains(t, out, tmpl.RejectQualifier)
	assert.Contains(t, out, tmpl.Fragments[completion.Friendly])
	assert.Contains(t, out, "Hei! Kan vi møtes?")
	assert.NotContains(t, out, "gammel tekst")
}

func TestPromptCommandRawAndLocale(t *testing.T) {
	tmpl, err := completion.TemplatesFor("en")
	require.NoError(t, err)

	out, err := execute(t, "Hi\n\nFrom: Bob", "prompt", "--no-workspace", "--locale", "en", "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, tmpl.Fragments[completion.Formal])
	assert.Contains(t, out, "Hi\n\nFrom: Bob")
	assert.NotContains(t, out, tmpl.RejectQualifier)
}

func TestPromptCommandRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "x", "prompt", "--no-workspace", "--variant", "poetic")
	assert.ErrorContains(t, err, "unknown variant")

	_, err = execute(t, "x", "prompt", "--no-workspace", "--tone", "maybe")
	assert.ErrorContains(t, err, "unknown tone")

	_, err = execute(t, "x", "prompt", "--no-workspace", "--locale", "xx")
	assert.Error(t, err)
}

func TestPromptCommandUsesExplicitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompts:\n  locale: en\nhost:\n  quote_marker: \"-- \"\n"), 0o644))

	out, err := execute(t, "Hi there\n-- sig", "prompt", "--no-workspace", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Hi there")
	assert.NotContains(t, out, "sig")
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "", "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, config.WorkspaceDirName)

	_, err = os.Stat(filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile))
	require.NoError(t, err)

	_, err = execute(t, "", "init", dir)
	assert.ErrorContains(t, err, "already exists")
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(config.ServerConfig{LogLevel: "loud"}, false, false)
	assert.ErrorContains(t, err, "server.log_level")

	log, err := newLogger(config.ServerConfig{LogLevel: "warn"}, true, false)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel), "--verbose wins over log_level")

	path := filepath.Join(t.TempDir(), "replyassist.log")
	log, err = newLogger(config.ServerConfig{LogFile: path}, false, true)
	require.NoError(t, err)
	log.Info("hello")
	_ = log.Sync()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hello")
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	_, err := newClient(ctx, config.CompletionConfig{Backend: "openai", APIKeyEnv: "REPLYASSIST_TEST_UNSET"})
	assert.ErrorContains(t, err, "no API key")

	c, err := newClient(ctx, config.CompletionConfig{Backend: "OpenAI", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Backend())

	t.Setenv("GEMINI_API_KEY", "")
	_, err = newClient(ctx, config.CompletionConfig{Backend: "gemini"})
	assert.ErrorContains(t, err, "$GEMINI_API_KEY")

	t.Setenv("GEMINI_API_KEY", "g-test")
	c, err = newClient(ctx, config.CompletionConfig{Backend: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", c.Backend())

	_, err = newClient(ctx, config.CompletionConfig{Backend: "claude"})
	assert.ErrorContains(t, err, "unknown backend")
}

func TestRunRequiresBrowserEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  log_file: \"\"\n"), 0o644))

	_, err := execute(t, "", "run", "--no-workspace", "--config", path)
	assert.ErrorContains(t, err, "browser.debugger_url or browser.launch")
}
