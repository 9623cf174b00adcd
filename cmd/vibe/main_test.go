package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vibe/internal/generation"
	"vibe/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	path := filepath.Join(tmp, "vibe.yaml")
	body := strings.Join([]string{
		"storage:",
		"  db_path: " + filepath.Join(tmp, "data", "vibe.db"),
		"ledger:",
		"  path: " + filepath.Join(tmp, "ledger"),
		"sandbox:",
		"  local:",
		"    root: " + filepath.Join(tmp, "sandboxes"),
		"log:",
		"  level: error",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"}, {"generate"}, {"chat"},
		{"credits", "status"}, {"credits", "grant"}, {"credits", "adjust"}, {"credits", "list"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestCreditsCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "--config", cfg, "credits", "status", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "alice (free)")
	assert.Contains(t, out, "effective: 5")

	_, err = runCLI(t, "--config", cfg, "credits", "grant", "alice", "12")
	require.NoError(t, err)
	_, err = runCLI(t, "--config", cfg, "credits", "adjust", "alice", "subtract", "2")
	require.NoError(t, err)

	out, err = runCLI(t, "--config", cfg, "credits", "status", "alice", "--plan", "pro")
	require.NoError(t, err)
	assert.Contains(t, out, "alice (paid)")
	assert.Contains(t, out, "effective: 10")

	out, err = runCLI(t, "--config", cfg, "credits", "list", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTITY")
	assert.Contains(t, out, "monthly")

	_, err = runCLI(t, "--config", cfg, "credits", "adjust", "alice", "multiply", "2")
	assert.Error(t, err)
	_, err = runCLI(t, "--config", cfg, "credits", "grant", "alice", "-3")
	assert.Error(t, err)
}

func TestRenderUsage(t *testing.T) {
	out := renderUsage("bob", ledger.Usage{
		Tier: ledger.TierFree,
		Windows: []ledger.WindowStatus{
			{Kind: ledger.WindowDaily, Remaining: 0, Limit: 5},
			{Kind: ledger.WindowMonthly, Remaining: 12, Limit: 50},
		},
	})
	assert.Contains(t, out, "bob (free)")
	assert.Contains(t, out, "daily")
	assert.Contains(t, out, "effective: 0")
}

func TestRenderRecordsEmpty(t *testing.T) {
	assert.Contains(t, renderRecords(nil), "no records")
}

func TestOutcomeMarkdown(t *testing.T) {
	md := outcomeMarkdown(generation.Outcome{
		ProjectID: "p1",
		URL:       "https://3000-box.preview.test",
		Summary:   "Built a todo app.",
		Files:     map[string]string{"src/b.tsx": "", "src/a.tsx": ""},
	})
	assert.Less(t, strings.Index(md, "src/a.tsx"), strings.Index(md, "src/b.tsx"))
	rendered := renderMarkdown(md)
	assert.Contains(t, rendered, "https://3000-box.preview.test")
	assert.Contains(t, rendered, "todo app")
	assert.Empty(t, renderMarkdown("  "))
}

func TestParseAmount(t *testing.T) {
	n, err := parseAmount("7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = parseAmount("x")
	assert.Error(t, err)
}

type fakeGenerator struct {
	requests []generation.Request
	err      error
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request) (generation.Outcome, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return generation.Outcome{ProjectID: "p1"}, f.err
	}
	return generation.Outcome{ProjectID: "p1", URL: "https://3000-box.preview.test", Summary: "done"}, nil
}

func (f *fakeGenerator) Preview(context.Context, string, string) (generation.Preview, error) {
	return generation.Preview{URL: "https://3000-fresh.preview.test", Restored: true}, nil
}

func TestChatSessionKeepsProject(t *testing.T) {
	gen := &fakeGenerator{}
	var out bytes.Buffer
	s := &chatSession{gen: gen, caller: generation.Caller{Identity: "alice"}, out: &out, errOut: &out}
	in := newBasicLineInput(strings.NewReader("todo app\n\n/project\nadd dark mode\n/preview\n/new\nanother\n/exit\nignored\n"), nil)

	require.NoError(t, s.loop(context.Background(), in))
	require.Len(t, gen.requests, 3)
	assert.Empty(t, gen.requests[0].ProjectID)
	assert.Equal(t, "p1", gen.requests[1].ProjectID)
	assert.Empty(t, gen.requests[2].ProjectID)
	assert.Contains(t, out.String(), "https://3000-fresh.preview.test")
	assert.Contains(t, out.String(), "restored")
}

func TestChatSessionReportsDenial(t *testing.T) {
	gen := &fakeGenerator{err: &generation.CreditDeniedError{Window: ledger.WindowDaily}}
	var out bytes.Buffer
	s := &chatSession{gen: gen, caller: generation.Caller{Identity: "alice"}, out: &out, errOut: &out}

	require.NoError(t, s.loop(context.Background(), newBasicLineInput(strings.NewReader("hi\n"), nil)))
	assert.Contains(t, out.String(), "out of credits (daily window)")
}
