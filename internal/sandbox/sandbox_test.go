package sandbox

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"./src/App.tsx":           "src/App.tsx",
		"././index.html":          "index.html",
		"/home/user/src/main.tsx": "src/main.tsx",
		"/abs.txt":                "abs.txt",
		`src\win.ts`:              "src/win.ts",
		"  package.json ":         "package.json",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), in)
	}
}

func TestBoilerplateHasManifestAndEntry(t *testing.T) {
	files := Boilerplate()
	for _, p := range []string{"package.json", "index.html", "src/main.tsx", "src/App.tsx", "vite.config.ts", "tailwind.config.js"} {
		assert.Contains(t, files, p)
	}
	assert.Contains(t, files["package.json"], `"dev": "vite --port 3000 --host"`)

	files["src/App.tsx"] = "mutated"
	assert.NotEqual(t, "mutated", Boilerplate()["src/App.tsx"])
}

func TestSeedFilesWithManifestSkipsBoilerplate(t *testing.T) {
	target := map[string]string{"package.json": "{}", "./src/App.tsx": "app"}
	got := SeedFiles(target)
	want := map[string]string{"package.json": "{}", "src/App.tsx": "app"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("SeedFiles mismatch (-want +got):\n%s", diff)
	}
}

func TestSeedFilesWithoutManifestOverlaysBoilerplate(t *testing.T) {
	got := SeedFiles(map[string]string{"src/App.tsx": "mine", "extra.txt": "x"})
	for p := range Boilerplate() {
		assert.Contains(t, got, p)
	}
	assert.Equal(t, "mine", got["src/App.tsx"])
	assert.Equal(t, "x", got["extra.txt"])
}

// fakeHandle is an in-memory Handle with scripted command results.
type fakeHandle struct {
	mu       sync.Mutex
	id       string
	files    map[string]string
	commands []string
	run      func(cmd string) (CommandResult, error)
	writeErr error
	url      string
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, files: map[string]string{}}
}

func (h *fakeHandle) ID() string           { return h.id }
func (h *fakeHandle) ExpiresAt() time.Time { return time.Time{} }

func (h *fakeHandle) WriteFile(_ context.Context, p, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.files[NormalizePath(p)] = content
	return nil
}

func (h *fakeHandle) ReadFile(_ context.Context, p string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.files[NormalizePath(p)]
	if !ok {
		return "", ErrNotFound
	}
	return c, nil
}

func (h *fakeHandle) Exists(ctx context.Context, p string) (bool, error) {
	_, err := h.ReadFile(ctx, p)
	return err == nil, nil
}

func (h *fakeHandle) Run(_ context.Context, cmd string, _ time.Duration) (CommandResult, error) {
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	run := h.run
	h.mu.Unlock()
	if run != nil {
		return run(cmd)
	}
	return CommandResult{}, nil
}

func (h *fakeHandle) ExposedURL(port int) (string, error) {
	if h.url != "" {
		return h.url, nil
	}
	return "http://fake", nil
}

type fakeProvider struct {
	created   []string
	failFor   map[string]error
	handles   map[string]*fakeHandle
	connectFn func(id string) (Handle, error)
}

func (p *fakeProvider) Create(_ context.Context, template string, _ time.Duration) (Handle, error) {
	p.created = append(p.created, template)
	if err := p.failFor[template]; err != nil {
		return nil, err
	}
	h := newFakeHandle(template + "-sbx")
	if p.handles == nil {
		p.handles = map[string]*fakeHandle{}
	}
	p.handles[h.id] = h
	return h, nil
}

func (p *fakeProvider) Connect(_ context.Context, id string) (Handle, error) {
	if p.connectFn != nil {
		return p.connectFn(id)
	}
	if h, ok := p.handles[id]; ok {
		return h, nil
	}
	return nil, ErrUnavailable
}

func TestRestoreIsIdempotent(t *testing.T) {
	h := newFakeHandle("x")
	first, err := Restore(context.Background(), h, map[string]string{"src/App.tsx": "a"})
	require.NoError(t, err)
	snapshot := maps.Clone(h.files)

	second, err := Restore(context.Background(), h, map[string]string{"src/App.tsx": "a"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, h.files)
}

func TestRestoreSurfacesWriteErrors(t *testing.T) {
	h := newFakeHandle("x")
	h.writeErr = errors.New("disk full")
	_, err := Restore(context.Background(), h, map[string]string{"package.json": "{}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package.json")
}

func TestManagerProvisionUsesTemplate(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, ManagerOptions{Template: "vibe-react", BaseTemplate: "base", InstallCommand: "npm install"}, nil)

	h, err := m.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vibe-react-sbx", h.ID())
	assert.Equal(t, []string{"vibe-react"}, p.created)
	assert.Empty(t, h.(*fakeHandle).commands, "named template needs no bootstrap")
}

func TestManagerProvisionFallsBackAndBootstraps(t *testing.T) {
	p := &fakeProvider{failFor: map[string]error{"vibe-react": ErrTemplateNotFound}}
	m := NewManager(p, ManagerOptions{Template: "vibe-react", BaseTemplate: "base", InstallCommand: "npm install", Port: 3000}, nil)

	h, err := m.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"vibe-react", "base"}, p.created)

	fh := h.(*fakeHandle)
	assert.Equal(t, slices.Sorted(maps.Keys(Boilerplate())), slices.Sorted(maps.Keys(fh.files)))
	require.Len(t, fh.commands, 2)
	assert.Equal(t, "npm install", fh.commands[0])
	assert.Equal(t,
		"if ! curl -s http://localhost:3000 > /dev/null; then npm run dev > /home/user/npm_output.log 2>&1 & fi",
		fh.commands[1])
}

func TestManagerProvisionFailsWhenBaseFails(t *testing.T) {
	p := &fakeProvider{failFor: map[string]error{
		"vibe-react": errors.New("quota"),
		"base":       errors.New("quota"),
	}}
	m := NewManager(p, ManagerOptions{Template: "vibe-react", BaseTemplate: "base"}, nil)

	_, err := m.Provision(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisionFailed)
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "base", pe.Template)
}

func TestManagerProvisionFailsWhenInstallFails(t *testing.T) {
	p := &scriptedProvider{
		fakeProvider: &fakeProvider{failFor: map[string]error{"vibe-react": errors.New("boom")}},
		run: func(cmd string) (CommandResult, error) {
			if strings.HasPrefix(cmd, "npm install") {
				return CommandResult{ExitCode: 1, Stderr: "ERR! network"}, nil
			}
			return CommandResult{}, nil
		},
	}
	m := NewManager(p, ManagerOptions{Template: "vibe-react", BaseTemplate: "base", InstallCommand: "npm install"}, nil)

	_, err := m.Provision(context.Background())
	assert.ErrorIs(t, err, ErrProvisionFailed)
	assert.Contains(t, err.Error(), "ERR! network")
}

type scriptedProvider struct {
	*fakeProvider
	run func(cmd string) (CommandResult, error)
}

func (p *scriptedProvider) Create(ctx context.Context, template string, timeout time.Duration) (Handle, error) {
	h, err := p.fakeProvider.Create(ctx, template, timeout)
	if err != nil {
		return nil, err
	}
	h.(*fakeHandle).run = p.run
	return h, nil
}

func TestManagerReconnect(t *testing.T) {
	p := &fakeProvider{handles: map[string]*fakeHandle{"live": newFakeHandle("live")}}
	m := NewManager(p, ManagerOptions{}, nil)

	h, err := m.Reconnect(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, "live", h.ID())

	_, err = m.Reconnect(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = m.Reconnect(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestManagerReadLogMissingIsEmpty(t *testing.T) {
	m := NewManager(&fakeProvider{}, ManagerOptions{}, nil)
	h := newFakeHandle("x")

	out, err := m.ReadLog(context.Background(), h)
	require.NoError(t, err)
	assert.Empty(t, out)

	h.files["npm_output.log"] = "boom"
	out, err = m.ReadLog(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "boom", out)
}
