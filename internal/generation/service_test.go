package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vibe/internal/chat"
	"vibe/internal/defaults"
	"vibe/internal/ledger"
	"vibe/internal/orchestrator"
	"vibe/internal/provider"
	"vibe/internal/sandbox"
	"vibe/internal/storage"
	"vibe/internal/tools"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type scriptedModel struct {
	mu        sync.Mutex
	responses []provider.ChatResponse
	fallback  *provider.ChatResponse
	err       error
	requests  []provider.ChatRequest
}

func (m *scriptedModel) Chat(_ context.Context, req provider.ChatRequest, _ *provider.StreamCallbacks) (provider.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Messages = append([]chat.Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	if m.err != nil {
		return provider.ChatResponse{}, m.err
	}
	if len(m.responses) > 0 {
		r := m.responses[0]
		m.responses = m.responses[1:]
		return r, nil
	}
	if m.fallback != nil {
		return *m.fallback, nil
	}
	return provider.ChatResponse{}, errors.New("script exhausted")
}

func (m *scriptedModel) CurrentModel() string { return "test-model" }

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type memBox struct {
	mu       sync.Mutex
	id       string
	files    map[string]string
	commands []string
}

func (b *memBox) ID() string { return b.id }

func (b *memBox) WriteFile(_ context.Context, p, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[sandbox.NormalizePath(p)] = content
	return nil
}

func (b *memBox) ReadFile(_ context.Context, p string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.files[sandbox.NormalizePath(p)]
	if !ok {
		return "", sandbox.ErrNotFound
	}
	return c, nil
}

func (b *memBox) Exists(_ context.Context, p string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[sandbox.NormalizePath(p)]
	return ok, nil
}

func (b *memBox) Run(_ context.Context, cmd string, _ time.Duration) (sandbox.CommandResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	return sandbox.CommandResult{}, nil
}

func (b *memBox) ExposedURL(port int) (string, error) {
	return fmt.Sprintf("https://%d-%s.preview.test", port, b.id), nil
}

func (b *memBox) ExpiresAt() time.Time { return time.Now().Add(time.Hour) }

type memProvider struct {
	mu      sync.Mutex
	boxes   map[string]*memBox
	expired map[string]bool
	created int
}

func newMemProvider() *memProvider {
	return &memProvider{boxes: map[string]*memBox{}, expired: map[string]bool{}}
}

func (p *memProvider) Create(_ context.Context, _ string, _ time.Duration) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	b := &memBox{id: fmt.Sprintf("box-%d", p.created), files: map[string]string{}}
	p.boxes[b.id] = b
	return b, nil
}

func (p *memProvider) Connect(_ context.Context, id string) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[id]
	if !ok || p.expired[id] {
		return nil, sandbox.ErrUnavailable
	}
	return b, nil
}

func (p *memProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *memProvider) box(id string) *memBox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boxes[id]
}

type flakyProber struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (p *flakyProber) Probe(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return errors.New("connection refused")
	}
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	repairs  []bool
}

func (o *recordingObserver) ObserveGeneration(_, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) ObserveRepair(applied bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.repairs = append(o.repairs, applied)
}

// --- harness ---

type harness struct {
	svc      *Service
	store    *storage.SQLiteStore
	ledger   *ledger.Ledger
	model    *scriptedModel
	boxes    *memProvider
	prober   *flakyProber
	observer *recordingObserver
}

type harnessOpts struct {
	mode     string
	maxIter  int
	selfHeal bool
	// wrap replaces the store the service sees; the harness keeps the real one.
	wrap func(storage.Store) storage.Store
}

func newHarness(t *testing.T, model *scriptedModel, ho harnessOpts) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "vibe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	kv, err := ledger.OpenBadger(ledger.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	led, err := ledger.New(kv, ledger.Options{})
	require.NoError(t, err)

	boxes := newMemProvider()
	manager := sandbox.NewManager(boxes, sandbox.ManagerOptions{Template: "vibe-react"}, nil)

	executor := tools.NewExecutor(tools.Options{},
		tools.NewTerminalTool(time.Second, 4096), tools.NewReadFilesTool(), tools.NewCreateOrUpdateFilesTool())
	maxIter := ho.maxIter
	if maxIter == 0 {
		maxIter = 4
	}
	orch := orchestrator.New(model, executor, orchestrator.Options{MaxIterations: maxIter})

	prober := &flakyProber{}
	observer := &recordingObserver{}
	var svcStore storage.Store = store
	if ho.wrap != nil {
		svcStore = ho.wrap(store)
	}
	svc, err := New(Deps{
		Store:        svcStore,
		Credits:      led,
		Sandboxes:    manager,
		Orchestrator: orch,
		Provider:     model,
	}, Options{
		Mode:                 ho.mode,
		SerializeProjectRuns: true,
		SelfHeal:             ho.selfHeal,
		Prober:               prober,
		Observer:             observer,
	})
	require.NoError(t, err)
	return &harness{svc: svc, store: store, ledger: led, model: model, boxes: boxes, prober: prober, observer: observer}
}

func writeFiles(id string, files map[string]string) provider.ChatResponse {
	type entry struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	var list []entry
	for p, c := range files {
		list = append(list, entry{p, c})
	}
	raw, _ := json.Marshal(map[string]any{"files": list})
	return provider.ChatResponse{ToolCalls: []chat.ToolCall{{
		ID: id, Type: "function",
		Function: chat.ToolCallFunction{Name: "createOrUpdateFiles", Arguments: string(raw)},
	}}}
}

func say(s string) provider.ChatResponse { return provider.ChatResponse{Content: s} }

var alice = Caller{Identity: "alice", Tier: ledger.TierFree}

func windowOf(t *testing.T, u ledger.Usage, kind ledger.WindowKind) ledger.WindowStatus {
	t.Helper()
	for _, w := range u.Windows {
		if w.Kind == kind {
			return w
		}
	}
	t.Fatalf("window %s missing", kind)
	return ledger.WindowStatus{}
}

func kinds(msgs []storage.Message) []storage.Kind {
	out := make([]storage.Kind, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind != storage.KindLog {
			out = append(out, m.Kind)
		}
	}
	return out
}

// --- tests ---

func TestGenerateSuccessPersistsFragmentAndConsumesCredit(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{
		writeFiles("c1", map[string]string{"index.html": "<h1>Home</h1>"}),
		say("<task_summary>Created homepage</task_summary>"),
	}}
	h := newHarness(t, model, harnessOpts{})
	ctx := context.Background()

	out, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "build a homepage"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.ProjectID)
	assert.Equal(t, "<h1>Home</h1>", out.Files["index.html"])
	assert.Equal(t, "Created homepage", orchestrator.SummaryBody(out.Summary))
	assert.Equal(t, "https://3000-box-1.preview.test", out.URL)

	frag, err := h.svc.LatestFragment(ctx, "alice", out.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, defaults.FragmentTitle, frag.Title)
	assert.Equal(t, out.URL, frag.SandboxURL)
	assert.Equal(t, "box-1", frag.SandboxID)
	if diff := cmp.Diff(out.Files, frag.Files); diff != "" {
		t.Fatalf("fragment files differ (-want +got):\n%s", diff)
	}

	msgs, err := h.svc.Messages(ctx, "alice", out.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, []storage.Kind{storage.KindResult, storage.KindResult}, kinds(msgs))
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
	assert.Equal(t, "build a homepage", msgs[0].Content)

	usage, err := h.ledger.Status(ctx, "alice", ledger.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 4, windowOf(t, usage, ledger.WindowDaily).Remaining)
	assert.Equal(t, 49, windowOf(t, usage, ledger.WindowMonthly).Remaining)
	assert.Equal(t, []string{"success"}, h.observer.outcomes)

	// the file was written into the sandbox as well
	assert.Equal(t, "<h1>Home</h1>", h.boxes.box("box-1").files["index.html"])
}

func TestGenerateDeniedTouchesNothing(t *testing.T) {
	model := &scriptedModel{}
	h := newHarness(t, model, harnessOpts{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d, err := h.ledger.Consume(ctx, "alice", ledger.TierFree, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	_, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "anything"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreditDenied)
	var denied *CreditDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ledger.WindowDaily, denied.Window)

	assert.Zero(t, model.calls())
	assert.Zero(t, h.boxes.createdCount())
	projects, err := h.svc.Projects(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, projects)
	assert.Equal(t, []string{"denied"}, h.observer.outcomes)
}

func TestGenerateWithoutConvergencePersistsGenericError(t *testing.T) {
	model := &scriptedModel{fallback: &provider.ChatResponse{Content: "still thinking"}}
	h := newHarness(t, model, harnessOpts{maxIter: 2})
	ctx := context.Background()

	out, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "build something"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, 4, model.calls(), "one pass plus one retry, each capped at two turns")

	msgs, err := h.store.ListMessages(ctx, out.ProjectID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.KindError, msgs[1].Kind)
	assert.Equal(t, "Something went wrong. Please try again.", msgs[1].Content)
	_, ok, err := h.store.LatestFragment(ctx, out.ProjectID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateModelErrorDoesNotLeak(t *testing.T) {
	model := &scriptedModel{err: errors.New("upstream said: secret-key-123 invalid")}
	h := newHarness(t, model, harnessOpts{})
	ctx := context.Background()

	out, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.ErrorIs(t, err, orchestrator.ErrModelCall)

	msgs, err := h.store.ListMessages(ctx, out.ProjectID)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "secret-key-123")
	}
	assert.Equal(t, defaults.GenericErrorMessage, msgs[len(msgs)-1].Content)
}

func TestGenerateSelfHealAppliesRepair(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{
		writeFiles("c1", map[string]string{"src/App.tsx": "broken("}),
		say("<task_summary>Built app</task_summary>"),
		writeFiles("r1", map[string]string{"src/App.tsx": "fixed()"}),
		say("<task_summary>Fixed syntax</task_summary>"),
	}}
	h := newHarness(t, model, harnessOpts{selfHeal: true})
	h.prober.fails = 1
	ctx := context.Background()

	out, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "build app"})
	require.NoError(t, err)
	assert.True(t, out.Repaired)
	assert.True(t, strings.HasSuffix(out.Summary, "(auto-repair applied)"))
	assert.Contains(t, out.Summary, "Built app")
	assert.Equal(t, "fixed()", out.Files["src/App.tsx"])

	repairReq := model.requests[2].Messages
	assert.Contains(t, repairReq[len(repairReq)-1].Content, "health check")

	frag, err := h.svc.LatestFragment(ctx, "alice", out.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "fixed()", frag.Files["src/App.tsx"])
	assert.Equal(t, []bool{true}, h.observer.repairs)

	msgs, err := h.store.ListMessages(ctx, out.ProjectID)
	require.NoError(t, err)
	var logged []string
	for _, m := range msgs {
		if m.Kind == storage.KindLog {
			logged = append(logged, m.Content)
		}
	}
	require.Len(t, logged, 2)
	assert.Contains(t, logged[0], "broken(")
	assert.Contains(t, logged[1], "fixed()")
}

func TestGenerateSelfHealFailureKeepsSuccess(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{
		writeFiles("c1", map[string]string{"index.html": "v1"}),
		say("<task_summary>Done</task_summary>"),
	}, fallback: &provider.ChatResponse{Content: "cannot fix"}}
	h := newHarness(t, model, harnessOpts{selfHeal: true, maxIter: 2})
	h.prober.fails = 1

	out, err := h.svc.Generate(context.Background(), Request{Caller: alice, Prompt: "x"})
	require.NoError(t, err)
	assert.False(t, out.Repaired)
	assert.Equal(t, "<task_summary>Done</task_summary>", out.Summary)
	assert.Equal(t, "v1", out.Files["index.html"])
}

func TestGenerateHealthyProbeSkipsRepair(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{
		writeFiles("c1", map[string]string{"index.html": "v1"}),
		say("<task_summary>Done</task_summary>"),
	}}
	h := newHarness(t, model, harnessOpts{selfHeal: true})

	out, err := h.svc.Generate(context.Background(), Request{Caller: alice, Prompt: "x"})
	require.NoError(t, err)
	assert.False(t, out.Repaired)
	assert.Equal(t, 1, h.prober.calls)
	assert.Equal(t, 2, model.calls())
}

func TestGenerateEditModeSeedsFromLatestFragment(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{
		writeFiles("c1", map[string]string{"src/App.tsx": "v1"}),
		say("<task_summary>Todo app</task_summary>"),
		writeFiles("c2", map[string]string{"src/App.tsx": "v2"}),
		say("<task_summary>Dark mode</task_summary>"),
	}}
	h := newHarness(t, model, harnessOpts{})
	ctx := context.Background()

	first, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "todo app"})
	require.NoError(t, err)
	second, err := h.svc.Generate(ctx, Request{Caller: alice, ProjectID: first.ProjectID, Prompt: "make it dark"})
	require.NoError(t, err)
	assert.Equal(t, first.ProjectID, second.ProjectID)
	assert.Equal(t, "v2", second.Files["src/App.tsx"])

	msgs := model.requests[2].Messages
	// system, two history turns, request
	require.Len(t, msgs, 4)
	assert.Equal(t, "todo app", msgs[1].Content)
	assert.Contains(t, msgs[2].Content, "Todo app")
	assert.Contains(t, msgs[3].Content, "EDIT MODE")
	assert.Contains(t, msgs[3].Content, "- src/App.tsx")

	// the second sandbox was restored from the first fragment, then edited
	assert.Contains(t, h.boxes.box("box-2").files, sandbox.ManifestPath)
	assert.Equal(t, "v2", h.boxes.box("box-2").files["src/App.tsx"])
}

func TestGenerateRejectsInvalidPrompts(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, harnessOpts{})
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "   "})
	assert.ErrorIs(t, err, ErrInvalidPrompt)
	_, err = h.svc.Generate(ctx, Request{Caller: alice, Prompt: strings.Repeat("a", MaxPromptLength+1)})
	assert.ErrorIs(t, err, ErrInvalidPrompt)

	usage, err := h.ledger.Status(ctx, "alice", ledger.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 5, windowOf(t, usage, ledger.WindowDaily).Remaining)
}

func TestProjectsAreOwnerScoped(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, harnessOpts{})
	ctx := context.Background()
	p, err := h.store.CreateProject(ctx, "bob", "")
	require.NoError(t, err)

	_, err = h.svc.Project(ctx, "alice", p.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = h.svc.Generate(ctx, Request{Caller: alice, ProjectID: p.ID, Prompt: "steal"})
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = h.svc.Project(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = h.svc.LatestFragment(ctx, "bob", p.ID)
	assert.ErrorIs(t, err, ErrNoFragment)
}

func TestFastModeParsesFileBlocks(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{
		say("Here you go\n<file path=\"src/App.tsx\">\nexport default function App() {}\n</file>\n<file path=\"src/broken.tsx\">\nunterminated"),
	}}
	h := newHarness(t, model, harnessOpts{mode: ModeFast})

	out, err := h.svc.Generate(context.Background(), Request{Caller: alice, Prompt: "landing page"})
	require.NoError(t, err)
	assert.Equal(t, defaults.FastSummary, out.Summary)
	assert.Equal(t, "export default function App() {}", out.Files["src/App.tsx"])
	assert.NotContains(t, out.Files, "src/broken.tsx")
	assert.Contains(t, out.Files, sandbox.ManifestPath)
	assert.Equal(t, "export default function App() {}", h.boxes.box("box-1").files["src/App.tsx"])

	prompt := model.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "FIRST GENERATION")
	assert.True(t, strings.HasSuffix(prompt, "landing page"))
}

func TestFastModeWithoutFilesFails(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{say("sorry, no code today")}}
	h := newHarness(t, model, harnessOpts{mode: ModeFast})

	_, err := h.svc.Generate(context.Background(), Request{Caller: alice, Prompt: "x"})
	assert.ErrorIs(t, err, ErrRunFailed)
}

func TestPreviewReconnectsOrRestores(t *testing.T) {
	model := &scriptedModel{responses: []provider.ChatResponse{
		writeFiles("c1", map[string]string{"index.html": "v1"}),
		say("<task_summary>Done</task_summary>"),
	}}
	h := newHarness(t, model, harnessOpts{})
	ctx := context.Background()
	out, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "x"})
	require.NoError(t, err)

	live, err := h.svc.Preview(ctx, "alice", out.ProjectID)
	require.NoError(t, err)
	assert.False(t, live.Restored)
	assert.Equal(t, out.URL, live.URL)

	h.boxes.mu.Lock()
	h.boxes.expired["box-1"] = true
	h.boxes.mu.Unlock()

	restored, err := h.svc.Preview(ctx, "alice", out.ProjectID)
	require.NoError(t, err)
	assert.True(t, restored.Restored)
	assert.Equal(t, "box-2", restored.SandboxID)
	box := h.boxes.box("box-2")
	assert.Equal(t, "v1", box.files["index.html"])
	require.NotEmpty(t, box.commands)
	assert.Contains(t, box.commands[len(box.commands)-1], "npm run dev")
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

type historyFailingStore struct {
	storage.Store
}

func (historyFailingStore) RecentMessages(context.Context, string, []storage.Kind, int) ([]storage.Message, error) {
	return nil, errors.New("sqlite: database is locked")
}

func TestGenerateStoreFailureAfterAdmissionIsRecorded(t *testing.T) {
	model := &scriptedModel{fallback: &provider.ChatResponse{Content: "unused"}}
	h := newHarness(t, model, harnessOpts{wrap: func(s storage.Store) storage.Store {
		return historyFailingStore{Store: s}
	}})
	ctx := context.Background()

	out, err := h.svc.Generate(ctx, Request{Caller: alice, Prompt: "build app"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	require.NotEmpty(t, out.ProjectID)
	assert.Zero(t, model.calls())

	msgs, err := h.store.ListMessages(ctx, out.ProjectID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.KindError, msgs[0].Kind)
	assert.Equal(t, defaults.GenericErrorMessage, msgs[0].Content)

	usage, err := h.ledger.Status(ctx, "alice", ledger.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 4, usage.Effective)
	assert.Equal(t, []string{"failed"}, h.observer.outcomes)
}
