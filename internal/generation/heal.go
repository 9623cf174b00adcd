package generation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"vibe/internal/defaults"
	"vibe/internal/orchestrator"
	"vibe/internal/sandbox"
	"vibe/internal/tools"

	"go.uber.org/zap"
)

// Prober checks that a preview URL answers.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber treats any response below 400 as healthy.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p HTTPProber) Probe(ctx context.Context, url string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// healer runs after a successful primary pass. It never turns success into failure.
type healer struct {
	orch    *orchestrator.Orchestrator
	manager *sandbox.Manager
	prober  Prober
	settle  time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

type healOutcome struct {
	Summary  string
	Files    map[string]string
	Repaired bool
}

// heal probes url and, when it fails, runs one repair pass whose tool calls
// go to journal like the primary pass.
func (h *healer) heal(ctx context.Context, box sandbox.Handle, journal tools.Journal, url string, primary orchestrator.Result) healOutcome {
	out := healOutcome{Summary: primary.Summary, Files: primary.Files}
	if h == nil || h.prober == nil || url == "" {
		return out
	}
	logger := h.logger.With(zap.String("sandbox_id", box.ID()))

	if err := h.sleep(ctx, h.settle); err != nil {
		logger.Warn("self-heal skipped", zap.Error(err))
		return out
	}
	probeErr := h.prober.Probe(ctx, url)
	if probeErr == nil {
		return out
	}
	logger.Info("preview probe failed, attempting repair", zap.Error(probeErr))

	log, err := h.manager.ReadLog(ctx, box)
	if err != nil {
		logger.Warn("read dev server log failed", zap.Error(err))
		return out
	}
	repair, err := h.orch.Run(ctx, orchestrator.Input{
		Request: fmt.Sprintf(defaults.RepairPrompt, tail(log, 8000)),
		Seed:    primary.Files,
		Sandbox: box,
		Journal: journal,
	})
	if err != nil {
		logger.Warn("repair run failed", zap.Error(err))
		return out
	}
	if repair.Summary == "" {
		logger.Info("repair run produced no summary")
		return out
	}
	return healOutcome{
		Summary:  primary.Summary + defaults.AutoRepairSuffix,
		Files:    repair.Files,
		Repaired: true,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
