package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RemoteOptions struct {
	BaseURL string
	APIKey  string
	// Domain serves exposed ports as https://<port>-<id>.<domain>.
	Domain            string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// RemoteProvider talks to a hosted sandbox service over its REST API.
type RemoteProvider struct {
	base    *url.URL
	apiKey  string
	domain  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewRemoteProvider(opts RemoteOptions, logger *zap.Logger) (*RemoteProvider, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid sandbox base url %q", opts.BaseURL)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	domain := opts.Domain
	if domain == "" {
		domain = base.Hostname()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteProvider{
		base:    base,
		apiKey:  opts.APIKey,
		domain:  domain,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		logger:  logger.Named("remote"),
	}, nil
}

type sandboxInfo struct {
	SandboxID string    `json:"sandboxID"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type createRequest struct {
	TemplateID string `json:"templateID"`
	TimeoutMS  int64  `json:"timeoutMs"`
}

type commandRequest struct {
	Cmd       string `json:"cmd"`
	TimeoutMS int64  `json:"timeoutMs"`
}

type commandResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// apiError is a non-2xx answer from the service.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("sandbox api: status %d: %s", e.Status, e.Body)
}

func (p *RemoteProvider) Create(ctx context.Context, template string, timeout time.Duration) (Handle, error) {
	var info sandboxInfo
	err := p.doJSON(ctx, http.MethodPost, "/sandboxes", nil,
		createRequest{TemplateID: template, TimeoutMS: timeout.Milliseconds()}, &info)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, template)
		}
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	p.logger.Debug("remote sandbox created", zap.String("sandbox_id", info.SandboxID), zap.String("template", template))
	return &remoteHandle{p: p, info: info}, nil
}

func (p *RemoteProvider) Connect(ctx context.Context, id string) (Handle, error) {
	var info sandboxInfo
	err := p.doJSON(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, nil, &info)
	if err != nil {
		if isGone(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
		}
		return nil, fmt.Errorf("connect sandbox: %w", err)
	}
	if !info.ExpiresAt.IsZero() && time.Now().After(info.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s lease expired", ErrUnavailable, id)
	}
	return &remoteHandle{p: p, info: info}, nil
}

func isGone(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && (ae.Status == http.StatusNotFound || ae.Status == http.StatusGone)
}

func (p *RemoteProvider) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (p *RemoteProvider) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	resp, err := p.do(ctx, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type remoteHandle struct {
	p    *RemoteProvider
	info sandboxInfo
}

func (h *remoteHandle) ID() string           { return h.info.SandboxID }
func (h *remoteHandle) ExpiresAt() time.Time { return h.info.ExpiresAt }

func (h *remoteHandle) path(suffix string) string {
	return "/sandboxes/" + url.PathEscape(h.info.SandboxID) + suffix
}

func absPath(p string) url.Values {
	return url.Values{"path": {HomeDir + "/" + NormalizePath(p)}}
}

func (h *remoteHandle) wrap(op string, err error) error {
	if isGone(err) {
		return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, h.info.SandboxID)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (h *remoteHandle) WriteFile(ctx context.Context, p, content string) error {
	resp, err := h.p.do(ctx, http.MethodPut, h.path("/files"), absPath(p), strings.NewReader(content), "application/octet-stream")
	if err != nil {
		return h.wrap("write "+p, err)
	}
	return resp.Body.Close()
}

func (h *remoteHandle) ReadFile(ctx context.Context, p string) (string, error) {
	resp, err := h.p.do(ctx, http.MethodGet, h.path("/files"), absPath(p), nil, "")
	if err != nil {
		var ae *apiError
		// File routes answer 404 for a missing path and 410 for a dead sandbox.
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return "", h.wrap("read "+p, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return string(data), nil
}

func (h *remoteHandle) Exists(ctx context.Context, p string) (bool, error) {
	_, err := h.ReadFile(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (h *remoteHandle) Run(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	var out commandResponse
	err := h.p.doJSON(ctx, http.MethodPost, h.path("/commands"), nil,
		commandRequest{Cmd: command, TimeoutMS: timeout.Milliseconds()}, &out)
	if err != nil {
		return CommandResult{}, h.wrap("run command", err)
	}
	return CommandResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

func (h *remoteHandle) ExposedURL(port int) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return fmt.Sprintf("https://%d-%s.%s", port, h.info.SandboxID, h.p.domain), nil
}
