package points

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/longregen/rubric/internal/adapters/retry"
	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// serviceTimeoutDefault applies when a service config sets no timeout.
const serviceTimeoutDefault = 10_000 * time.Millisecond

// cacheNamespaceService holds cached verdicts of external graders.
const cacheNamespaceService = "svc"

// ServiceCaller grades responses by posting them to HTTP backends
// declared in a blueprint's externalServices map or given as inline
// URLs. The backend replies {score: 0..1, explain?}.
type ServiceCaller struct {
	httpClient *http.Client
	cache      ports.CacheStore
	env        func(string) string
	logger     *slog.Logger
}

// CallerOption configures a ServiceCaller.
type CallerOption func(*ServiceCaller)

// WithCallerHTTPClient replaces the transport, mainly for tests.
func WithCallerHTTPClient(c *http.Client) CallerOption {
	return func(s *ServiceCaller) { s.httpClient = c }
}

// WithCallerCache enables per-service verdict caching.
func WithCallerCache(cache ports.CacheStore) CallerOption {
	return func(s *ServiceCaller) { s.cache = cache }
}

// WithCallerEnv replaces the header-expansion environment, for tests.
func WithCallerEnv(env func(string) string) CallerOption {
	return func(s *ServiceCaller) { s.env = env }
}

// NewServiceCaller builds a caller with the process environment and a
// default transport.
func NewServiceCaller(opts ...CallerOption) *ServiceCaller {
	s := &ServiceCaller{
		httpClient: &http.Client{},
		env:        os.Getenv,
		logger:     slog.With("component", "service-caller"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Grade is the "call" point function. Args are either a service name
// or inline URL string, or an object whose service/url key selects the
// target and whose remaining keys become user params.
func (s *ServiceCaller) Grade(ctx context.Context, response string, args any, gctx *Context) (Score, error) {
	svc, userParams, err := s.resolveTarget(args, gctx)
	if err != nil {
		return Score{}, err
	}
	body := s.buildBody(response, userParams, svc, gctx)

	payload, err := json.Marshal(body)
	if err != nil {
		return Score{}, fmt.Errorf("call: marshal request: %w", err)
	}

	cacheKey := ""
	if svc.Cache && s.cache != nil {
		cacheKey = serviceCacheKey(svc.URL, payload)
		if cached, ok, err := s.cache.Get(ctx, cacheNamespaceService, cacheKey); err == nil && ok {
			var sc Score
			if json.Unmarshal(cached, &sc) == nil {
				return sc, nil
			}
		}
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range svc.Headers {
		headers[k] = os.Expand(v, s.env)
	}

	timeout := serviceTimeoutDefault
	if svc.TimeoutMs > 0 {
		timeout = time.Duration(svc.TimeoutMs) * time.Millisecond
	}

	var verdict struct {
		Score   *float64 `json:"score"`
		Explain string   `json:"explain"`
	}
	err = retry.Do(ctx, retry.ServiceConfig(svc.Retries), func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return s.post(cctx, svc.URL, headers, payload, &verdict)
	})
	if err != nil {
		return Score{}, fmt.Errorf("call: %s: %w", svc.URL, err)
	}
	if verdict.Score == nil {
		return Score{}, fmt.Errorf("call: %s replied without a score field", svc.URL)
	}
	result := Score{Value: clamp01(*verdict.Score), Explain: verdict.Explain}

	if cacheKey != "" {
		if encoded, err := json.Marshal(result); err == nil {
			if err := s.cache.Set(ctx, cacheNamespaceService, cacheKey, encoded); err != nil {
				s.logger.Warn("verdict cache write failed", "url", svc.URL, "error", err)
			}
		}
	}
	return result, nil
}

// serviceError is a non-2xx backend reply, classified by status for
// the retry loop.
type serviceError struct {
	URL    string
	Status int
	Body   string
}

func (e *serviceError) Error() string {
	return fmt.Sprintf("service %s returned status %d: %s", e.URL, e.Status, e.Body)
}

func (e *serviceError) HTTPStatus() int { return e.Status }

func (s *ServiceCaller) post(ctx context.Context, url string, headers map[string]string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &serviceError{URL: url, Status: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewPipelineError(models.ErrorKindFormat, "service reply is not valid JSON", err)
	}
	return nil
}

// resolveTarget maps the grader args to a service config plus user
// params. A bare string is an inline URL when it looks like one,
// otherwise a named service.
func (s *ServiceCaller) resolveTarget(args any, gctx *Context) (models.ExternalService, map[string]any, error) {
	switch a := args.(type) {
	case string:
		return s.lookupService(a, gctx, nil)
	case map[string]any:
		userParams := make(map[string]any, len(a))
		var ref string
		for k, v := range a {
			switch k {
			case "service", "url":
				name, ok := v.(string)
				if !ok {
					return models.ExternalService{}, nil, fmt.Errorf("call: %s must be a string, got %T", k, v)
				}
				ref = name
			default:
				userParams[k] = v
			}
		}
		if ref == "" {
			return models.ExternalService{}, nil, fmt.Errorf("call: args must name a service or url")
		}
		return s.lookupService(ref, gctx, userParams)
	default:
		return models.ExternalService{}, nil, fmt.Errorf("call: expects a service name, url or object, got %T", args)
	}
}

func (s *ServiceCaller) lookupService(ref string, gctx *Context, userParams map[string]any) (models.ExternalService, map[string]any, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return models.ExternalService{URL: ref}, userParams, nil
	}
	if gctx == nil || gctx.Blueprint == nil {
		return models.ExternalService{}, nil, fmt.Errorf("call: no blueprint context to resolve service %q", ref)
	}
	svc, ok := gctx.Blueprint.ExternalServices[ref]
	if !ok {
		return models.ExternalService{}, nil, fmt.Errorf("call: blueprint declares no external service %q", ref)
	}
	return svc, userParams, nil
}

// buildBody assembles the POST payload: the fixed response/modelId/
// promptId triple, then service params, then user params, with
// template placeholders substituted in string values.
func (s *ServiceCaller) buildBody(response string, userParams map[string]any, svc models.ExternalService, gctx *Context) map[string]any {
	body := map[string]any{"response": response}
	vars := map[string]string{"{response}": response}
	if gctx != nil {
		body["modelId"] = gctx.ModelID
		vars["{modelId}"] = gctx.ModelID
		if gctx.Prompt != nil {
			body["promptId"] = gctx.Prompt.ID
			vars["{promptId}"] = gctx.Prompt.ID
			vars["{promptText}"] = gctx.Prompt.PromptText
			if encoded, err := json.Marshal(gctx.Prompt.EffectiveMessages()); err == nil {
				vars["{messages}"] = string(encoded)
			}
		}
	}
	for k, v := range svc.Params {
		body[k] = substituteTemplates(v, vars)
	}
	for k, v := range userParams {
		body[k] = substituteTemplates(v, vars)
	}
	return body
}

func substituteTemplates(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		out := t
		for placeholder, value := range vars {
			out = strings.ReplaceAll(out, placeholder, value)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = substituteTemplates(e, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = substituteTemplates(e, vars)
		}
		return out
	default:
		return v
	}
}

func serviceCacheKey(url string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
