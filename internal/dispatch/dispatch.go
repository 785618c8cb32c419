// Package dispatch sends an admitted execution to its provider and settles
// the reservation exactly once: COMMITTED at actual cost on success, FAILED
// with a full refund on provider error. The dispatcher is the only code
// path allowed to call Commit.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/metrics"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

// routePaths maps northbound routes to the provider's OpenAI-style paths.
var routePaths = map[models.Route]string{
	models.RouteChat:       "/chat/completions",
	models.RouteResponses:  "/responses",
	models.RouteEmbeddings: "/embeddings",
}

// Dispatcher owns the provider HTTP clients and the settlement calls.
type Dispatcher struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics

	unary  *http.Client
	stream *http.Client

	idleTimeout time.Duration
}

// New builds a Dispatcher. unaryTimeout bounds a whole non-streaming call;
// idleTimeout bounds the gap between stream frames.
func New(s *store.Store, lim *ratelimit.Limiter, m *metrics.Metrics, unaryTimeout, idleTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:       s,
		limiter:     lim,
		metrics:     m,
		unary:       &http.Client{Timeout: unaryTimeout},
		stream:      &http.Client{}, // frame inactivity enforced per read
		idleTimeout: idleTimeout,
	}
}

// UnaryResult is what the handler writes back after a settled unary call.
type UnaryResult struct {
	StatusCode  int
	Body        []byte
	CommitMicro int64
	Usage       models.Usage
}

// Unary dispatches a non-streaming execution and settles it. The returned
// body has the provider model name masked back to the requested name.
func (d *Dispatcher) Unary(ctx context.Context, adm *admission.Result, passthroughKey string) (*UnaryResult, error) {
	started := time.Now()
	if err := d.store.MarkDispatched(ctx, adm.ExecutionID); err != nil {
		return nil, err
	}

	resp, err := d.send(ctx, d.unary, adm, passthroughKey)
	if err != nil {
		return d.failUnary(ctx, adm, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return d.failUnary(ctx, adm, fmt.Errorf("read provider response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := providerErrorDetail(raw)
		if err := d.store.Fail(ctx, adm.ExecutionID, 502, detail); err != nil {
			return nil, err
		}
		d.metrics.ReleasedMicro.Add(float64(adm.ReserveMicro))
		return &UnaryResult{StatusCode: 502, Body: errorBody(detail)}, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return d.failUnary(ctx, adm, fmt.Errorf("decode provider response: %w", err))
	}
	parsed["model"] = adm.RequestedModel
	masked, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("mask response: %w", err)
	}

	usage := extractUsage(parsed["usage"])
	actual := usage.PromptTokens*adm.Model.InputMicro + usage.CompletionTokens*adm.Model.OutputMicro
	if err := d.commit(ctx, adm, actual, usage, masked, http.StatusOK, false, started); err != nil {
		return nil, err
	}
	return &UnaryResult{StatusCode: http.StatusOK, Body: masked, CommitMicro: actual, Usage: usage}, nil
}

// Stream dispatches a streaming execution, relaying SSE frames to w with
// the model name masked. Settlement happens after the upstream closes; a
// client disconnect drains the upstream so actual usage is still captured.
func (d *Dispatcher) Stream(ctx context.Context, w http.ResponseWriter, adm *admission.Result, passthroughKey string) error {
	started := time.Now()
	if err := d.store.MarkDispatched(ctx, adm.ExecutionID); err != nil {
		return err
	}

	// The upstream call outlives the client connection: settlement needs
	// the tail of the stream even after the caller goes away.
	upstreamCtx := context.WithoutCancel(ctx)
	resp, err := d.send(upstreamCtx, d.stream, adm, passthroughKey)
	if err != nil {
		status, body, ferr := d.fail(ctx, adm, err)
		if ferr != nil {
			return ferr
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		detail := providerErrorDetail(raw)
		if err := d.store.Fail(upstreamCtx, adm.ExecutionID, 502, detail); err != nil {
			return err
		}
		d.metrics.ReleasedMicro.Add(float64(adm.ReserveMicro))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(502)
		_, _ = w.Write(errorBody(detail))
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-AEX-Execution-Id", adm.ExecutionID)
	flusher, _ := w.(http.Flusher)

	var (
		usage        models.Usage
		sawUsage     bool
		deltaChars   int64
		clientGone   bool
		frames       int64
		readErr      error
		reader       = bufio.NewReader(newIdleReader(resp.Body, d.idleTimeout))
		clientClosed = ctx.Done()
	)

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: "); ok && data != "[DONE]" {
				masked, frameUsage, chars := maskFrame(data, adm.RequestedModel)
				if frameUsage != nil {
					usage = *frameUsage
					sawUsage = true
				}
				deltaChars += chars
				line = "data: " + masked + "\n"
			}
			if !clientGone {
				select {
				case <-clientClosed:
					clientGone = true
					log.Warn().Str("execution_id", adm.ExecutionID).Msg("client disconnected mid-stream, draining upstream")
				default:
					if _, werr := io.WriteString(w, line); werr != nil {
						clientGone = true
					} else {
						frames++
						if flusher != nil && strings.TrimSpace(line) == "" {
							flusher.Flush()
						}
					}
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	d.metrics.StreamFrames.Add(float64(frames))

	// An upstream break with the client still attached is a failed
	// dispatch, refunded in full. Settling on the frame estimate is only
	// legitimate while draining after a client disconnect, where partial
	// output was genuinely delivered.
	if readErr != nil && !clientGone {
		status := 502
		if errors.Is(readErr, context.DeadlineExceeded) || os.IsTimeout(readErr) {
			status = 504
		}
		log.Error().Err(readErr).Str("execution_id", adm.ExecutionID).Msg("upstream stream broke mid-dispatch")
		if err := d.store.Fail(upstreamCtx, adm.ExecutionID, status, "upstream stream error: "+readErr.Error()); err != nil {
			return err
		}
		d.metrics.ReleasedMicro.Add(float64(adm.ReserveMicro))
		return nil
	}
	if readErr != nil {
		log.Warn().Err(readErr).Str("execution_id", adm.ExecutionID).Msg("upstream drain ended abnormally, settling on relayed frames")
	}

	estimate := !sawUsage
	if estimate {
		usage = models.Usage{
			PromptTokens:     adm.PromptTokens,
			CompletionTokens: deltaChars/4 + 1,
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	actual := usage.PromptTokens*adm.Model.InputMicro + usage.CompletionTokens*adm.Model.OutputMicro

	summary, _ := json.Marshal(map[string]any{
		"detail": "stream completed",
		"model":  adm.RequestedModel,
		"usage":  usage,
	})
	if err := d.commit(upstreamCtx, adm, actual, usage, summary, http.StatusOK, estimate, started); err != nil {
		return err
	}
	if flusher != nil && !clientGone {
		flusher.Flush()
	}
	return nil
}

// Tool dispatches a tools-route execution against the configured tool
// endpoint at its fixed per-call price.
func (d *Dispatcher) Tool(ctx context.Context, adm *admission.Result) (*UnaryResult, error) {
	started := time.Now()
	if err := d.store.MarkDispatched(ctx, adm.ExecutionID); err != nil {
		return nil, err
	}

	args := adm.Body["arguments"]
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode tool arguments: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, adm.Tool.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return d.failUnary(ctx, adm, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.unary.Do(req)
	if err != nil {
		return d.failUnary(ctx, adm, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return d.failUnary(ctx, adm, fmt.Errorf("read tool response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := providerErrorDetail(raw)
		if err := d.store.Fail(ctx, adm.ExecutionID, 502, detail); err != nil {
			return nil, err
		}
		d.metrics.ReleasedMicro.Add(float64(adm.ReserveMicro))
		return &UnaryResult{StatusCode: 502, Body: errorBody(detail)}, nil
	}

	body, _ := json.Marshal(map[string]any{
		"tool":       adm.Tool.Name,
		"cost_micro": adm.Tool.CostMicro,
		"result":     json.RawMessage(raw),
	})
	if err := d.commit(ctx, adm, adm.Tool.CostMicro, models.Usage{}, body, http.StatusOK, false, started); err != nil {
		return nil, err
	}
	return &UnaryResult{StatusCode: http.StatusOK, Body: body, CommitMicro: adm.Tool.CostMicro}, nil
}

// send builds and fires the provider request with the model name swapped
// to the provider's identifier.
func (d *Dispatcher) send(ctx context.Context, client *http.Client, adm *admission.Result, passthroughKey string) (*http.Response, error) {
	body := make(map[string]any, len(adm.Body))
	for k, v := range adm.Body {
		body[k] = v
	}
	body["model"] = adm.Model.ProviderModel
	delete(body, "idempotency_key")
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}

	url := strings.TrimRight(adm.Provider.BaseURL, "/") + routePaths[adm.Route]
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	key := passthroughKey
	if key == "" {
		key = os.Getenv(adm.Provider.APIKeyEnv)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	return resp, nil
}

func (d *Dispatcher) commit(ctx context.Context, adm *admission.Result, actual int64, usage models.Usage, body []byte, status int, estimate bool, started time.Time) error {
	if err := d.store.Commit(ctx, store.CommitParams{
		ExecutionID:  adm.ExecutionID,
		ActualMicro:  actual,
		Usage:        usage,
		ResponseBody: body,
		StatusCode:   status,
		Estimate:     estimate,
	}); err != nil {
		return fmt.Errorf("settle %s: %w", adm.ExecutionID, err)
	}
	if err := d.limiter.Settle(ctx, adm.AgentID, usage.CompletionTokens); err != nil {
		log.Warn().Err(err).Msg("post-commit token settle failed")
	}
	if actual > adm.ReserveMicro {
		actual = adm.ReserveMicro
	}
	provider := "tool"
	if adm.Provider != nil {
		provider = adm.Provider.Name
	}
	d.metrics.CommittedMicro.Add(float64(actual))
	d.metrics.ReleasedMicro.Add(float64(adm.ReserveMicro - actual))
	d.metrics.DispatchSeconds.WithLabelValues(provider, string(adm.Route)).Observe(time.Since(started).Seconds())
	return nil
}

// fail settles a dispatch that produced no provider response. A client
// cancellation releases the reserve; anything else marks the execution
// FAILED with a full refund, the transport error mapped to a gateway
// status.
func (d *Dispatcher) fail(ctx context.Context, adm *admission.Result, cause error) (int, []byte, error) {
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		log.Info().Str("execution_id", adm.ExecutionID).Msg("client cancelled before provider response, releasing reserve")
		if err := d.store.Release(context.WithoutCancel(ctx), adm.ExecutionID, "client_cancel", 499); err != nil {
			return 0, nil, err
		}
		d.metrics.ReleasedMicro.Add(float64(adm.ReserveMicro))
		return 499, errorBody("client closed request"), nil
	}

	status := 502
	if errors.Is(cause, context.DeadlineExceeded) || os.IsTimeout(cause) {
		status = 504
	}
	log.Error().Err(cause).Str("execution_id", adm.ExecutionID).Msg("dispatch failed")
	if err := d.store.Fail(context.WithoutCancel(ctx), adm.ExecutionID, status, cause.Error()); err != nil {
		return 0, nil, err
	}
	d.metrics.ReleasedMicro.Add(float64(adm.ReserveMicro))
	return status, errorBody("upstream dispatch failed"), nil
}

func (d *Dispatcher) failUnary(ctx context.Context, adm *admission.Result, cause error) (*UnaryResult, error) {
	status, body, err := d.fail(ctx, adm, cause)
	if err != nil {
		return nil, err
	}
	return &UnaryResult{StatusCode: status, Body: body}, nil
}

// maskFrame rewrites one SSE data payload: model name substituted, usage
// block extracted when present, delta content length counted for the
// no-usage estimate path.
func maskFrame(data, requestedModel string) (string, *models.Usage, int64) {
	var frame map[string]any
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return data, nil, 0
	}
	frame["model"] = requestedModel

	var usage *models.Usage
	if u, ok := frame["usage"].(map[string]any); ok && u != nil {
		extracted := extractUsage(u)
		if extracted.TotalTokens > 0 || extracted.PromptTokens > 0 {
			usage = &extracted
		}
	}

	var chars int64
	if choices, ok := frame["choices"].([]any); ok {
		for _, c := range choices {
			cm, _ := c.(map[string]any)
			delta, _ := cm["delta"].(map[string]any)
			if content, ok := delta["content"].(string); ok {
				chars += int64(len(content))
			}
		}
	}

	masked, err := json.Marshal(frame)
	if err != nil {
		return data, usage, chars
	}
	return string(masked), usage, chars
}

func extractUsage(v any) models.Usage {
	var u models.Usage
	m, ok := v.(map[string]any)
	if !ok {
		return u
	}
	u.PromptTokens = intOf(m["prompt_tokens"])
	u.CompletionTokens = intOf(m["completion_tokens"])
	u.TotalTokens = intOf(m["total_tokens"])
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intOf(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func providerErrorDetail(raw []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return "provider error: " + parsed.Error.Message
		}
		if parsed.Detail != "" {
			return "provider error: " + parsed.Detail
		}
	}
	return "provider returned an error response"
}

func errorBody(detail string) []byte {
	b, _ := json.Marshal(map[string]string{"detail": detail})
	return b
}

// idleReader cancels a blocked stream read after the inactivity window.
type idleReader struct {
	r       io.ReadCloser
	timeout time.Duration
}

func newIdleReader(r io.ReadCloser, timeout time.Duration) *idleReader {
	return &idleReader{r: r, timeout: timeout}
}

func (ir *idleReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := ir.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(ir.timeout):
		_ = ir.r.Close()
		return 0, fmt.Errorf("stream idle for %s: %w", ir.timeout, context.DeadlineExceeded)
	}
}
