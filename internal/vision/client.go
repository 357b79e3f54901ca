package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/faults"
	"github.com/docuflow/document-extract-service/internal/preprocess"
)

// Mode selects how many prompts a document costs.
type Mode string

const (
	// ModeFast runs one combined prompt over all pages.
	ModeFast Mode = "fast"
	// ModeDetailed runs the header and items prompts concurrently; the
	// post-processor merges the two payloads.
	ModeDetailed Mode = "detailed"
)

// ParseMode validates a client-supplied mode string, defaulting to fast.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeFast):
		return ModeFast, nil
	case string(ModeDetailed):
		return ModeDetailed, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Result carries the parsed payload(s) of one extraction. In fast mode only
// Combined is set; in detailed mode Header and Items are set. The Raw slices
// hold the cleaned JSON text; the post-processor reads key order from them,
// which the decoded maps cannot preserve.
type Result struct {
	Mode     Mode
	Combined map[string]any
	Header   map[string]any
	Items    map[string]any

	RawCombined []byte
	RawHeader   []byte
	RawItems    []byte
}

// Client drives the vision provider with retry, classification and a
// circuit breaker. One Client is shared across requests.
type Client struct {
	provider Provider
	prompts  *Prompts
	policy   retryPolicy
	deadline time.Duration
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

func NewClient(provider Provider, prompts *Prompts, cfg config.VisionConfig, log *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		provider: provider,
		prompts:  prompts,
		policy: retryPolicy{
			attempts: cfg.RetryAttempts,
			minWait:  cfg.RetryMinWait,
			maxWait:  cfg.RetryMaxWait,
		},
		deadline: cfg.CallDeadline,
		breaker:  breaker,
		log:      log,
	}
}

// ProviderName reports the active backend for parse metadata.
func (c *Client) ProviderName() string { return c.provider.Name() }

// Extract runs the prompts for the given mode against the page images.
func (c *Client) Extract(ctx context.Context, pages []preprocess.Page, mode Mode, docTypeHint string) (*Result, error) {
	switch mode {
	case ModeDetailed:
		return c.extractDetailed(ctx, pages, docTypeHint)
	default:
		return c.extractFast(ctx, pages, docTypeHint)
	}
}

func (c *Client) extractFast(ctx context.Context, pages []preprocess.Page, hint string) (*Result, error) {
	payload, raw, err := c.call(ctx, withHint(c.prompts.Combined, hint), pages)
	if err != nil {
		return nil, err
	}
	if _, hasInfo := payload["document_info"]; !hasInfo {
		if _, hasTable := payload["table_data"]; !hasTable {
			return nil, faults.Validation(fmt.Errorf("combined payload missing document_info and table_data"))
		}
	}
	return &Result{Mode: ModeFast, Combined: payload, RawCombined: raw}, nil
}

// extractDetailed launches the header and items prompts concurrently under
// a shared deadline; failure of either cancels the other. Wall-clock cost is
// max(header, items), not the sum.
func (c *Client) extractDetailed(ctx context.Context, pages []preprocess.Page, hint string) (*Result, error) {
	var header, items map[string]any
	var rawHeader, rawItems []byte

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		payload, raw, err := c.call(gctx, withHint(c.prompts.Header, hint), pages)
		if err != nil {
			return err
		}
		if _, ok := payload["document_info"]; !ok {
			return faults.Validation(fmt.Errorf("header payload missing document_info"))
		}
		header, rawHeader = payload, raw
		return nil
	})
	g.Go(func() error {
		payload, raw, err := c.call(gctx, withHint(c.prompts.Items, hint), pages)
		if err != nil {
			return err
		}
		if _, ok := payload["table_data"]; !ok {
			return faults.Validation(fmt.Errorf("items payload missing table_data"))
		}
		items, rawItems = payload, raw
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Result{Mode: ModeDetailed, Header: header, Items: items, RawHeader: rawHeader, RawItems: rawItems}, nil
}

// call performs one prompt with retry, per-attempt deadline and breaker.
func (c *Client) call(ctx context.Context, prompt string, pages []preprocess.Page) (map[string]any, []byte, error) {
	raw, err := c.policy.run(ctx, c.log, func(ctx context.Context) (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.deadline)
		defer cancel()

		out, err := c.breaker.Execute(func() (any, error) {
			return c.provider.Generate(attemptCtx, prompt, pages)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return "", faults.RateLimited(err)
			}
			return "", err
		}
		return out.(string), nil
	})
	if err != nil {
		c.log.Error("vision extraction failed",
			zap.String("provider", c.provider.Name()),
			zap.String("code", string(faults.CodeOf(err))),
			zap.Error(err))
		return nil, nil, err
	}

	payload, cleaned, err := parsePayload(raw)
	if err != nil {
		c.log.Error("vision response unparseable", zap.Error(err), zap.Int("length", len(raw)))
		return nil, nil, faults.Validation(err)
	}
	return payload, cleaned, nil
}

// parsePayload strips markdown fences and decodes the model's JSON.
// Numbers are kept as json.Number so downstream formatting can preserve the
// original text.
func parsePayload(raw string) (map[string]any, []byte, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return payload, []byte(cleaned), nil
}
