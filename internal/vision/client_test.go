package vision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/faults"
	"github.com/docuflow/document-extract-service/internal/preprocess"
)

// scriptedProvider returns canned responses in order; the last one repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []func(prompt string) (string, error)
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, prompt string, pages []preprocess.Page) (string, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	fn := p.responses[i]
	p.mu.Unlock()
	return fn(prompt)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testVisionConfig() config.VisionConfig {
	return config.VisionConfig{
		RetryAttempts: 3,
		RetryMinWait:  10 * time.Millisecond,
		RetryMaxWait:  40 * time.Millisecond,
		CallDeadline:  time.Second,
	}
}

func testPrompts() *Prompts {
	return &Prompts{Combined: "combined-prompt", Header: "header-prompt", Items: "items-prompt"}
}

func onePage() []preprocess.Page {
	return []preprocess.Page{{PNG: []byte("not-a-real-png"), SourceIndex: 0}}
}

func unavailable(prompt string) (string, error) {
	return "", faults.Unavailable(errors.New("503 service unavailable"))
}

func success(payload string) func(string) (string, error) {
	return func(string) (string, error) { return payload, nil }
}

func TestExtractRetriesTransientFailures(t *testing.T) {
	provider := &scriptedProvider{responses: []func(string) (string, error){
		unavailable,
		unavailable,
		success(`{"document_info":{"document_number":"755"}}`),
	}}
	client := NewClient(provider, testPrompts(), testVisionConfig(), zap.NewNop())

	start := time.Now()
	result, err := client.Extract(context.Background(), onePage(), ModeFast, "")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, provider.callCount())
	assert.GreaterOrEqual(t, elapsed, 2*10*time.Millisecond, "two backoff waits of at least min_wait each")
	assert.Contains(t, result.Combined, "document_info")
}

func TestExtractNonTransientFailsImmediately(t *testing.T) {
	provider := &scriptedProvider{responses: []func(string) (string, error){
		func(string) (string, error) {
			return "", faults.AuthFailed(errors.New("401 unauthorized"))
		},
	}}
	client := NewClient(provider, testPrompts(), testVisionConfig(), zap.NewNop())

	_, err := client.Extract(context.Background(), onePage(), ModeFast, "")
	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount(), "non-transient errors get exactly one attempt")
	assert.Equal(t, faults.CodeAuth, faults.CodeOf(err))
}

func TestExtractExhaustsRetryBudget(t *testing.T) {
	provider := &scriptedProvider{responses: []func(string) (string, error){unavailable}}
	client := NewClient(provider, testPrompts(), testVisionConfig(), zap.NewNop())

	_, err := client.Extract(context.Background(), onePage(), ModeFast, "")
	require.Error(t, err)
	assert.Equal(t, 3, provider.callCount())
	assert.Equal(t, faults.CodeRateLimited, faults.CodeOf(err))
	assert.True(t, faults.IsTransient(err))
}

func TestExtractFastRejectsEmptyPayload(t *testing.T) {
	provider := &scriptedProvider{responses: []func(string) (string, error){
		success(`{"something_else": 1}`),
	}}
	client := NewClient(provider, testPrompts(), testVisionConfig(), zap.NewNop())

	_, err := client.Extract(context.Background(), onePage(), ModeFast, "")
	require.Error(t, err)
	assert.Equal(t, faults.CodeUnknown, faults.CodeOf(err))
}

func TestExtractDetailedRunsBothPrompts(t *testing.T) {
	respond := func(prompt string) (string, error) {
		if strings.Contains(prompt, "header-prompt") {
			return `{"document_info":{"document_number":"755"},"totals":{"total":"21919,97"}}`, nil
		}
		return `{"table_data":{"column_mapping":{"no":"№"},"line_items":[{"no":"1"}]}}`, nil
	}
	provider := &scriptedProvider{responses: []func(string) (string, error){respond, respond}}
	client := NewClient(provider, testPrompts(), testVisionConfig(), zap.NewNop())

	result, err := client.Extract(context.Background(), onePage(), ModeDetailed, "")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount())
	assert.Contains(t, result.Header, "document_info")
	assert.Contains(t, result.Items, "table_data")
	assert.NotEmpty(t, result.RawHeader)
	assert.NotEmpty(t, result.RawItems)
}

func TestExtractDetailedFailsWhenEitherPromptFails(t *testing.T) {
	respond := func(prompt string) (string, error) {
		if strings.Contains(prompt, "items-prompt") {
			return "", faults.Permission(errors.New("403 forbidden"))
		}
		return `{"document_info":{}}`, nil
	}
	provider := &scriptedProvider{responses: []func(string) (string, error){respond, respond}}
	client := NewClient(provider, testPrompts(), testVisionConfig(), zap.NewNop())

	_, err := client.Extract(context.Background(), onePage(), ModeDetailed, "")
	require.Error(t, err)
	assert.Equal(t, faults.CodePermission, faults.CodeOf(err))
}

func TestParsePayloadStripsFences(t *testing.T) {
	for _, raw := range []string{
		`{"document_info":{"document_number":"755"}}`,
		"```json\n{\"document_info\":{\"document_number\":\"755\"}}\n```",
		"```\n{\"document_info\":{\"document_number\":\"755\"}}\n```",
		"  {\"document_info\":{\"document_number\":\"755\"}}  ",
	} {
		payload, cleaned, err := parsePayload(raw)
		require.NoError(t, err, raw)
		assert.Contains(t, payload, "document_info")
		assert.True(t, strings.HasPrefix(string(cleaned), "{"), "cleaned text starts at the object")
	}

	_, _, err := parsePayload("the model replied with prose")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFast, mode)

	mode, err = ParseMode("detailed")
	require.NoError(t, err)
	assert.Equal(t, ModeDetailed, mode)

	_, err = ParseMode("turbo")
	assert.Error(t, err)
}
