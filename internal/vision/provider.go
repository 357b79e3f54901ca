package vision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/docuflow/document-extract-service/internal/faults"
	"github.com/docuflow/document-extract-service/internal/preprocess"
)

// Provider sends one prompt plus page images to a multimodal model and
// returns the raw text response. Implementations classify their failures
// into faults so the retry combinator can tell transient from fatal.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, pages []preprocess.Page) (string, error)
}

// Prompts holds the opaque prompt texts loaded at startup.
type Prompts struct {
	Combined string
	Header   string
	Items    string
}

// LoadPrompts reads the prompt files from dir. All three files must exist.
func LoadPrompts(dir string) (*Prompts, error) {
	read := func(name string) (string, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
		return string(data), nil
	}

	var p Prompts
	var err error
	if p.Combined, err = read("combined.txt"); err != nil {
		return nil, err
	}
	if p.Header, err = read("header.txt"); err != nil {
		return nil, err
	}
	if p.Items, err = read("items.txt"); err != nil {
		return nil, err
	}
	return &p, nil
}

// withHint appends the document-type hint to a prompt when present.
func withHint(prompt, docTypeHint string) string {
	if strings.TrimSpace(docTypeHint) == "" {
		return prompt
	}
	return prompt + "\n\nDocument type hint: " + docTypeHint
}

// classifyStatus maps an upstream HTTP status to a stable fault code.
func classifyStatus(status int, err error) *faults.Fault {
	switch {
	case status == 401:
		return faults.AuthFailed(err)
	case status == 403:
		return faults.Permission(err)
	case status == 408 || status == 504:
		return faults.Deadline(err)
	case status == 429:
		return faults.RateLimited(err)
	case status >= 500:
		return faults.Unavailable(err)
	default:
		return faults.Unknown(err)
	}
}

// classifyTransport handles failures that never reached the provider:
// deadlines, cancellations and network errors.
func classifyTransport(err error) *faults.Fault {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Deadline(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return faults.Deadline(err)
		}
		return faults.Network(err)
	}
	return nil
}
