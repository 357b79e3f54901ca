package orchestrate

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/faults"
	"github.com/docuflow/document-extract-service/internal/postprocess"
	"github.com/docuflow/document-extract-service/internal/preprocess"
	"github.com/docuflow/document-extract-service/internal/store"
	"github.com/docuflow/document-extract-service/internal/vision"
)

type fixedProvider struct {
	response string
	err      error
	calls    int
}

func (p *fixedProvider) Name() string { return "fixed" }

func (p *fixedProvider) Generate(ctx context.Context, prompt string, pages []preprocess.Page) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.response, nil
}

type fakePersister struct {
	createErr error
	saveErr   error
	saved     uuid.UUID
	released  []uuid.UUID
}

func (f *fakePersister) CreateFile(ctx context.Context, fi *store.FileInfo) error {
	if f.createErr != nil {
		return f.createErr
	}
	fi.ID = uuid.New()
	return nil
}

func (f *fakePersister) MarkFileFailed(ctx context.Context, fileID uuid.UUID) error {
	f.released = append(f.released, fileID)
	return nil
}

func (f *fakePersister) SaveParsed(ctx context.Context, file *store.FileInfo, payload map[string]any, docTypeCode, createdBy string, parseMeta map[string]any) (*store.Document, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saved = uuid.New()
	return &store.Document{ID: f.saved, Status: store.StatusParsed, FileID: file.ID}, nil
}

func (f *fakePersister) SaveApproved(ctx context.Context, documentID uuid.UUID, payload map[string]any, userID string) error {
	return nil
}

func (f *fakePersister) Reject(ctx context.Context, documentID uuid.UUID, userID string) error {
	return nil
}

func testPipeline(provider vision.Provider, st Persister) *Orchestrator {
	log := zap.NewNop()
	client := vision.NewClient(provider, &vision.Prompts{
		Combined: "combined", Header: "header", Items: "items",
	}, config.VisionConfig{
		RetryAttempts: 1,
		RetryMinWait:  time.Millisecond,
		RetryMaxWait:  time.Millisecond,
		CallDeadline:  time.Second,
	}, log)
	pre := preprocess.New(config.PreprocessConfig{RasterDPI: 200, MaxUploadSize: 1 << 20}, log)
	return New(pre, client, postprocess.New(log), st, nil, nil, log)
}

func testUpload(t *testing.T) Upload {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 12))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return Upload{
		Filename: "invoice.png",
		Mime:     "image/png",
		Data:     buf.Bytes(),
		UserID:   "u1",
	}
}

const extractionJSON = `{
	"document_info": { "document_number": "755" },
	"totals": { "total": "21919,97" }
}`

func TestProcessDocumentSuccess(t *testing.T) {
	st := &fakePersister{}
	o := testPipeline(&fixedProvider{response: extractionJSON}, st)

	result, err := o.ProcessDocument(context.Background(), testUpload(t), vision.ModeFast)
	require.NoError(t, err)
	assert.Equal(t, st.saved, result.DocumentID)
	assert.Contains(t, result.Payload, "document_info")
	assert.Empty(t, st.released, "successful parse keeps its duplicate claim")
}

func TestProcessDocumentReturnsPayloadWhenSaveFails(t *testing.T) {
	st := &fakePersister{saveErr: faults.Persistence(errors.New("serialization failure"))}
	o := testPipeline(&fixedProvider{response: extractionJSON}, st)

	result, err := o.ProcessDocument(context.Background(), testUpload(t), vision.ModeFast)
	require.Error(t, err)
	assert.Equal(t, faults.CodeUnknown, faults.CodeOf(err))

	require.NotNil(t, result, "extracted payload survives a persistence failure")
	assert.Equal(t, uuid.Nil, result.DocumentID)
	assert.Contains(t, result.Payload, "document_info")
	assert.NotNil(t, result.Validation)
	assert.Len(t, st.released, 1, "failed parse releases its duplicate claim")
}

func TestProcessDocumentReleasesClaimWhenExtractionFails(t *testing.T) {
	provider := &fixedProvider{err: faults.AuthFailed(errors.New("401"))}
	st := &fakePersister{}
	o := testPipeline(provider, st)

	result, err := o.ProcessDocument(context.Background(), testUpload(t), vision.ModeFast)
	require.Error(t, err)
	assert.Equal(t, faults.CodeAuth, faults.CodeOf(err))
	assert.Nil(t, result)
	assert.Equal(t, 1, provider.calls)
	assert.Len(t, st.released, 1)
}

func TestProcessDocumentDuplicateStopsBeforeModel(t *testing.T) {
	provider := &fixedProvider{response: extractionJSON}
	st := &fakePersister{createErr: faults.ErrDuplicateInProgress}
	o := testPipeline(provider, st)

	_, err := o.ProcessDocument(context.Background(), testUpload(t), vision.ModeFast)
	require.ErrorIs(t, err, faults.ErrDuplicateInProgress)
	assert.Zero(t, provider.calls)
	assert.Empty(t, st.released, "a rejected duplicate never claims the hash")
}
