package preprocess

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/faults"
)

func testPreprocessor() *Preprocessor {
	return New(config.PreprocessConfig{
		RasterDPI:     200,
		MaxUploadSize: 1024 * 1024,
	}, zap.NewNop())
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 12))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func requireInputRejected(t *testing.T, err error) *faults.InputRejectedError {
	t.Helper()
	require.Error(t, err)
	var rejected *faults.InputRejectedError
	require.True(t, errors.As(err, &rejected), "expected input rejection, got %v", err)
	return rejected
}

func TestProcessRejectsUnsupportedContentType(t *testing.T) {
	_, err := testPreprocessor().Process(context.Background(), []byte("hello"), "text/html")
	rejected := requireInputRejected(t, err)
	assert.Contains(t, rejected.Error(), "text/html")
}

func TestProcessRejectsOversizeUpload(t *testing.T) {
	p := New(config.PreprocessConfig{MaxUploadSize: 10}, zap.NewNop())
	_, err := p.Process(context.Background(), make([]byte, 11), "image/png")
	requireInputRejected(t, err)
}

func TestProcessRejectsEmptyUpload(t *testing.T) {
	_, err := testPreprocessor().Process(context.Background(), nil, "image/png")
	requireInputRejected(t, err)
}

func TestProcessRejectsCorruptPDF(t *testing.T) {
	_, err := testPreprocessor().Process(context.Background(), []byte("not a pdf"), "application/pdf")
	requireInputRejected(t, err)
}

func TestProcessRejectsCorruptImage(t *testing.T) {
	_, err := testPreprocessor().Process(context.Background(), []byte("not an image"), "image/png")
	requireInputRejected(t, err)
}

func sizedPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessConcurrentUploadsKeepTheirOwnPages(t *testing.T) {
	p := testPreprocessor()

	const n = 8
	inputs := make([][]byte, n)
	for i := range inputs {
		inputs[i] = sizedPNG(t, 10+i, 20+i)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	pages := make([]*Page, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := p.Process(context.Background(), inputs[i], "image/png")
			if err != nil {
				errs[i] = err
				return
			}
			pages[i] = &out[0]
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 10+i, pages[i].Width, "upload %d got another upload's page", i)
		assert.Equal(t, 20+i, pages[i].Height, "upload %d got another upload's page", i)
	}
}

func TestProcessNormalizesImage(t *testing.T) {
	pages, err := testPreprocessor().Process(context.Background(), tinyPNG(t), "image/png")
	require.NoError(t, err)
	require.Len(t, pages, 1)

	page := pages[0]
	assert.Equal(t, 0, page.SourceIndex)
	assert.NotEmpty(t, page.PNG)
	assert.Positive(t, page.Width)
	assert.Positive(t, page.Height)

	_, err = png.Decode(bytes.NewReader(page.PNG))
	assert.NoError(t, err, "output is decodable PNG")
}
