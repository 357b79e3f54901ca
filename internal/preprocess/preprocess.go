package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"

	_ "image/jpeg"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/faults"
)

// Page is a normalized page image ready for vision input.
type Page struct {
	PNG         []byte
	Width       int
	Height      int
	SourceIndex int
}

// Preprocessor converts an uploaded artifact (PDF or raster image) into an
// ordered sequence of lossless page images. Failure is total: either every
// page converts or the whole artifact is rejected.
type Preprocessor struct {
	cfg config.PreprocessConfig
	log *zap.Logger
}

func New(cfg config.PreprocessConfig, log *zap.Logger) *Preprocessor {
	return &Preprocessor{cfg: cfg, log: log}
}

// Process normalizes raw artifact bytes according to the declared mime type.
func (p *Preprocessor) Process(ctx context.Context, data []byte, mime string) ([]Page, error) {
	if int64(len(data)) > p.cfg.MaxUploadSize {
		return nil, faults.InputRejected("file exceeds maximum size of %d bytes", p.cfg.MaxUploadSize)
	}
	if len(data) == 0 {
		return nil, faults.InputRejected("empty file")
	}

	switch mime {
	case "application/pdf":
		return p.rasterizePDF(data)
	case "image/jpeg", "image/png":
		page, err := p.normalizeImage(ctx, data)
		if err != nil {
			return nil, err
		}
		return []Page{*page}, nil
	default:
		return nil, faults.InputRejected("unsupported content type %q", mime)
	}
}

// rasterizePDF renders every page at the configured DPI, in order.
func (p *Preprocessor) rasterizePDF(data []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, faults.InputRejected("corrupt or unreadable PDF: %v", err)
	}
	defer doc.Close()

	pages := make([]Page, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.ImageDPI(n, float64(p.cfg.RasterDPI))
		if err != nil {
			return nil, fmt.Errorf("failed to rasterize page %d: %w", n, err)
		}
		encoded, err := encodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", n, err)
		}
		bounds := img.Bounds()
		pages = append(pages, Page{
			PNG:         encoded,
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
			SourceIndex: n,
		})
	}
	if len(pages) == 0 {
		return nil, faults.InputRejected("PDF contains no pages")
	}

	p.log.Debug("rasterized PDF", zap.Int("pages", len(pages)), zap.Int("dpi", p.cfg.RasterDPI))
	return pages, nil
}

// normalizeImage re-encodes a single raster image as PNG, applying the
// configured enhancement filters through ImageMagick when available.
func (p *Preprocessor) normalizeImage(ctx context.Context, data []byte) (*Page, error) {
	if enhanced, err := p.enhance(ctx, data); err == nil {
		data = enhanced
	} else {
		p.log.Warn("image enhancement unavailable, using original", zap.Error(err))
		reencoded, decodeErr := reencodePNG(data)
		if decodeErr != nil {
			return nil, faults.InputRejected("corrupt image: %v", decodeErr)
		}
		data = reencoded
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, faults.InputRejected("corrupt image: %v", err)
	}
	return &Page{PNG: data, Width: cfg.Width, Height: cfg.Height, SourceIndex: 0}, nil
}

// enhance runs the ImageMagick pipeline with the configured filters.
// Pipeline: resize (bounded) -> greyscale -> contrast -> deskew -> PNG.
func (p *Preprocessor) enhance(ctx context.Context, data []byte) ([]byte, error) {
	// Per-call temp files: requests run concurrently in one process, so a
	// pid-keyed name would let one upload overwrite another's in-flight page.
	in, err := os.CreateTemp("", "page_in_*.img")
	if err != nil {
		return nil, err
	}
	inputFile := in.Name()
	defer os.Remove(inputFile)
	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, err
	}
	if err := in.Close(); err != nil {
		return nil, err
	}

	out, err := os.CreateTemp("", "page_out_*.png")
	if err != nil {
		return nil, err
	}
	outputFile := out.Name()
	out.Close()
	defer os.Remove(outputFile)

	args := []string{inputFile, "-resize", "3000x3000>"}
	if p.cfg.Greyscale {
		args = append(args, "-colorspace", "Gray")
	}
	if p.cfg.Contrast {
		args = append(args, "-normalize", "-contrast-stretch", "2%x1%")
	}
	if p.cfg.Deskew {
		args = append(args, "-deskew", "40%")
	}
	args = append(args, outputFile)

	// Try 'magick' first (ImageMagick 7), fallback to 'convert' (ImageMagick 6)
	var cmd *exec.Cmd
	if _, err := exec.LookPath("magick"); err == nil {
		cmd = exec.CommandContext(ctx, "magick", args...)
	} else if _, err := exec.LookPath("convert"); err == nil {
		cmd = exec.CommandContext(ctx, "convert", args...)
	} else {
		return nil, fmt.Errorf("imagemagick not installed")
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("imagemagick failed: %v - %s", err, stderr.String())
	}

	return os.ReadFile(outputFile)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func reencodePNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return encodePNG(img)
}
