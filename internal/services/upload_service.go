package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"sync"

	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
)

// UploadServiceProvider defines the interface for image uploads.
type UploadServiceProvider interface {
	Upload(ctx context.Context, r io.Reader, mimeType string) *Upload
}

// UploadService pushes image bytes to a pre-signed URL obtained from the backend.
type UploadService struct {
	photos PhotoServiceProvider
	http   *http.Client
	maxDim int
}

// NewUploadService creates a new UploadService. Images larger than maxDim on
// either side are downscaled before upload; maxDim <= 0 disables that.
func NewUploadService(photos PhotoServiceProvider, httpClient *http.Client, maxDim int) *UploadService {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &UploadService{photos: photos, http: httpClient, maxDim: maxDim}
}

// Upload is one running upload. Progress yields increasing percentages and is
// closed when the upload ends; Wait returns the public file URL.
type Upload struct {
	progress chan int
	done     chan struct{}
	cancel   context.CancelFunc

	mu      sync.Mutex
	fileURL string
	err     error
}

// Progress returns the percentage stream. It never blocks the upload: every
// distinct value 0..100 fits in its buffer.
func (u *Upload) Progress() <-chan int { return u.progress }

// Cancel aborts the transfer.
func (u *Upload) Cancel() { u.cancel() }

// Done is closed once the upload has finished.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Wait blocks until the upload ends.
func (u *Upload) Wait() (string, error) {
	<-u.done
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fileURL, u.err
}

// Upload starts uploading r in the background.
func (s *UploadService) Upload(ctx context.Context, r io.Reader, mimeType string) *Upload {
	ctx, cancel := context.WithCancel(ctx)
	u := &Upload{
		progress: make(chan int, 101),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		defer cancel()
		fileURL, err := s.run(ctx, r, mimeType, u.progress)
		u.mu.Lock()
		u.fileURL, u.err = fileURL, err
		u.mu.Unlock()
		close(u.progress)
		close(u.done)
	}()
	return u
}

func (s *UploadService) run(ctx context.Context, r io.Reader, mimeType string, progress chan<- int) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	data, err = s.downscale(data, mimeType)
	if err != nil {
		return "", err
	}

	target, err := s.photos.SignedUpload(ctx, mimeType)
	if err != nil {
		return "", fmt.Errorf("request signed upload: %w", err)
	}

	body := &progressReader{r: bytes.NewReader(data), total: int64(len(data)), out: progress, last: -1}
	// The transport may still read after Do returns; nothing may be sent once
	// the stream is about to close.
	defer body.stop()
	body.report()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", mimeType)

	res, err := s.http.Do(req)
	if err != nil {
		return "", &client.NetworkError{Method: http.MethodPut, URL: target.UploadURL, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return "", &client.HTTPError{Status: res.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	body.finish()

	log.Info().Int("bytes", len(data)).Str("mime", mimeType).Msg("Image uploaded")
	return target.FileURL, nil
}

// downscale shrinks JPEG and PNG images that exceed maxDim. Other formats pass
// through untouched.
func (s *UploadService) downscale(data []byte, mimeType string) ([]byte, error) {
	if s.maxDim <= 0 || (mimeType != "image/jpeg" && mimeType != "image/png") {
		return data, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= s.maxDim && cfg.Height <= s.maxDim {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	scaled := resize.Thumbnail(uint(s.maxDim), uint(s.maxDim), img, resize.Lanczos3)

	var buf bytes.Buffer
	if mimeType == "image/png" {
		err = png.Encode(&buf, scaled)
	} else {
		err = jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}
	log.Debug().Int("width", cfg.Width).Int("height", cfg.Height).Int("max", s.maxDim).Msg("Downscaled image before upload")
	return buf.Bytes(), nil
}

// progressReader reports read progress as whole percentages. 100 is only sent
// once the server accepted the body.
type progressReader struct {
	mu    sync.Mutex
	r     io.Reader
	total int64
	read  int64
	out   chan<- int
	last  int
	done  bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.mu.Lock()
	p.read += int64(n)
	p.reportLocked()
	p.mu.Unlock()
	return n, err
}

func (p *progressReader) report() {
	p.mu.Lock()
	p.reportLocked()
	p.mu.Unlock()
}

func (p *progressReader) reportLocked() {
	pct := 99
	if p.total > 0 && p.read < p.total {
		pct = int(p.read * 100 / p.total)
	}
	if pct > 99 {
		pct = 99
	}
	p.emit(pct)
}

func (p *progressReader) finish() {
	p.mu.Lock()
	p.emit(100)
	p.mu.Unlock()
}

func (p *progressReader) stop() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func (p *progressReader) emit(pct int) {
	if p.done || pct <= p.last {
		return
	}
	p.last = pct
	p.out <- pct
}
