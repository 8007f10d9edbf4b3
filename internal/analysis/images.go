package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/jpeg"

	lru "github.com/hashicorp/golang-lru/v2"

	"gazer/internal/httpclient"
	"gazer/internal/logging"
)

const (
	imageResponseLimit = 16 << 20
	imageCacheSize     = 2048
)

// ImageFetcher retrieves a thumbnail URL and normalizes it to PNG bytes.
type ImageFetcher interface {
	FetchPNG(ctx context.Context, url string) ([]byte, error)
}

// CachingFetcher fetches over HTTP and keeps an LRU of converted PNGs.
// Marketplace thumbnails repeat across runs, so the cache saves both the
// fetch and the re-encode.
type CachingFetcher struct {
	httpClient *http.Client
	cache      *lru.Cache[string, []byte]
	logger     logging.Logger
}

// NewCachingFetcher constructs a CachingFetcher.
func NewCachingFetcher(client *http.Client, logger logging.Logger) (*CachingFetcher, error) {
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	cache, err := lru.New[string, []byte](imageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	return &CachingFetcher{
		httpClient: client,
		cache:      cache,
		logger:     logging.OrNop(logger),
	}, nil
}

// FetchPNG downloads url, decodes it (png/jpeg/gif), and re-encodes to PNG.
func (f *CachingFetcher) FetchPNG(ctx context.Context, url string) ([]byte, error) {
	if cached, ok := f.cache.Get(url); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, imageResponseLimit)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if !httpclient.Is2xx(resp.StatusCode) {
		return nil, httpclient.StatusError{StatusCode: resp.StatusCode}
	}

	converted, err := toPNG(data)
	if err != nil {
		return nil, err
	}
	f.cache.Add(url, converted)
	return converted, nil
}

// toPNG normalizes arbitrary image bytes to PNG.
func toPNG(data []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if format == "png" {
		return data, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
