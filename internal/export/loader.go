package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/patrickmn/go-cache"
	_ "golang.org/x/image/webp"
)

const (
	defaultCacheExpiration = 30 * time.Minute
	cacheCleanupInterval   = time.Hour
	maxImageBytes          = 20 << 20
)

// ImageLoader resolves an image reference (data URI or http(s) URL) to a decoded image.
type ImageLoader struct {
	client *http.Client
	cache  *cache.Cache
}

// NewImageLoader creates a loader. A nil client uses a client with a 30s timeout.
func NewImageLoader(client *http.Client) *ImageLoader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ImageLoader{
		client: client,
		cache:  cache.New(defaultCacheExpiration, cacheCleanupInterval),
	}
}

// Load returns the decoded image for ref. It blocks until the image has
// either loaded or failed.
func (l *ImageLoader) Load(ctx context.Context, ref string) (image.Image, error) {
	key := cacheKey(ref)
	if cached, ok := l.cache.Get(key); ok {
		return cached.(image.Image), nil
	}

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "data:"):
		data, err = decodeDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, err = l.fetch(ctx, ref)
	default:
		err = fmt.Errorf("unsupported image reference")
	}
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	l.cache.Set(key, img, cache.DefaultExpiration)
	return img, nil
}

func (l *ImageLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// decodeDataURI extracts the payload of a base64 data URI.
func decodeDataURI(ref string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URI")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("data URI is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data URI: %w", err)
	}
	return data, nil
}

func cacheKey(ref string) string {
	if len(ref) <= 256 {
		return ref
	}
	sum := sha256.Sum256([]byte(ref))
	return "sha256:" + hex.EncodeToString(sum[:])
}
