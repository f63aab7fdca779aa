// Package media fetches image renditions from the registry's media host and
// validates them before any model call sees the bytes.
package media

import (
	"bytes"
	"container/list"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lensworks/visionflow/internal/domain"
)

// Limits applied to every fetched image.
type Limits struct {
	MaxBytes  int64
	MinWidth  int
	MinHeight int
}

// DefaultLimits mirrors what the vision runtime accepts.
func DefaultLimits() Limits {
	return Limits{MaxBytes: 10 << 20, MinWidth: 224, MinHeight: 224}
}

// Provider implements domain.ImageProvider. The optimised rendition is
// preferred; greyscale is the fallback when optimised is missing or fails
// validation. Fetched bytes are cached per media id so the 21 analyses of
// one image hit the network once.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limits     Limits

	mu       sync.Mutex
	cache    map[string][]byte
	order    *list.List
	elems    map[string]*list.Element
	maxCache int
}

// New constructs a media provider.
func New(baseURL, apiKey string, timeout time.Duration, limits Limits) *Provider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if limits.MaxBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Provider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limits:     limits,
		cache:      make(map[string][]byte),
		order:      list.New(),
		elems:      make(map[string]*list.Element),
		maxCache:   32,
	}
}

// Fetch returns validated image bytes for the media reference.
func (p *Provider) Fetch(ctx domain.Context, m domain.MediaRef) ([]byte, error) {
	if data, ok := p.cached(m.ID); ok {
		return data, nil
	}
	paths := []string{m.OptimisedPath}
	if m.GreyscalePath != "" {
		paths = append(paths, m.GreyscalePath)
	}
	var lastErr error
	for _, path := range paths {
		data, err := p.fetchOne(ctx, path)
		if err != nil {
			lastErr = err
			slog.Warn("media rendition fetch failed, trying fallback",
				slog.String("media_id", m.ID), slog.String("path", path), slog.Any("error", err))
			continue
		}
		p.store(m.ID, data)
		return data, nil
	}
	return nil, fmt.Errorf("op=media.fetch: media %s: %w", m.ID, lastErr)
}

func (p *Provider) fetchOne(ctx domain.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrUpstreamUnavailable)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.limits.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if err := p.validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Provider) validate(data []byte) error {
	if int64(len(data)) > p.limits.MaxBytes {
		return fmt.Errorf("image exceeds %d bytes: %w", p.limits.MaxBytes, domain.ErrInvalidArgument)
	}
	mt := mimetype.Detect(data)
	switch mt.String() {
	case "image/jpeg", "image/png", "image/webp":
	default:
		return fmt.Errorf("unsupported image type %s: %w", mt.String(), domain.ErrInvalidArgument)
	}
	// Dimension check where the stdlib can read the header; webp headers are
	// opaque to DecodeConfig and pass through.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	if cfg.Width < p.limits.MinWidth || cfg.Height < p.limits.MinHeight {
		return fmt.Errorf("image %dx%d below minimum %dx%d: %w",
			cfg.Width, cfg.Height, p.limits.MinWidth, p.limits.MinHeight, domain.ErrInvalidArgument)
	}
	return nil
}

func (p *Provider) cached(id string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.cache[id]
	if ok {
		p.order.MoveToFront(p.elems[id])
	}
	return data, ok
}

func (p *Provider) store(id string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cache[id]; ok {
		return
	}
	p.cache[id] = data
	p.elems[id] = p.order.PushFront(id)
	for len(p.cache) > p.maxCache {
		back := p.order.Back()
		evict := back.Value.(string)
		p.order.Remove(back)
		delete(p.cache, evict)
		delete(p.elems, evict)
	}
}
