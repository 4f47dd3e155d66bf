package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

const fallbackFilename = "attachment"

var errTooLarge = errors.New("attachment exceeds size limit")

type Config struct {
	Timeout     time.Duration
	MaxBytes    int64
	Concurrency int
}

type Fetcher struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

func NewFetcher(cfg Config, log *zap.Logger) *Fetcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   cfg.Concurrency,
			},
		},
		log: log,
	}
}

// Fetch downloads one attachment. Every failure is an *apperrors.AttachmentFetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (model.FetchedAttachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.FetchedAttachment{}, &apperrors.AttachmentFetchError{URL: rawURL, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return model.FetchedAttachment{}, &apperrors.AttachmentFetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.FetchedAttachment{}, &apperrors.AttachmentFetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if f.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.cfg.MaxBytes+1)
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return model.FetchedAttachment{}, &apperrors.AttachmentFetchError{URL: rawURL, Err: err}
	}

	if f.cfg.MaxBytes > 0 && int64(len(content)) > f.cfg.MaxBytes {
		return model.FetchedAttachment{}, &apperrors.AttachmentFetchError{
			URL: rawURL,
			Err: fmt.Errorf("%w (%d bytes)", errTooLarge, f.cfg.MaxBytes),
		}
	}

	filename := FilenameFromURL(rawURL)

	return model.FetchedAttachment{
		URL:         rawURL,
		Filename:    filename,
		ContentType: contentType(resp.Header.Get("Content-Type"), filename),
		Content:     content,
	}, nil
}

// FetchAll downloads urls concurrently and keeps their order. A failed
// download is logged and left out; it never fails the whole set.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []model.FetchedAttachment {
	if len(urls) == 0 {
		return nil
	}

	results := make([]*model.FetchedAttachment, len(urls))

	var g errgroup.Group
	g.SetLimit(f.cfg.Concurrency)

	for i, u := range urls {
		g.Go(func() error {
			att, err := f.Fetch(ctx, u)
			if err != nil {
				f.log.Warn("dropping attachment", zap.String("url", u), zap.Error(err))
				return nil
			}

			results[i] = &att

			return nil
		})
	}

	_ = g.Wait()

	fetched := make([]model.FetchedAttachment, 0, len(urls))
	for _, att := range results {
		if att != nil {
			fetched = append(fetched, *att)
		}
	}

	return fetched
}

// FilenameFromURL returns the last path segment of rawURL, or "attachment"
// when the URL does not parse or that segment is empty.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackFilename
	}

	// the text after the last slash; a trailing slash means no filename
	name := u.Path[strings.LastIndex(u.Path, "/")+1:]
	if name == "" {
		return fallbackFilename
	}

	return name
}

func contentType(header, filename string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && !strings.HasPrefix(mt, "binary/") {
			return header
		}
	}

	if byExt := mime.TypeByExtension(path.Ext(filename)); byExt != "" {
		return byExt
	}

	return "application/octet-stream"
}
