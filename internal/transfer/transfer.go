// Package transfer moves image bytes over presigned URLs.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/menta2k/condition-report/internal/config"
	"github.com/menta2k/condition-report/pkg/condition"
)

// Client performs signed PUT uploads and warms signed GET URLs
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

var _ condition.Transfer = (*Client)(nil)

// New creates a Client from cfg
func New(cfg config.TransferConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	httpClient := resty.New().
		SetHeader("User-Agent", "condition-report/1.0").
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http: httpClient,
		log:  log.With().Str("component", "transfer").Logger(),
	}
}

// PutSigned uploads body to a presigned PUT URL
func (c *Client) PutSigned(ctx context.Context, url string, body []byte, contentType string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body).
		Put(url)
	if err != nil {
		return fmt.Errorf("signed upload request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("signed upload error (%d): %s", resp.StatusCode(), resp.String())
	}
	c.log.Debug().Int("bytes", len(body)).Dur("took", resp.Time()).Msg("signed upload complete")
	return nil
}

// Preload fetches url to completion so the image is cached before it is shown
func (c *Client) Preload(ctx context.Context, url string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("preload request failed: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return fmt.Errorf("preload error (%d)", resp.StatusCode())
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("preload read: %w", err)
	}
	return nil
}
