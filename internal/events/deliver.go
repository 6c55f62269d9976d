package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const errorBodyLimit = 1024

// deliveryTiming bounds outbound event posts: at most one post per
// resource per rateInterval (with burst allowance), each attempt under
// requestTimeout, transient failures retried with exponential backoff
// until backoffMaxElapsed.
type deliveryTiming struct {
	requestTimeout    time.Duration
	rateInterval      time.Duration
	rateBurst         int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMaxElapsed time.Duration
}

var defaultDeliveryTiming = deliveryTiming{
	requestTimeout:    10 * time.Second,
	rateInterval:      time.Second,
	rateBurst:         1,
	backoffInitial:    time.Second,
	backoffMax:        10 * time.Second,
	backoffMaxElapsed: 30 * time.Second,
}

// delivery posts JSON event payloads to a single endpoint. Rate limits
// are tracked per resource, so one flapping resource cannot starve
// notifications for the rest.
type delivery struct {
	logger zerolog.Logger
	url    string
	client *retryablehttp.Client
	timing deliveryTiming

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newDelivery(logger zerolog.Logger, url string, timing deliveryTiming) *delivery {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return &delivery{
		logger:   logger,
		url:      url,
		client:   client,
		timing:   timing,
		limiters: make(map[string]*rate.Limiter),
	}
}

// send delivers one event payload, retrying transient failures until the
// backoff budget runs out. A 429 with Retry-After overrides the backoff
// wait.
func (d *delivery) send(ctx context.Context, event Event, payload []byte) error {
	if err := d.limiterFor(event.Resource).Wait(ctx); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.timing.backoffInitial
	bo.MaxInterval = d.timing.backoffMax
	bo.MaxElapsedTime = d.timing.backoffMaxElapsed
	bo.Reset()

	for attempt := 1; ; attempt++ {
		retry, wait, err := d.post(ctx, payload)
		if err == nil {
			d.logger.Debug().
				Str("resource", event.Resource).
				Str("event_type", string(event.Type)).
				Int("attempts", attempt).
				Msg("event delivered")
			return nil
		}
		if !retry {
			return err
		}
		if wait <= 0 {
			wait = bo.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
		}
		d.logger.Debug().Err(err).
			Str("resource", event.Resource).
			Str("event_type", string(event.Type)).
			Dur("wait", wait).
			Msg("retrying event delivery")
		if !sleepWithContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

// post runs a single attempt and classifies the outcome: whether the
// failure is worth retrying and any server-mandated wait.
func (d *delivery) post(ctx context.Context, payload []byte) (bool, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timing.requestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return false, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return true, 0, fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		wait, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return true, wait, fmt.Errorf("post event: rate limited: %s", resp.Status)
	case resp.StatusCode >= http.StatusInternalServerError:
		return true, 0, fmt.Errorf("post event: server error: %s", resp.Status)
	default:
		if text := strings.TrimSpace(string(body)); text != "" {
			return false, 0, fmt.Errorf("post event: %s (%s)", resp.Status, text)
		}
		return false, 0, fmt.Errorf("post event: %s", resp.Status)
	}
}

func (d *delivery) limiterFor(resource string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[resource]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(d.timing.rateInterval), d.timing.rateBurst)
		d.limiters[resource] = limiter
	}
	return limiter
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		wait := time.Until(when)
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
	return 0, false
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
