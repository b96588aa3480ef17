package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const (
	HeaderSignature  = "X-Billing-Signature"
	HeaderTimestamp  = "X-Billing-Timestamp"
	HeaderEventType  = "X-Billing-Event-Type"
	HeaderEventID    = "X-Billing-Event-Id"
	HeaderEndpointID = "X-Billing-Endpoint-Id"

	defaultMaxConcurrency = 8
	maxDrainBytes         = 64 << 10
	maxBackoff            = 5 * time.Minute
)

// Observer records delivery attempts and permanent failures.
type Observer interface {
	ObserveAttempt(endpoint, outcome string, duration time.Duration)
	IncPermanentFailure(endpoint, reason string)
}

// Report summarizes one Dispatch call. Err aggregates every permanent failure.
type Report struct {
	Selected  int
	Delivered int
	Failed    int
	Err       error
}

type EngineParams struct {
	Endpoints       []config.DispatchEndpoint
	CounterpartyKey string
	MaxConcurrency  int
	HTTPClient      *http.Client
	DeadLetters     DeadLetterStore
	Observer        Observer
	Logger          *logger.Logger
}

// Engine fans an event out to every subscribed endpoint. Each endpoint retries independently.
type Engine struct {
	endpoints      []config.DispatchEndpoint
	limiters       map[string]*rate.Limiter
	counterparty   *Counterparty
	maxConcurrency int
	client         *http.Client
	deadLetters    DeadLetterStore
	observer       Observer
	logger         *logger.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Logger == nil {
		return nil, errors.New("dispatch logger required")
	}
	limit := params.MaxConcurrency
	if limit <= 0 {
		limit = defaultMaxConcurrency
	}
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	limiters := make(map[string]*rate.Limiter)
	for _, ep := range params.Endpoints {
		if ep.RatePerSec > 0 {
			burst := int(ep.RatePerSec)
			if burst < 1 {
				burst = 1
			}
			limiters[ep.ID] = rate.NewLimiter(rate.Limit(ep.RatePerSec), burst)
		}
	}
	return &Engine{
		endpoints:      params.Endpoints,
		limiters:       limiters,
		counterparty:   NewCounterparty(params.CounterpartyKey),
		maxConcurrency: limit,
		client:         client,
		deadLetters:    params.DeadLetters,
		observer:       params.Observer,
		logger:         params.Logger,
		now:            time.Now,
		sleep:          sleepContext,
		jitter:         withJitter,
	}, nil
}

// Select returns the enabled endpoints subscribed to eventType.
func (e *Engine) Select(eventType EventType) []config.DispatchEndpoint {
	var out []config.DispatchEndpoint
	for _, ep := range e.endpoints {
		if ep.IsEnabled() && ep.Subscribes(string(eventType)) {
			out = append(out, ep)
		}
	}
	return out
}

// Dispatch delivers event to every matching endpoint and waits for all of them. Failures are
// recorded and reported, never returned to the caller's control flow. Delivery continues when the
// caller's context is cancelled.
func (e *Engine) Dispatch(ctx context.Context, event Event) Report {
	targets := e.Select(event.Type)
	report := Report{Selected: len(targets)}
	if len(targets) == 0 {
		return report
	}

	ctx = context.WithoutCancel(ctx)
	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, ep := range targets {
		g.Go(func() error {
			errs[i] = e.deliver(ctx, ep, event)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			report.Failed++
			report.Err = multierr.Append(report.Err, err)
			continue
		}
		report.Delivered++
	}
	if report.Err != nil {
		e.logger.Warn(e.logger.WithFields(ctx, map[string]any{
			"event_id":   event.ID,
			"event_type": event.Type.String(),
			"failed":     report.Failed,
			"delivered":  report.Delivered,
		}), "dispatch.partial_failure")
	}
	return report
}

type attemptResult struct {
	status    int
	retryable bool
	err       error
}

func (e *Engine) deliver(ctx context.Context, ep config.DispatchEndpoint, event Event) error {
	ctx = e.logger.WithEndpoint(ctx, ep.ID)
	translated := translate(event, ep, e.counterparty)
	payload, err := json.Marshal(translated)
	if err != nil {
		return e.fail(ctx, ep, event, payload, 0, attemptResult{err: fmt.Errorf("encode event: %w", err)}, "encode")
	}

	attempts := ep.Retries() + 1
	var last attemptResult
	for attempt := 0; attempt < attempts; attempt++ {
		if limiter := e.limiters[ep.ID]; limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				last = attemptResult{err: err}
				break
			}
		}

		started := e.now()
		last = e.send(ctx, ep, translated, payload)
		outcome := "success"
		switch {
		case last.err != nil && last.retryable:
			outcome = "retryable"
		case last.err != nil:
			outcome = "fatal"
		}
		if e.observer != nil {
			e.observer.ObserveAttempt(ep.ID, outcome, time.Since(started))
		}
		if last.err == nil {
			return nil
		}
		if !last.retryable || attempt == attempts-1 {
			break
		}
		if err := e.sleep(ctx, e.jitter(backoff(ep.Backoff(), attempt))); err != nil {
			last = attemptResult{err: err}
			break
		}
	}

	reason := "exhausted"
	if !last.retryable {
		reason = "non_retryable"
	}
	return e.fail(ctx, ep, event, payload, attempts, last, reason)
}

func (e *Engine) send(ctx context.Context, ep config.DispatchEndpoint, event Event, payload []byte) attemptResult {
	timeout := ep.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return attemptResult{err: fmt.Errorf("build request: %w", err)}
	}
	unix := e.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(ep.Secret, unix, payload))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(unix, 10))
	req.Header.Set(HeaderEventType, event.Type.String())
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderEndpointID, ep.ID)

	resp, err := e.client.Do(req)
	if err != nil {
		return attemptResult{retryable: true, err: fmt.Errorf("post %s: %w", ep.ID, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return attemptResult{status: resp.StatusCode}
	}
	return attemptResult{
		status:    resp.StatusCode,
		retryable: retryableStatus(resp.StatusCode),
		err:       fmt.Errorf("endpoint %s responded %d", ep.ID, resp.StatusCode),
	}
}

func (e *Engine) fail(ctx context.Context, ep config.DispatchEndpoint, event Event, payload []byte, attempts int, last attemptResult, reason string) error {
	err := fmt.Errorf("deliver %s to %s: %w", event.ID, ep.ID, last.err)
	if e.observer != nil {
		e.observer.IncPermanentFailure(ep.ID, reason)
	}

	fields := map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type.String(),
		"attempts":   attempts,
		"reason":     reason,
	}
	if last.status != 0 {
		fields["last_status"] = last.status
	}
	e.logger.Error(e.logger.WithFields(ctx, fields), "dispatch.permanent_failure", err)

	if e.deadLetters == nil {
		return err
	}
	letter := &models.DispatchDeadLetter{
		EndpointID: ep.ID,
		EventID:    event.ID,
		EventType:  event.Type.String(),
		Attempts:   attempts,
		LastError:  last.err.Error(),
		Payload:    payload,
	}
	if last.status != 0 {
		status := last.status
		letter.LastStatus = &status
	}
	if len(letter.Payload) == 0 {
		letter.Payload = json.RawMessage(`{}`)
	}
	if recErr := e.deadLetters.Record(ctx, letter); recErr != nil {
		e.logger.Error(ctx, "dispatch.dead_letter_failed", recErr)
	}
	return err
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// backoff is base * 2^attempt, capped at maxBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// withJitter adds up to 10% on top of d.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	window := int64(d) / 10
	if window <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(window+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
