package simd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

var (
	ErrInvalidURL       = errors.New("invalid callback url")
	ErrMetadataEndpoint = errors.New("callback url targets a metadata endpoint")
	ErrInternalHost     = errors.New("callback url targets an internal address")
)

var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"fd00:ec2::254":            true,
}

// NotificationPayload represents the JSON payload sent to the callback URL
type NotificationPayload struct {
	RunID     string             `json:"run_id"`
	Status    models.RunStatus   `json:"status"`
	Protocol  string             `json:"protocol"`
	Iteration int32              `json:"iteration"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Error     string             `json:"error,omitempty"`
	Summary   *models.RunSummary `json:"summary,omitempty"`
	Timestamp int64              `json:"timestamp"` // When notification was sent
}

// Notifier posts the final record of a run to its callback URL. Retries back
// off exponentially and every attempt goes through one circuit breaker, so a
// dead receiver is not hammered by every finishing run.
type Notifier struct {
	httpClient *http.Client
	maxRetries int
	backoff    utils.BackoffStrategy
	breaker    *gobreaker.CircuitBreaker
	wg         sync.WaitGroup
}

// NewNotifier creates a new notification service
func NewNotifier() *Notifier {
	return newNotifier(3, utils.NewExponentialBackoff(time.Second, 30*time.Second, 2, true))
}

func newNotifier(maxRetries int, backoff utils.BackoffStrategy) *Notifier {
	return &Notifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: maxRetries,
		backoff:    backoff,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "callback",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Notify sends the run record to callbackURL asynchronously. A {run_id}
// placeholder in the URL is replaced with the run id.
func (n *Notifier) Notify(callbackURL, callbackSecret string, run *models.Run) {
	if callbackURL == "" {
		return
	}
	if run == nil {
		logger.Warn("cannot notify: invalid run record", "callback_url", callbackURL)
		return
	}

	finalURL := strings.ReplaceAll(callbackURL, "{run_id}", run.ID)
	if err := validateCallbackURL(finalURL); err != nil {
		logger.Warn("refusing to notify callback", "run_id", run.ID, "callback_url", finalURL, "error", err)
		return
	}

	payload := NotificationPayload{
		RunID:     run.ID,
		Status:    run.Status,
		Protocol:  run.Protocol,
		Iteration: run.Iteration,
		StartedAt: run.StartTime,
		EndedAt:   run.EndTime,
		Error:     run.Error,
		Summary:   run.Summary,
		Timestamp: time.Now().UTC().UnixMilli(),
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sendNotification(finalURL, callbackSecret, payload)
	}()
}

// Wait blocks until every pending notification has been delivered or dropped.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// sendNotification performs the actual HTTP POST with retry logic
func (n *Notifier) sendNotification(callbackURL, callbackSecret string, payload NotificationPayload) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal notification payload",
			"callback_url", callbackURL,
			"run_id", payload.RunID,
			"error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			delay := n.backoff.NextDelay(attempt - 1)
			logger.Debug("retrying notification",
				"callback_url", callbackURL,
				"run_id", payload.RunID,
				"attempt", attempt,
				"delay", delay)
			time.Sleep(delay)
		}

		_, err := n.breaker.Execute(func() (any, error) {
			return nil, n.post(callbackURL, callbackSecret, payloadJSON)
		})
		if err == nil {
			logger.Info("notification sent successfully",
				"run_id", payload.RunID,
				"status", payload.Status)
			return
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		logger.Warn("notification attempt failed",
			"callback_url", callbackURL,
			"run_id", payload.RunID,
			"attempt", attempt+1,
			"error", err)
	}

	logger.Error("failed to send notification",
		"callback_url", callbackURL,
		"run_id", payload.RunID,
		"status", payload.Status,
		"max_retries", n.maxRetries,
		"last_error", lastErr)
}

func (n *Notifier) post(callbackURL, callbackSecret string, body []byte) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "diffusion-core/1.0")
	if callbackSecret != "" {
		req.Header.Set("X-Simulation-Callback-Secret", callbackSecret)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	responseBody := string(bodyBytes)
	if len(responseBody) > 200 {
		responseBody = responseBody[:200] + "..."
	}
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, responseBody)
}

// validateCallbackURL rejects callback targets that would let a caller reach
// cloud metadata or internal addresses. The hostname localhost is allowed
// for development; literal private addresses are not.
func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	if metadataHosts[host] {
		return fmt.Errorf("%w: %s", ErrMetadataEndpoint, host)
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsUnspecified() || isPrivateIP(ip)) {
		return fmt.Errorf("%w: %s", ErrInternalHost, host)
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
