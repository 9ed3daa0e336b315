package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/renditionlab/rendition-client/pkg/logging"
)

// Prometheus metrics for journal polling.
var (
	journalEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendition_journal_events_total",
		Help: "Total journal events received by type",
	}, []string{"type"})

	journalPollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendition_journal_poll_errors_total",
		Help: "Total transient journal polling errors",
	})
)

// Config holds the poller configuration.
type Config struct {
	// JournalURL is the subscription handle returned by register.
	JournalURL string

	// Token is the bearer token attached to poll requests.
	Token string

	// APIKey is sent as the x-api-key header.
	APIKey string

	// OrgID is sent as the x-org-id header.
	OrgID string

	// PollInterval is the wait between polls when no retry-after guidance
	// is given (default 2s).
	PollInterval time.Duration

	// Timeout per poll request (default 30s).
	Timeout time.Duration
}

// DefaultConfig returns a poller configuration with safe defaults.
func DefaultConfig(journalURL, token string) Config {
	return Config{
		JournalURL:   journalURL,
		Token:        token,
		PollInterval: 2 * time.Second,
		Timeout:      30 * time.Second,
	}
}

// feed is the wire shape of one journal page.
type feed struct {
	Events []envelope `json:"events"`
}

// envelope wraps each journal entry.
type envelope struct {
	Event Event `json:"event"`
}

// Poller polls a journal URL and emits its events on a channel. It
// implements Source.
//
// Transient failures (network errors, bad pages, non-2xx statuses) are
// forwarded on the error channel and never stop the loop. When no consumer
// is draining the error channel, errors are logged and dropped so an
// unobserved failure cannot stall polling.
type Poller struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger

	events chan Event
	errs   chan error
	stopCh chan struct{}
	stop   sync.Once
}

// NewPoller creates a poller. Call Start to begin polling.
func NewPoller(cfg Config) (*Poller, error) {
	if cfg.JournalURL == "" {
		return nil, fmt.Errorf("journal URL is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Poller{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     logging.NewLogger("journal"),
		events:     make(chan Event, 64),
		errs:       make(chan error, 16),
		stopCh:     make(chan struct{}),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (p *Poller) SetHTTPClient(client *http.Client) {
	p.httpClient = client
}

// Start launches the polling loop.
func (p *Poller) Start() {
	go p.loop()
}

// Events implements Source.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Errors implements Source.
func (p *Poller) Errors() <-chan error {
	return p.errs
}

// Stop implements Source. Idempotent.
func (p *Poller) Stop() {
	p.stop.Do(func() {
		close(p.stopCh)
	})
}

// loop polls until Stop is called.
func (p *Poller) loop() {
	defer close(p.events)

	p.logger.Info().
		Str("journal", p.config.JournalURL).
		Msg("Journal polling started")

	for {
		wait := p.pollOnce()

		select {
		case <-p.stopCh:
			p.logger.Info().Msg("Journal polling stopped")
			return
		case <-time.After(wait):
		}
	}
}

// pollOnce fetches one journal page and returns the wait before the next poll.
func (p *Poller) pollOnce() time.Duration {
	req, err := http.NewRequest(http.MethodGet, p.config.JournalURL, nil)
	if err != nil {
		p.report(fmt.Errorf("create journal request: %w", err))
		return p.config.PollInterval
	}

	req.Header.Set("Authorization", "Bearer "+p.config.Token)
	req.Header.Set("Accept", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("x-api-key", p.config.APIKey)
	}
	if p.config.OrgID != "" {
		req.Header.Set("x-org-id", p.config.OrgID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.report(fmt.Errorf("journal poll: %w", err))
		return p.config.PollInterval
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return p.waitFromHeader(resp.Header)

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := p.waitFromHeader(resp.Header)
		p.logger.Warn().
			Dur("backoff", wait).
			Msg("Journal poll rate limited")
		return wait

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		raw, _ := io.ReadAll(resp.Body)
		p.report(fmt.Errorf("journal poll returned status %d: %s", resp.StatusCode, string(raw)))
		return p.config.PollInterval
	}

	var page feed
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		p.report(fmt.Errorf("decode journal page: %w", err))
		return p.config.PollInterval
	}

	for _, entry := range page.Events {
		journalEventsTotal.WithLabelValues(entry.Event.Type).Inc()
		select {
		case p.events <- entry.Event:
		case <-p.stopCh:
			return p.config.PollInterval
		}
	}

	if len(page.Events) > 0 {
		p.logger.Debug().
			Int("events", len(page.Events)).
			Msg("Journal page delivered")
		// more events may be pending, poll again promptly
		return 10 * time.Millisecond
	}

	return p.waitFromHeader(resp.Header)
}

// waitFromHeader honors a retry-after header on journal responses,
// falling back to the configured poll interval.
func (p *Poller) waitFromHeader(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return p.config.PollInterval
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err != nil || seconds <= 0 {
		return p.config.PollInterval
	}
	return time.Duration(seconds) * time.Second
}

// report forwards a transient error without ever blocking the poll loop.
func (p *Poller) report(err error) {
	journalPollErrorsTotal.Inc()
	select {
	case p.errs <- err:
	default:
		// no consumer listening, log and continue
		p.logger.Warn().Err(err).Msg("Journal poll error (no error consumer, dropped)")
	}
}
