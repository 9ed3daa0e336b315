// Package client provides the rendition service client: lifecycle state
// machine over the register, process, and unregister endpoints, with
// journal-event correlation and bounded waits for asynchronous results.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/renditionlab/rendition-client/pkg/correlator"
	"github.com/renditionlab/rendition-client/pkg/journal"
	"github.com/renditionlab/rendition-client/pkg/logging"
	"github.com/renditionlab/rendition-client/pkg/retry"
	"github.com/renditionlab/rendition-client/pkg/transport"
)

// Lifecycle errors returned without any network call being made.
var (
	// ErrNotRegistered is returned by Process when Register has not
	// succeeded yet (or the client has been unregistered).
	ErrNotRegistered = errors.New("must register before processing")
)

// SourceFactory builds the event subscription for a journal handle.
// Overridable for testing; the default builds a journal.Poller.
type SourceFactory func(ctx context.Context, journalURL string) (journal.Source, error)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the rendition service.
	BaseURL string

	// Tokens supplies bearer tokens for endpoint calls and journal polls.
	Tokens transport.TokenProvider

	// APIKey is sent as the x-api-key header.
	APIKey string

	// OrgID is sent as the x-org-id header.
	OrgID string

	// Retry overrides the default retry budget (4 retries, enabled).
	// The effective budget is computed fresh on every endpoint call.
	Retry *retry.Options

	// PollInterval between journal polls (default 2s).
	PollInterval time.Duration

	// Timeout per HTTP request (default 30s).
	Timeout time.Duration
}

// Client drives the asynchronous rendition service.
//
// Lifecycle: Register, then any number of Process calls, then Unregister.
// Re-registering invalidates the previous event subscription; a
// WaitActivation outstanding across a re-registration only settles via its
// own timeout, because the old event stream is replaced.
type Client struct {
	config    Config
	transport *transport.Client
	corr      *correlator.Correlator
	logger    zerolog.Logger

	newSource SourceFactory

	// mu guards the registration flag, journal handle, and open
	// subscription. It is never held across network calls or retry
	// backoffs, so lifecycle calls stay responsive while another call
	// is rate limited.
	mu         sync.Mutex
	registered bool
	journalURL string
	source     journal.Source
}

// New creates a client. The client identity used to filter the shared
// event stream is generated here and lives as long as the client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}

	tc, err := transport.New(transport.Config{
		BaseURL: cfg.BaseURL,
		Tokens:  cfg.Tokens,
		APIKey:  cfg.APIKey,
		OrgID:   cfg.OrgID,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	clientID := uuid.NewString()

	c := &Client{
		config:    cfg,
		transport: tc,
		corr:      correlator.New(clientID),
		logger:    logging.NewLogger("client").With().Str("client_id", clientID).Logger(),
	}
	c.newSource = c.defaultSource

	return c, nil
}

// NewRegistered creates a client and registers it in one call. When
// registration fails no client is handed back.
func NewRegistered(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Register(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ClientID returns the identity stamped onto outgoing requests.
func (c *Client) ClientID() string {
	return c.corr.ClientID()
}

// Registered reports whether the client currently holds a registration.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Errors returns the channel internal-consistency faults are reported on.
func (c *Client) Errors() <-chan error {
	return c.corr.Errors()
}

// SetSourceFactory replaces the event subscription factory (for testing).
func (c *Client) SetSourceFactory(f SourceFactory) {
	c.newSource = f
}

// Transport returns the underlying transport client (for testing).
func (c *Client) Transport() *transport.Client {
	return c.transport
}

// Register calls the remote registration endpoint and stores the returned
// journal handle. An event subscription left over from a previous
// registration is torn down first: a new registration invalidates the old
// event stream.
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	if c.source != nil {
		c.logger.Info().Msg("Re-registering, tearing down previous event subscription")
		c.source.Stop()
		c.source = nil
	}
	c.mu.Unlock()

	var resp *transport.RegisterResponse
	err := retry.Do(ctx, transport.EndpointRegister, c.retryBudget(), func(ctx context.Context) error {
		r, err := c.transport.Register(ctx)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.journalURL = resp.Journal
	c.registered = true
	c.mu.Unlock()

	c.logger.Info().
		Str("request_id", resp.RequestID).
		Msg("Registered with rendition service")

	return nil
}

// Process submits one batch of renditions for the given source. Every
// rendition is stamped with its position and the batch size, and the batch
// with the client identity, all on copies; caller-supplied objects are
// never mutated. The server-issued request identifier is returned for use
// with WaitActivation.
//
// Process fails with ErrNotRegistered, without any network call, when
// Register has not succeeded.
func (c *Client) Process(ctx context.Context, source any, renditions []transport.Rendition, userData map[string]any) (string, error) {
	c.mu.Lock()
	registered := c.registered
	c.mu.Unlock()

	if !registered {
		return "", ErrNotRegistered
	}
	if len(renditions) == 0 {
		return "", fmt.Errorf("at least one rendition is required")
	}

	if err := c.ensureSource(ctx); err != nil {
		return "", err
	}

	req := transport.ProcessRequest{
		Source:     source,
		Renditions: c.corr.StampRenditions(renditions),
		UserData:   c.corr.StampBatch(userData),
	}

	var resp *transport.ProcessResponse
	err := retry.Do(ctx, transport.EndpointProcess, c.retryBudget(), func(ctx context.Context) error {
		// retries marshal from a fresh clone, never from caller state
		r, err := c.transport.Process(ctx, req.Clone())
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return "", err
	}

	c.corr.Track(resp.RequestID, len(renditions))

	c.logger.Info().
		Str("request_id", resp.RequestID).
		Int("renditions", len(renditions)).
		Msg("Batch submitted")

	return resp.RequestID, nil
}

// ensureSource opens the event subscription lazily on the first process
// call after a (re-)registration. The factory may perform network work, so
// it runs outside the lock; when two callers race, the loser's source is
// stopped and the winner's kept.
func (c *Client) ensureSource(ctx context.Context) error {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	if c.source != nil {
		c.mu.Unlock()
		return nil
	}
	journalURL := c.journalURL
	c.mu.Unlock()

	src, err := c.newSource(ctx, journalURL)
	if err != nil {
		return fmt.Errorf("open event subscription: %w", err)
	}

	c.mu.Lock()
	switch {
	case !c.registered:
		c.mu.Unlock()
		src.Stop()
		return ErrNotRegistered
	case c.source != nil:
		c.mu.Unlock()
		src.Stop()
		return nil
	}
	c.source = src
	c.mu.Unlock()

	go c.pump(src)
	c.logger.Info().Msg("Event subscription opened")
	return nil
}

// WaitActivation blocks until every rendition of the given request has
// reported, returning the events index-aligned with the submitted
// renditions, or fails with a timeout or protocol violation.
func (c *Client) WaitActivation(ctx context.Context, requestID string, timeout time.Duration) ([]journal.Event, error) {
	return c.corr.WaitActivation(ctx, requestID, timeout)
}

// Wait blocks until no rendition work remains outstanding. It returns
// immediately when nothing is pending.
func (c *Client) Wait(ctx context.Context, timeout time.Duration) error {
	return c.corr.Wait(ctx, timeout)
}

// Pending returns the number of renditions submitted and not yet reported.
func (c *Client) Pending() int {
	return c.corr.Pending()
}

// Unregister calls the remote unregistration endpoint and tears down the
// event subscription. Local registration state is cleared even when the
// remote call fails; the remote error (e.g. a 404 for a client that never
// registered) propagates unchanged.
func (c *Client) Unregister(ctx context.Context) error {
	var resp *transport.UnregisterResponse
	err := retry.Do(ctx, transport.EndpointUnregister, c.retryBudget(), func(ctx context.Context) error {
		r, uerr := c.transport.Unregister(ctx)
		if uerr != nil {
			return uerr
		}
		resp = r
		return nil
	})

	c.mu.Lock()
	c.registered = false
	c.journalURL = ""
	src := c.source
	c.source = nil
	c.mu.Unlock()

	if src != nil {
		src.Stop()
	}

	if err != nil {
		return err
	}

	c.logger.Info().
		Str("request_id", resp.RequestID).
		Msg("Unregistered from rendition service")

	return nil
}

// Close tears down the event subscription only; registration state is
// untouched. Idempotent no-op when nothing is open.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source != nil {
		c.source.Stop()
		c.source = nil
		c.logger.Info().Msg("Event subscription closed")
	}
}

// retryBudget computes the effective retry options for one endpoint call.
func (c *Client) retryBudget() retry.Options {
	return retry.DefaultOptions().Merge(c.config.Retry)
}

// defaultSource builds a journal poller for the given handle.
func (c *Client) defaultSource(ctx context.Context, journalURL string) (journal.Source, error) {
	token, err := c.config.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	cfg := journal.DefaultConfig(journalURL, token)
	cfg.APIKey = c.config.APIKey
	cfg.OrgID = c.config.OrgID
	if c.config.PollInterval > 0 {
		cfg.PollInterval = c.config.PollInterval
	}
	if c.config.Timeout > 0 {
		cfg.Timeout = c.config.Timeout
	}

	poller, err := journal.NewPoller(cfg)
	if err != nil {
		return nil, err
	}
	poller.Start()
	return poller, nil
}

// pump feeds subscription events into the correlator until the source
// closes. Polling errors are logged here so an unconsumed error can never
// stall delivery.
func (c *Client) pump(src journal.Source) {
	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			c.corr.Deliver(ev)
		case err := <-src.Errors():
			c.logger.Warn().Err(err).Msg("Journal poll error, polling continues")
		}
	}
}
