// Package app wires one instance of every tracker component together and
// owns the transport lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skier233/Stash-AIServer-sub000/internal/bus"
	"github.com/skier233/Stash-AIServer-sub000/internal/cancel"
	"github.com/skier233/Stash-AIServer-sub000/internal/config"
	"github.com/skier233/Stash-AIServer-sub000/internal/jobsapi"
	"github.com/skier233/Stash-AIServer-sub000/internal/kv"
	"github.com/skier233/Stash-AIServer-sub000/internal/metrics"
	"github.com/skier233/Stash-AIServer-sub000/internal/mux"
	"github.com/skier233/Stash-AIServer-sub000/internal/recent"
	"github.com/skier233/Stash-AIServer-sub000/internal/tracking"
	"github.com/skier233/Stash-AIServer-sub000/internal/transport"
)

type options struct {
	log       *slog.Logger
	store     kv.Store
	dialer    transport.Dialer
	reg       prometheus.Registerer
	publisher bus.Publisher
	clock     tracking.Clock
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStore replaces the SQLite history database. The caller keeps
// ownership of s.
func WithStore(s kv.Store) Option {
	return func(o *options) { o.store = s }
}

func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRegisterer enables push channel metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithPublisher mirrors outcomes through p instead of dialing NATS_URL.
func WithPublisher(p bus.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithClock(c tracking.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Client is the tracker as seen by a host page: it tracks ids, cancels work
// and keeps the recent outcomes log.
type Client struct {
	cfg  config.Config
	opts options
	log  *slog.Logger

	store     kv.Store
	ownsStore bool
	nats      *bus.Client
	metrics   *metrics.Metrics

	cache   *recent.Cache
	mux     *mux.Mux
	tracker *tracking.Store
	cancel  *cancel.Coordinator
	poll    *poller

	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	server    config.Server
	sessionID string
	conn      *transport.Conn
	jobs      *jobsapi.Client
}

func New(cfg config.Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	c := &Client{
		cfg:       cfg,
		opts:      o,
		log:       o.log,
		server:    cfg.Server,
		sessionID: uuid.NewString(),
	}

	if o.store != nil {
		c.store = o.store
	} else {
		s, err := kv.OpenSQLite(cfg.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		c.store, c.ownsStore = s, true
	}

	if o.reg != nil {
		c.metrics = metrics.New(o.reg)
	}

	pub := o.publisher
	if pub == nil && cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			c.log.Warn("outcome bus unavailable", "nats_url", cfg.NATSURL, "err", err)
		} else {
			c.nats = nc
			pub = nc
			c.log.Info("connected to NATS", "nats_url", cfg.NATSURL)
		}
	}

	cacheOpts := []recent.Option{recent.WithCapacity(cfg.HistoryCapacity), recent.WithLogger(o.log)}
	if pub != nil {
		cacheOpts = append(cacheOpts, recent.WithObserver(bus.NewOutcomes(pub, cfg.OutcomeSubject, o.log).Observe))
	}
	c.cache = recent.New(c.store, cacheOpts...)

	c.jobs = c.newJobs(c.server)
	c.mux = mux.New(nil, mux.WithLogger(o.log), mux.WithMetrics(c.metrics))
	c.poll = newPoller(cfg.PollInterval, c.refresh, o.log.With("component", "poll"))
	c.conn = c.newConn(c.server, c.sessionID)
	c.mux.Rebind(c.conn)

	trackOpts := []tracking.Option{
		tracking.WithGrace(cfg.TaskGrace, cfg.JobGrace),
		tracking.WithLogger(o.log),
	}
	if o.clock != nil {
		trackOpts = append(trackOpts, tracking.WithClock(o.clock))
	}
	c.tracker = tracking.NewStore(c.mux, c.cache, trackOpts...)
	c.cancel = cancel.New(jobsRouter{c}, c.mux, c.tracker, cancel.WithLogger(o.log))
	return c, nil
}

func (c *Client) newConn(server config.Server, sessionID string) *transport.Conn {
	return transport.New(transport.Options{
		URL:            server.WebSocketURL(),
		SessionID:      sessionID,
		ConnectTimeout: c.cfg.ConnectTimeout,
		ReconnectBase:  c.cfg.ReconnectBase,
		MaxReconnects:  c.cfg.MaxReconnects,
		Dialer:         c.opts.dialer,
		Handler:        channel{mux: c.mux, poll: c.poll},
		Logger:         c.log,
		Metrics:        c.metrics,
	})
}

func (c *Client) newJobs(server config.Server) *jobsapi.Client {
	prefix := server.APIPrefix
	if prefix == "" {
		prefix = jobsapi.DefaultPrefix
	}
	return jobsapi.NewClient(server.BaseURL(), jobsapi.WithTimeout(c.cfg.HTTPTimeout), jobsapi.WithPrefix(prefix))
}

// Connect opens the push channel. Records tracked while the channel was
// down are subscribed once it opens. When it cannot be opened the records
// are polled over REST instead and the error is still returned.
func (c *Client) Connect(ctx context.Context) error {
	conn := c.Transport()
	wasOpen := conn.State() == transport.StateOpen
	if err := conn.Connect(ctx); err != nil {
		if !errors.Is(err, transport.ErrConnectInProgress) {
			c.poll.start()
		}
		return err
	}
	if !wasOpen {
		if n := c.tracker.Resubscribe(); n > 0 {
			c.log.Info("subscribed pending records", "count", n)
		}
	}
	return nil
}

// Reconfigure points the client at a different server. The old transport
// is disconnected and replaced, never edited in place.
func (c *Client) Reconfigure(ctx context.Context, server config.Server) error {
	c.mu.Lock()
	if server == c.server {
		c.mu.Unlock()
		return nil
	}
	old := c.conn
	c.mu.Unlock()

	old.Disconnect()

	c.mu.Lock()
	c.server = server
	c.sessionID = uuid.NewString()
	c.conn = c.newConn(server, c.sessionID)
	c.jobs = c.newJobs(server)
	conn := c.conn
	c.mu.Unlock()

	c.mux.Rebind(conn)
	c.log.Info("server reconfigured", "url", server.WebSocketURL())

	err := conn.Connect(ctx)
	n := c.tracker.Resubscribe()
	if err != nil {
		c.poll.start()
		return fmt.Errorf("connect %s: %w", server.WebSocketURL(), err)
	}
	c.log.Info("resubscribed active records", "count", n)
	return nil
}

// Close disconnects and releases the resources the client opened itself.
// Calls after the first return its result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.poll.close()
		c.Transport().Disconnect()
		c.nats.Close()
		if c.ownsStore {
			c.closeErr = c.store.Close()
		}
	})
	return c.closeErr
}

func (c *Client) Tracker() *tracking.Store { return c.tracker }

func (c *Client) Cancel() *cancel.Coordinator { return c.cancel }

func (c *Client) Recent() *recent.Cache { return c.cache }

func (c *Client) Mux() *mux.Mux { return c.mux }

func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Transport is the current push channel. It changes on Reconfigure.
func (c *Client) Transport() *transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) Jobs() *jobsapi.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs
}

func (c *Client) Server() config.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// jobsRouter follows the current REST client across reconfigures.
type jobsRouter struct{ c *Client }

func (r jobsRouter) CancelTask(ctx context.Context, taskID string) error {
	return r.c.Jobs().CancelTask(ctx, taskID)
}

func (r jobsRouter) GetJob(ctx context.Context, jobID string) (jobsapi.JobDetail, error) {
	return r.c.Jobs().GetJob(ctx, jobID)
}
