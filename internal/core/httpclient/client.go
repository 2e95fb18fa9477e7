// Package httpclient drives upstream fetches over a fixed pool of
// keep-alive HTTP/1.1 workers with a strict FIFO overflow queue.
//
// A dispatcher goroutine owns all scheduling state (which worker is
// busy, the pending queue, the stopped latch); everything else talks to
// it by posting commands. Each worker goroutine owns one upstream
// session and drives one request at a time. Handle callbacks never run
// on the dispatcher goroutine, so callers may block on a handle from
// anywhere without deadlocking the pool.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

const (
	DefaultWorkers         = 4
	DefaultConnectTimeout  = 3 * time.Second
	DefaultConnectAttempts = 3
	DefaultRequestTimeout  = 50 * time.Second
)

// Handle settles with the buffered upstream response or an error kind.
type Handle = task.Handle[*Response]

// Response is a fully buffered upstream reply.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// RequestInfo is the live representation of one upstream round trip.
type RequestInfo struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	handle   *Handle
	enqueued time.Time
}

type Config struct {
	Workers         int           // pool size
	ConnectTimeout  time.Duration // per connect attempt
	ConnectAttempts int           // connect attempts per request
	RequestTimeout  time.Duration // session acquisition to last body byte
	UserAgent       string

	// DialContext and Resolve override the socket dial and the DNS
	// lookup. Defaults use net.Dialer and net.DefaultResolver; tests
	// inject failures through these.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	Resolve     func(ctx context.Context, host string) ([]string, error)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

type Client struct {
	cfg Config
	log zerolog.Logger

	cmds chan func()
	quit chan struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
	workerWg sync.WaitGroup

	// dispatcher-owned, touched only inside posted commands
	workers []*worker
	busy    []bool
	pending []*RequestInfo
}

func New(cfg Config, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:  cfg,
		log:  log.With().Str("component", "httpclient").Logger(),
		cmds: make(chan func()),
		quit: make(chan struct{}),
	}
	c.workers = make([]*worker, cfg.Workers)
	c.busy = make([]bool, cfg.Workers)
	for i := range c.workers {
		w := newWorker(i, c)
		c.workers[i] = w
		c.workerWg.Add(1)
		go w.run()
	}
	go c.loop()
	return c
}

func (c *Client) loop() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post runs fn on the dispatcher goroutine. Reports false when the
// client is already torn down and fn will never run.
func (c *Client) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Client) postWait(fn func()) bool {
	done := make(chan struct{})
	ok := c.post(func() {
		fn()
		close(done)
	})
	if !ok {
		return false
	}
	<-done
	return true
}

// Request submits one upstream round trip; h settles exactly once with
// the response or an error kind. A request body is sent with an explicit
// Content-Length. The request goes to the first idle worker in fixed
// scan order and queues FIFO when every worker is busy. Plain http only.
func (c *Client) Request(h *Handle, method, rawURL string, header http.Header, body []byte) {
	if h == nil {
		return
	}
	if c.stopped.Load() {
		h.Fail(fmt.Errorf("request %s %s: %w", method, rawURL, task.ErrShutdown))
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		h.Fail(fmt.Errorf("request %s %q: %w: %w", method, rawURL, task.ErrInternal, err))
		return
	}
	if u.Scheme != "http" || u.Host == "" {
		h.Fail(fmt.Errorf("request %s %q: unsupported url: %w", method, rawURL, task.ErrInternal))
		return
	}
	ri := &RequestInfo{
		Method:   method,
		URL:      u,
		Header:   header,
		Body:     body,
		handle:   h,
		enqueued: time.Now(),
	}
	if !c.post(func() { c.dispatch(ri) }) {
		h.Fail(fmt.Errorf("request %s %s: %w", method, rawURL, task.ErrShutdown))
	}
}

// RequestAndWait submits the request and blocks until it settles or ctx
// ends. On ctx expiry the request keeps running and settles the handle
// later.
func (c *Client) RequestAndWait(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	h := task.New[*Response]()
	c.Request(h, method, rawURL, header, body)
	return h.Wait(ctx)
}

// dispatch runs on the dispatcher goroutine.
func (c *Client) dispatch(ri *RequestInfo) {
	if c.stopped.Load() {
		ri.handle.Fail(fmt.Errorf("request %s %s: %w", ri.Method, ri.URL, task.ErrShutdown))
		return
	}
	for i, w := range c.workers {
		if c.busy[i] {
			continue
		}
		c.busy[i] = true
		select {
		case w.reqs <- ri:
		default:
			// an idle worker has room for exactly one request; a full
			// channel means the busy bookkeeping broke
			c.busy[i] = false
			ri.handle.Fail(fmt.Errorf("worker %d busy but marked idle: %w", i, task.ErrInternal))
		}
		c.updateGauges()
		return
	}
	c.pending = append(c.pending, ri)
	c.updateGauges()
}

// workerDone runs on the dispatcher goroutine after worker id settled
// its request: hand over the oldest pending request, or go idle and
// close the keep-alive session.
func (c *Client) workerDone(id int) {
	if len(c.pending) > 0 && !c.stopped.Load() {
		ri := c.pending[0]
		c.pending = c.pending[1:]
		c.workers[id].reqs <- ri
		c.updateGauges()
		return
	}
	c.busy[id] = false
	c.workers[id].dropSession()
	c.updateGauges()
}

func (c *Client) updateGauges() {
	n := 0
	for _, b := range c.busy {
		if b {
			n++
		}
	}
	observability.SetWorkersBusy(n)
	observability.SetPendingDepth(len(c.pending))
}

// Shutdown fails queued and in-flight work with ErrShutdown and stops
// the pool. Later requests fail synchronously. Safe to call more than
// once; concurrent callers block until teardown finishes.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)

		var orphaned []*RequestInfo
		c.postWait(func() {
			orphaned = c.pending
			c.pending = nil
			c.updateGauges()
		})
		for _, ri := range orphaned {
			ri.handle.Fail(fmt.Errorf("request %s %s: %w", ri.Method, ri.URL, task.ErrShutdown))
		}

		for _, w := range c.workers {
			w.abort()
		}
		c.workerWg.Wait()
		close(c.quit)
		c.log.Info().Int("orphaned", len(orphaned)).Msg("upstream pool stopped")
	})
}
