package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

// worker owns one upstream session and drives one request at a time:
// idle, connecting, sending, waiting, idle again. All fields except the
// conn pointer are touched only by the worker goroutine; the conn
// pointer sits behind a mutex so the dispatcher and Shutdown can drop
// the session from outside.
type worker struct {
	id  int
	c   *Client
	log zerolog.Logger

	reqs chan *RequestInfo
	stop chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool

	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	resolve func(ctx context.Context, host string) ([]string, error)

	// endpoint cache, reset when a request targets a different host:port
	target     string
	addr       string
	resolved   bool
	reconnects int

	connMu sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
}

func newWorker(id int, c *Client) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:     id,
		c:      c,
		log:    c.log.With().Int("worker", id).Logger(),
		reqs:   make(chan *RequestInfo, 1),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	w.dial = c.cfg.DialContext
	if w.dial == nil {
		w.dial = (&net.Dialer{}).DialContext
	}
	w.resolve = c.cfg.Resolve
	if w.resolve == nil {
		w.resolve = net.DefaultResolver.LookupHost
	}
	return w
}

func (w *worker) run() {
	defer w.c.workerWg.Done()
	for {
		select {
		case <-w.stop:
			w.drainOnStop()
			return
		case ri := <-w.reqs:
			w.process(ri)
			if !w.c.post(func() { w.c.workerDone(w.id) }) {
				return
			}
		}
	}
}

// drainOnStop settles a request that raced into the channel while the
// pool was tearing down.
func (w *worker) drainOnStop() {
	select {
	case ri := <-w.reqs:
		ri.handle.Fail(fmt.Errorf("request %s %s: %w", ri.Method, ri.URL, task.ErrShutdown))
	default:
	}
}

func (w *worker) process(ri *RequestInfo) {
	start := time.Now()
	resp, err := w.roundTrip(ri)
	if err != nil {
		if w.stopping.Load() {
			err = fmt.Errorf("request %s %s: %w", ri.Method, ri.URL, task.ErrShutdown)
		}
		observability.ObserveUpstream(task.KindOf(err), time.Since(start).Seconds())
		ri.handle.Fail(err)
		return
	}
	observability.ObserveUpstream("ok", time.Since(start).Seconds())
	ri.handle.Resolve(resp)
}

func (w *worker) roundTrip(ri *RequestInfo) (*Response, error) {
	w.maybeResetTarget(canonicalTarget(ri.URL))

	if !w.resolved {
		if err := w.resolveTarget(); err != nil {
			return nil, err
		}
	}

	conn, br, err := w.acquireSession()
	if err != nil {
		return nil, err
	}

	req, err := w.buildRequest(ri)
	if err != nil {
		return nil, err
	}

	// one deadline covers send and receive for the whole transaction
	if err := conn.SetDeadline(time.Now().Add(w.c.cfg.RequestTimeout)); err != nil {
		w.dropSession()
		return nil, fmt.Errorf("deadline %s: %w: %w", w.target, task.ErrNetwork, err)
	}

	if err := req.Write(conn); err != nil {
		w.dropSession()
		return nil, w.ioError("write", err)
	}

	resp, err := http.ReadResponse(br, req)
	if err != nil {
		w.dropSession()
		return nil, w.ioError("read header", err)
	}
	body, err := io.ReadAll(resp.Body)
	if cerr := resp.Body.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		w.dropSession()
		return nil, w.ioError("read body", err)
	}

	_ = conn.SetDeadline(time.Time{})
	if resp.Close {
		// server refused keep-alive for this session
		w.dropSession()
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// maybeResetTarget drops the endpoint cache and the live session when
// the request targets a different host:port than the current one.
func (w *worker) maybeResetTarget(target string) {
	if w.target == target {
		return
	}
	w.target = target
	w.addr = ""
	w.resolved = false
	w.reconnects = 0
	w.dropSession()
}

// resolveTarget runs the DNS lookup on the worker goroutine; the
// dispatcher never blocks behind a slow resolver.
func (w *worker) resolveTarget() error {
	host, port, err := net.SplitHostPort(w.target)
	if err != nil {
		host, port = w.target, "80"
	}
	addrs, err := w.resolve(w.ctx, host)
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = errors.New("no addresses")
		}
		return fmt.Errorf("resolve %s: %w: %w", host, task.ErrResolution, err)
	}
	w.addr = net.JoinHostPort(addrs[0], port)
	w.resolved = true
	return nil
}

// acquireSession returns the live keep-alive session or dials a new
// one: ConnectTimeout per attempt, at most ConnectAttempts attempts,
// consecutive failure count reset on success.
func (w *worker) acquireSession() (net.Conn, *bufio.Reader, error) {
	if conn, br := w.session(); conn != nil {
		return conn, br, nil
	}

	var lastErr error
	attempts := w.c.cfg.ConnectAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		dctx, cancel := context.WithTimeout(w.ctx, w.c.cfg.ConnectTimeout)
		conn, err := w.dial(dctx, "tcp", w.addr)
		cancel()
		observability.IncConnectAttempt(err == nil)
		if err == nil {
			w.reconnects = 0
			br := bufio.NewReader(conn)
			if !w.setSession(conn, br) {
				return nil, nil, fmt.Errorf("connect %s: %w", w.addr, task.ErrShutdown)
			}
			return conn, br, nil
		}
		lastErr = err
		w.reconnects++
		w.log.Debug().Err(err).Int("attempt", attempt).Str("addr", w.addr).Msg("connect failed")
		if w.stopping.Load() {
			break
		}
	}
	w.log.Warn().Err(lastErr).Str("addr", w.addr).Int("attempts", attempts).Msg("connect attempts exhausted")
	return nil, nil, fmt.Errorf("connect %s: %w: %w", w.addr, task.ErrConnection, lastErr)
}

func (w *worker) buildRequest(ri *RequestInfo) (*http.Request, error) {
	var bodyReader io.Reader
	if ri.Body != nil {
		bodyReader = bytes.NewReader(ri.Body)
	}
	req, err := http.NewRequest(ri.Method, ri.URL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w: %w", ri.Method, ri.URL, task.ErrInternal, err)
	}
	for k, vs := range ri.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if ri.Body != nil {
		req.ContentLength = int64(len(ri.Body))
	}
	if ua := w.c.cfg.UserAgent; ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", ua)
	}
	return req, nil
}

func (w *worker) ioError(stage string, err error) error {
	kind := task.ErrNetwork
	var nerr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		kind = task.ErrTimeout
	}
	return fmt.Errorf("%s %s: %w: %w", stage, w.target, kind, err)
}

func (w *worker) session() (net.Conn, *bufio.Reader) {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	return w.conn, w.br
}

// setSession installs a fresh session. It refuses during shutdown so a
// conn dialed concurrently with abort cannot outlive the pool.
func (w *worker) setSession(conn net.Conn, br *bufio.Reader) bool {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.stopping.Load() {
		_ = conn.Close()
		return false
	}
	w.conn, w.br = conn, br
	return true
}

// dropSession closes and forgets the live session. Called by the worker
// on transaction errors, by the dispatcher when the worker goes idle,
// and by abort.
func (w *worker) dropSession() {
	w.connMu.Lock()
	conn := w.conn
	w.conn, w.br = nil, nil
	w.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// abort interrupts whatever the worker is doing: cancels dials and
// lookups, closes the session under any in-flight read, and stops the
// run loop. The in-flight handle settles with ErrShutdown.
func (w *worker) abort() {
	w.stopping.Store(true)
	w.cancel()
	w.dropSession()
	close(w.stop)
}

func canonicalTarget(u *url.URL) string {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}
	return host
}
