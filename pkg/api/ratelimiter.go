package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ==========================
// Per-client request queues
// ==========================

// RequestKind separates cheap calls from exports and uploads. Both kinds go
// through the same per-client queue; only heavy ones leave a cooldown behind,
// so a browser that keeps re-downloading the PDF slows only itself.
type RequestKind int

const (
	RequestGeneral RequestKind = iota
	// RequestHeavy calls (PDF/XLSX exports, spreadsheet imports) are
	// serialised per client with a cooldown after each one.
	RequestHeavy
)

const maxQueuedPerClient = 16

// RateLimiter queues requests per client. Each client has a worker
// goroutine that hands out one permit at a time.
type RateLimiter struct {
	heavyCooldown time.Duration
	requests      chan keyedRequest
	now           func() time.Time
}

type keyedRequest struct {
	client string
	req    clientRequest
}

type clientRequest struct {
	ctx   context.Context
	kind  RequestKind
	reply chan permitReply
}

type permitReply struct {
	release chan struct{}
	waited  time.Duration
	err     error
}

// Permit is held while a request runs.
type Permit struct {
	release chan struct{}
	// Waited is how long the request queued or cooled down.
	Waited time.Duration
}

// Release lets the client's next request through. Idempotent.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewRateLimiter starts the dispatcher goroutine.
func NewRateLimiter(heavyCooldown time.Duration) *RateLimiter {
	l := &RateLimiter{
		heavyCooldown: heavyCooldown,
		requests:      make(chan keyedRequest),
		now:           time.Now,
	}
	go l.loop()
	return l
}

// Acquire waits for the client's turn. A nil limiter grants immediately.
func (l *RateLimiter) Acquire(ctx context.Context, client string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return &Permit{}, nil
	}
	reply := make(chan permitReply, 1)
	started := l.now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- keyedRequest{client: client, req: clientRequest{ctx: ctx, kind: kind, reply: reply}}:
	}
	select {
	case <-ctx.Done():
		// The worker may still grant; hand the permit straight back.
		go func() {
			if resp := <-reply; resp.release != nil {
				close(resp.release)
			}
		}()
		return nil, ctx.Err()
	case resp := <-reply:
		if resp.err != nil {
			return nil, resp.err
		}
		waited := l.now().Sub(started)
		if resp.waited > waited {
			waited = resp.waited
		}
		return &Permit{release: resp.release, Waited: waited}, nil
	}
}

func (l *RateLimiter) loop() {
	workers := make(map[string]chan clientRequest)
	for keyed := range l.requests {
		ch, ok := workers[keyed.client]
		if !ok {
			ch = make(chan clientRequest, maxQueuedPerClient)
			workers[keyed.client] = ch
			go l.worker(ch)
		}
		// A busy client must not stall the dispatcher for everyone else.
		select {
		case ch <- keyed.req:
		default:
			keyed.req.reply <- permitReply{err: errTooManyRequests}
		}
	}
}

func (l *RateLimiter) worker(requests <-chan clientRequest) {
	var lastHeavy time.Time
	for req := range requests {
		var cooled time.Duration
		if req.kind == RequestHeavy && !lastHeavy.IsZero() {
			if wait := lastHeavy.Add(l.heavyCooldown).Sub(l.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-req.ctx.Done():
					timer.Stop()
					req.reply <- permitReply{err: req.ctx.Err()}
					continue
				case <-timer.C:
					cooled = wait
				}
			}
		}

		release := make(chan struct{})
		select {
		case <-req.ctx.Done():
			req.reply <- permitReply{err: req.ctx.Err()}
			continue
		case req.reply <- permitReply{release: release, waited: cooled}:
		}
		<-release

		if req.kind == RequestHeavy {
			lastHeavy = l.now()
		}
	}
}

// ==========================
// Sign-in throttling
// ==========================

// LoginLimiter is a token bucket per client for sign-in attempts. Buckets
// live in a plain map under a mutex: Allow is a few map operations and never
// blocks, so a dedicated goroutine would add nothing.
type LoginLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*loginBucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type loginBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLoginLimiter allows perMinute attempts per client with the same burst.
func NewLoginLimiter(perMinute int) *LoginLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &LoginLimiter{
		limiters: make(map[string]*loginBucket),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		// A bucket idle this long has refilled, so dropping it loses nothing.
		idle: 2 * time.Minute,
		now:  time.Now,
	}
}

// Allow consumes one attempt for client.
func (l *LoginLimiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.limiters {
			if now.Sub(b.seen) >= l.idle {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.limiters[client]
	if !ok {
		b = &loginBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[client] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	l.mu.Unlock()
	return allowed
}

func (l *LoginLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// clientIP is the peer address. Forwarded headers only count when the
// server runs behind a trusted proxy, in which case RealIP has already
// rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
