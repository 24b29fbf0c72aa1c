package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// RequestObserver records handled requests.
type RequestObserver interface {
	ObserveRequest(cmd Command, code message.ResultCode, d time.Duration)
}

// LoggingMiddleware logs every request and the result sent back.
func LoggingMiddleware(log logger.Logger) Middleware {
	log = logger.Or(log)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *message.Message {
			start := time.Now()
			cmd := req.Command()
			log.Infow("Request received",
				"peer", req.Peer.Info().OriginHost,
				"interface", cmd.Interface,
				"code", cmd.Code,
				"session_id", req.Message.SessionID())

			ans := next.ServeDiameter(ctx, req)

			rc, _ := resultOf(ans)
			log.Infow("Request processed",
				"peer", req.Peer.Info().OriginHost,
				"code", cmd.Code,
				"result_code", uint32(rc),
				"duration_ms", time.Since(start).Milliseconds())
			return ans
		})
	}
}

// MetricsMiddleware reports the result and duration of every request to obs.
func MetricsMiddleware(obs RequestObserver) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *message.Message {
			start := time.Now()
			ans := next.ServeDiameter(ctx, req)
			rc, _ := resultOf(ans)
			obs.ObserveRequest(req.Command(), rc, time.Since(start))
			return ans
		})
	}
}

// RecoveryMiddleware turns a handler panic into a DIAMETER_UNABLE_TO_COMPLY
// answer.
func RecoveryMiddleware(log logger.Logger) Middleware {
	log = logger.Or(log)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (ans *message.Message) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorw("Panic recovered in handler",
						"error", rec,
						"command", req.Command().String(),
						"peer", req.Peer.Info().OriginHost)
					ans = req.ErrorAnswer(message.ResultUnableToComply)
					ans.Add(message.NewErrorMessage(fmt.Sprint(rec)))
				}
			}()
			return next.ServeDiameter(ctx, req)
		})
	}
}

// ValidationMiddleware checks requests against d and answers rule violations
// with DIAMETER_MISSING_AVP or DIAMETER_AVP_OCCURS_TOO_MANY_TIMES, naming the
// offending AVPs in Failed-AVP.
func ValidationMiddleware(d *dict.Dictionary, log logger.Logger) Middleware {
	log = logger.Or(log)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *message.Message {
			err := d.Validate(req.Message)
			var verr *dict.ValidationError
			if !errors.As(err, &verr) {
				return next.ServeDiameter(ctx, req)
			}
			log.Warnw("Invalid request", "error", err, "peer", req.Peer.Info().OriginHost)
			ans := req.ErrorAnswer(verr.ResultCode())
			if len(verr.Failed) > 0 {
				ans.Add(message.NewFailedAVP(verr.Failed...))
			}
			return ans
		})
	}
}

// RateLimitMiddleware allows rps requests per second, with burst, from each
// Origin-Host. Requests over the limit get DIAMETER_TOO_BUSY. Limiters of
// hosts that have been idle long enough to refill are dropped.
func RateLimitMiddleware(rps float64, burst int, log logger.Logger) Middleware {
	log = logger.Or(log)
	limiters := newHostLimiters(rps, burst)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *message.Message {
			host := req.Message.OriginHost()
			if !limiters.allow(host, time.Now()) {
				log.Warnw("Rate limit exceeded", "origin_host", host, "command", req.Command().String())
				return req.ErrorAnswer(message.ResultTooBusy)
			}
			return next.ServeDiameter(ctx, req)
		})
	}
}

const limiterSweepInterval = time.Minute

// hostLimiters keeps one token bucket per Origin-Host.
type hostLimiters struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSweep time.Time
}

func newHostLimiters(rps float64, burst int) *hostLimiters {
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiters{
		rps:       rate.Limit(rps),
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
		lastSweep: time.Now(),
	}
}

func (h *hostLimiters) allow(host string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.lastSweep) >= limiterSweepInterval {
		h.sweep(now)
	}
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = l
	}
	return l.AllowN(now, 1)
}

// sweep drops full buckets; a new limiter for the host starts in the same
// state.
func (h *hostLimiters) sweep(now time.Time) {
	for host, l := range h.limiters {
		if l.TokensAt(now) >= float64(h.burst) {
			delete(h.limiters, host)
		}
	}
	h.lastSweep = now
}

func (h *hostLimiters) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.limiters)
}

// TimeoutMiddleware gives the handler timeout to answer. A late handler is
// answered with DIAMETER_UNABLE_TO_COMPLY and its own answer is discarded.
func TimeoutMiddleware(timeout time.Duration, log logger.Logger) Middleware {
	log = logger.Or(log)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next.ServeDiameter(ctx, req)
			}()

			select {
			case ans := <-done:
				return ans
			case <-ctx.Done():
				log.Warnw("Handler timeout",
					"timeout", timeout,
					"command", req.Command().String(),
					"peer", req.Peer.Info().OriginHost)
				return req.ErrorAnswer(message.ResultUnableToComply)
			}
		})
	}
}

// Chain composes middlewares, the first one outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Conditional applies mw only to requests matching cond.
func Conditional(cond func(*Request) bool, mw Middleware) Middleware {
	return func(next Handler) Handler {
		wrapped := mw(next)
		return HandlerFunc(func(ctx context.Context, req *Request) *message.Message {
			if cond(req) {
				return wrapped.ServeDiameter(ctx, req)
			}
			return next.ServeDiameter(ctx, req)
		})
	}
}

// ForApplication applies mw only to requests of appID.
func ForApplication(appID uint32, mw Middleware) Middleware {
	return Conditional(func(req *Request) bool {
		return req.Message.ApplicationID == appID
	}, mw)
}

func resultOf(ans *message.Message) (message.ResultCode, bool) {
	if ans == nil {
		return 0, false
	}
	return ans.ResultCode()
}
