package httpx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "branchbox",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "branchbox",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.provisionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "branchbox",
			Subsystem: "api",
			Name:      "provision_results_total",
			Help:      "Number of provision outcomes",
		}, []string{"outcome"})

		r.destroyResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "branchbox",
			Subsystem: "api",
			Name:      "destroy_results_total",
			Help:      "Number of destroy outcomes",
		}, []string{"outcome"})

		r.gcDestroyed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branchbox",
			Subsystem: "api",
			Name:      "gc_environments_destroyed_total",
			Help:      "Environments reclaimed by garbage collection",
		})

		r.rollbackFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branchbox",
			Subsystem: "api",
			Name:      "rollback_failures_total",
			Help:      "Rollback steps that left resources behind",
		})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "branchbox",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		collectors := []prometheus.Collector{
			r.requestTotal,
			r.requestDuration,
			r.provisionResults,
			r.destroyResults,
			r.gcDestroyed,
			r.rollbackFailures,
			r.rateLimitHits,
		}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				already, ok := err.(prometheus.AlreadyRegisteredError)
				if !ok {
					continue
				}
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					switch collector {
					case r.requestTotal:
						r.requestTotal = existing
					case r.provisionResults:
						r.provisionResults = existing
					case r.destroyResults:
						r.destroyResults = existing
					case r.rateLimitHits:
						r.rateLimitHits = existing
					}
				case *prometheus.HistogramVec:
					r.requestDuration = existing
				case prometheus.Counter:
					switch collector {
					case r.gcDestroyed:
						r.gcDestroyed = existing
					case r.rollbackFailures:
						r.rollbackFailures = existing
					}
				}
			}
		}
		r.metricsInitialized = true
	})
}

// instrument records request metrics and emits the structured access log.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequest(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func (r *Router) recordRequest(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestDuration.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordProvisionResult(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.provisionResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (r *Router) recordDestroyResult(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.destroyResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (r *Router) recordGCDestroyed(count int) {
	if !r.metricsInitialized || count <= 0 {
		return
	}
	r.gcDestroyed.Add(float64(count))
}

func (r *Router) recordRollbackFailures(count int) {
	if !r.metricsInitialized || count <= 0 {
		return
	}
	r.rollbackFailures.Add(float64(count))
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

// responseRecorder captures status and size without hiding the hijack and
// flush capabilities websocket upgrades depend on.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
