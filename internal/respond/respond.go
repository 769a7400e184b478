// Package respond guarantees that a request receives exactly one response.
//
// The paid pipeline writes from several places (paywall rejection, upstream
// error passthrough, settlement failure, success). Once any of them has
// produced a response the Guard seals the writer and every later write is
// dropped and logged instead of corrupting the stream.
package respond

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paygate/internal/logging"
)

var droppedWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paygate",
	Subsystem: "respond",
	Name:      "dropped_writes_total",
	Help:      "Writes attempted after a response was already sent, by route.",
}, []string{"route"})

func init() {
	prometheus.MustRegister(droppedWrites)
}

// Guard wraps gin's ResponseWriter and refuses writes once sealed.
type Guard struct {
	gin.ResponseWriter

	route   string
	logger  *slog.Logger
	sealed  atomic.Bool
	dropped atomic.Int64
}

// Middleware installs a Guard on every request.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		g := &Guard{
			ResponseWriter: c.Writer,
			route:          c.FullPath(),
			logger:         logging.L(c.Request.Context()),
		}
		c.Writer = g
		c.Next()
	}
}

// From returns the request's Guard, or nil when Middleware is not installed.
func From(c *gin.Context) *Guard {
	g, _ := c.Writer.(*Guard)
	return g
}

// Seal marks the response as complete.
func (g *Guard) Seal() { g.sealed.Store(true) }

// Sealed reports whether a response has been completed.
func (g *Guard) Sealed() bool { return g.sealed.Load() }

// Dropped returns how many writes were refused.
func (g *Guard) Dropped() int64 { return g.dropped.Load() }

func (g *Guard) drop(op string) {
	g.dropped.Add(1)
	droppedWrites.WithLabelValues(g.route).Inc()
	g.logger.Warn("write after response ignored", "route", g.route, "op", op)
}

func (g *Guard) WriteHeader(code int) {
	if g.Sealed() {
		g.drop("header")
		return
	}
	g.ResponseWriter.WriteHeader(code)
}

func (g *Guard) WriteHeaderNow() {
	if g.Sealed() {
		g.drop("header")
		return
	}
	g.ResponseWriter.WriteHeaderNow()
}

func (g *Guard) Write(b []byte) (int, error) {
	if g.Sealed() {
		g.drop("body")
		return 0, nil
	}
	return g.ResponseWriter.Write(b)
}

func (g *Guard) WriteString(s string) (int, error) {
	if g.Sealed() {
		g.drop("body")
		return 0, nil
	}
	return g.ResponseWriter.WriteString(s)
}

// Done reports whether the request already has a response, either sealed
// by a Guard or written directly.
func Done(c *gin.Context) bool {
	if g := From(c); g != nil && g.Sealed() {
		return true
	}
	return c.Writer.Written()
}

// JSON writes obj as the request's single response and aborts the chain.
// It returns false when a response was already sent.
func JSON(c *gin.Context, status int, obj any) bool {
	if Done(c) {
		if g := From(c); g != nil {
			g.drop("json")
		}
		return false
	}
	c.AbortWithStatusJSON(status, obj)
	seal(c)
	return true
}

// Error writes the standard {error, message} body.
func Error(c *gin.Context, status int, code, message string) bool {
	return JSON(c, status, gin.H{"error": code, "message": message})
}

// Data writes a raw body with its content type.
func Data(c *gin.Context, status int, contentType string, body []byte) bool {
	if Done(c) {
		if g := From(c); g != nil {
			g.drop("data")
		}
		return false
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(status, contentType, body)
	c.Abort()
	seal(c)
	return true
}

// Status writes an empty response.
func Status(c *gin.Context, status int) bool {
	return Data(c, status, "text/plain; charset=utf-8", []byte(http.StatusText(status)))
}

func seal(c *gin.Context) {
	if g := From(c); g != nil {
		g.Seal()
	}
}
