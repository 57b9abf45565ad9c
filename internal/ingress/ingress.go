// Package ingress routes public wildcard-subdomain traffic onto live
// tunnels: host dispatch, rate limiting, firewall checks, then frame
// forwarding and HTTP response reassembly.
package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/passage-dev/passage/internal/utils/subdomain"
	"github.com/passage-dev/passage/pkg/tunnel"
)

// ProjectInfo is the slice of a project record the router needs when no
// tunnel is live for a subdomain.
type ProjectInfo struct {
	ID   string
	Name string
}

// ProjectResolver reports the project owning a subdomain, nil when none
// exists. Implemented by the project service.
type ProjectResolver func(ctx context.Context, sub string) (*ProjectInfo, error)

// FirewallDecision is the outcome of a firewall evaluation.
type FirewallDecision struct {
	Blocked bool
	Reason  string
	// Logged reports whether an access request row was recorded for the
	// blocked attempt.
	Logged bool
}

// FirewallFunc evaluates project rules for one request. Implemented by
// the firewall service; a nil func disables filtering.
type FirewallFunc func(ctx context.Context, projectID, method, path, clientIP string) FirewallDecision

// Router dispatches public requests by host: the apex falls through to
// the management API, tunnel subdomains are proxied, everything else is
// refused.
type Router struct {
	domain         string
	registry       *tunnel.Registry
	projects       ProjectResolver
	firewall       FirewallFunc
	limiter        *RateLimiter
	requestTimeout time.Duration
}

func NewRouter(domain string, registry *tunnel.Registry, projects ProjectResolver, firewall FirewallFunc, limiter *RateLimiter, requestTimeout time.Duration) *Router {
	return &Router{
		domain:         domain,
		registry:       registry,
		projects:       projects,
		firewall:       firewall,
		limiter:        limiter,
		requestTimeout: requestTimeout,
	}
}

// Middleware returns the host-dispatch middleware. Mount it first on the
// root router; apex requests continue down the chain.
func (r *Router) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, kind := subdomain.Extract(c.Request.Host, r.domain)
		switch kind {
		case subdomain.HostApex:
			c.Next()
		case subdomain.HostInvalid:
			c.String(http.StatusNotFound, "Invalid domain: %s", hostWithoutPort(c.Request.Host))
			c.Abort()
		default:
			r.handleTunnelRequest(c, sub)
			c.Abort()
		}
	}
}

func (r *Router) handleTunnelRequest(c *gin.Context, sub string) {
	ip := clientIP(c.Request)

	if r.limiter != nil && !r.limiter.Allow(ip) {
		slog.Warn("rate limit exceeded", "client_ip", ip, "subdomain", sub)
		c.String(http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	tun, ok := r.registry.Get(sub)
	if !ok {
		r.respondNoTunnel(c, sub)
		return
	}

	if r.firewall != nil {
		decision := r.firewall(c.Request.Context(), tun.ProjectID, c.Request.Method, c.Request.URL.Path, ip)
		if decision.Blocked {
			r.respondBlocked(c, decision)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, tunnel.MaxFrameSize))
	if err != nil {
		slog.Warn("failed to read public request body", "subdomain", sub, "error", err)
		c.String(http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	frame := tunnel.NewRequestFrame(
		c.Request.Method,
		c.Request.URL.Path,
		c.Request.URL.RawQuery,
		tunnel.FlattenHeaders(c.Request.Header),
		body,
	)

	ctx, cancel := context.WithTimeout(c.Request.Context(), r.requestTimeout)
	defer cancel()

	resp, err := tunnel.Forward(ctx, tun, frame)
	switch {
	case errors.Is(err, tunnel.ErrSendTimeout):
		slog.Warn("tunnel send timed out", "subdomain", sub, "request_id", frame.RequestID)
		c.String(http.StatusGatewayTimeout, "Tunnel send timeout")
		return
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("tunnel response timed out", "subdomain", sub, "request_id", frame.RequestID)
		c.String(http.StatusGatewayTimeout, "Tunnel timeout")
		return
	case err != nil:
		slog.Warn("tunnel forward failed", "subdomain", sub, "request_id", frame.RequestID, "error", err)
		c.String(http.StatusBadGateway, "Tunnel error")
		return
	case resp == nil:
		c.String(http.StatusBadGateway, "No response from tunnel")
		return
	}

	r.writeResponse(c, sub, resp)
}

func (r *Router) respondNoTunnel(c *gin.Context, sub string) {
	fullHost := sub + "." + r.domain

	project, err := r.projects(c.Request.Context(), sub)
	if err != nil {
		slog.Error("project lookup failed", "subdomain", sub, "error", err)
	}
	if project == nil {
		c.String(http.StatusNotFound, "Tunnel not found: %s", fullHost)
		return
	}

	c.String(http.StatusServiceUnavailable,
		"Project '%s' exists but tunnel is not active.\n\nStart the project to bring the tunnel up.\nSubdomain: %s\n",
		project.Name, fullHost)
}

func (r *Router) respondBlocked(c *gin.Context, decision FirewallDecision) {
	c.Header("X-Firewall-Blocked", "true")
	c.Header("X-Firewall-Reason", decision.Reason)
	if decision.Logged {
		c.Header("X-Firewall-Request-Logged", "true")
	}

	body := "Forbidden: " + decision.Reason
	if decision.Logged {
		body += "\n\nThis request has been logged. The project owner can grant temporary access."
	}
	c.String(http.StatusForbidden, body)
}

// writeResponse re-emits the agent's response, dropping the headers the
// edge recomputes.
func (r *Router) writeResponse(c *gin.Context, sub string, resp *tunnel.ResponseFrame) {
	body, err := resp.DecodedBody()
	if err != nil {
		slog.Warn("tunnel response body undecodable", "subdomain", sub, "error", err)
		c.String(http.StatusBadGateway, "Invalid response from tunnel")
		return
	}

	header := c.Writer.Header()
	for _, pair := range resp.Headers {
		if tunnel.IsStrippedResponseHeader(pair[0]) {
			continue
		}
		header.Add(pair[0], pair[1])
	}

	c.Status(resp.Status)
	if len(body) > 0 {
		if _, err := c.Writer.Write(body); err != nil {
			slog.Debug("failed to write proxied response", "subdomain", sub, "error", err)
		}
	}
}

// clientIP derives the public client address: the CDN header wins, then
// the first forwarded hop, then the peer address.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
