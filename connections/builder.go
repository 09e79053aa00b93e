// Package connections implements concrete transport connections managed by
// the blaze pool. This file contains the dialing connection builder.
package connections

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"

	"github.com/mox692/blaze/interfaces"
)

// BuilderConfig holds the dialing configuration for new connections.
type BuilderConfig struct {
	// DialTimeout bounds direct and HTTP-proxy dials. <= 0 means no bound
	// beyond the caller's context. SOCKS5 and environment-proxy dials do not
	// use it and are bounded only by the caller's context.
	DialTimeout time.Duration `json:"dial_timeout"`

	// TLSConfig is used for https keys. A nil config uses defaults; the
	// ServerName is filled from the key's host when empty.
	TLSConfig *tls.Config `json:"-"`

	// ProxyConfig routes dials through a proxy when set.
	ProxyConfig *interfaces.ProxyConfig `json:"proxy_config,omitempty"`
}

// Builder dials destinations and yields HTTP/1.1 connections. It implements
// the ConnectionBuilder capability consumed by the pool.
type Builder struct {
	config BuilderConfig
	dial   fasthttp.DialFunc
	logger interfaces.Logger
}

// NewBuilder creates a Builder with the given dialing configuration.
func NewBuilder(config BuilderConfig, logger interfaces.Logger) *Builder {
	return &Builder{
		config: config,
		dial:   configureDial(config, logger),
		logger: logger,
	}
}

// configureDial sets up the dial function based on the proxy configuration.
// It supports HTTP, SOCKS5, and environment-based proxy configurations and
// falls back to a direct dual-stack dial when the configuration is invalid.
func configureDial(config BuilderConfig, logger interfaces.Logger) fasthttp.DialFunc {
	direct := func(addr string) (net.Conn, error) {
		if config.DialTimeout > 0 {
			return fasthttp.DialDualStackTimeout(addr, config.DialTimeout)
		}
		return fasthttp.DialDualStack(addr)
	}

	proxyConfig := config.ProxyConfig
	if proxyConfig == nil {
		return direct
	}

	switch proxyConfig.Type {
	case interfaces.NoProxy:
		return direct
	case interfaces.HttpProxy:
		if proxyConfig.URL == "" {
			logger.Warn("Warning: HTTP proxy URL is required for setting up proxy")
			return direct
		}
		if config.DialTimeout > 0 {
			return fasthttpproxy.FasthttpHTTPDialerTimeout(proxyConfig.URL, config.DialTimeout)
		}
		return fasthttpproxy.FasthttpHTTPDialer(proxyConfig.URL)
	case interfaces.Socks5Proxy:
		if proxyConfig.URL == "" {
			logger.Warn("Warning: SOCKS5 proxy URL is required for setting up proxy")
			return direct
		}
		proxyUrl := proxyConfig.URL
		// Add authentication if provided
		if proxyConfig.Username != "" && proxyConfig.Password != "" {
			parsedURL, err := url.Parse(proxyConfig.URL)
			if err != nil {
				logger.Warn("Invalid proxy configuration: invalid SOCKS5 proxy URL")
				return direct
			}
			parsedURL.User = url.UserPassword(proxyConfig.Username, proxyConfig.Password)
			proxyUrl = parsedURL.String()
		}
		return fasthttpproxy.FasthttpSocksDialer(proxyUrl)
	case interfaces.EnvProxy:
		// Use environment variables for proxy configuration
		return fasthttpproxy.FasthttpProxyHTTPDialer()
	default:
		logger.Warn(fmt.Sprintf("Invalid proxy configuration: unsupported proxy type: %s", proxyConfig.Type))
		return direct
	}
}

// Build dials the key's destination, performing a TLS handshake for https
// keys, and returns a fresh HTTP1Conn. The context bounds the whole attempt;
// a connection established after cancellation is closed, not leaked.
func (b *Builder) Build(ctx context.Context, key interfaces.RequestKey) (interfaces.Connection, error) {
	netConn, err := b.dialContext(ctx, key.Addr())
	if err != nil {
		return nil, fmt.Errorf("connections: dialing %s: %w", key, err)
	}

	if key.Scheme == interfaces.SchemeHTTPS {
		tlsConn := tls.Client(netConn, b.tlsConfigFor(key))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("connections: tls handshake with %s: %w", key, err)
		}
		netConn = tlsConn
	}

	conn := NewHTTP1Conn(key, netConn, b.logger)
	b.logger.Debug(fmt.Sprintf("built connection %s to %s", conn.ID(), key))
	return conn, nil
}

// dialContext runs the configured dial function under the caller's context.
// fasthttp dialers are not context-aware, so the dial runs on its own
// goroutine and a late success is closed.
func (b *Builder) dialContext(ctx context.Context, addr string) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}

	resultChan := make(chan dialResult, 1)
	go func() {
		conn, err := b.dial(addr)
		resultChan <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// tlsConfigFor clones the configured TLS config and fills the server name
// from the key when the config leaves it empty.
func (b *Builder) tlsConfigFor(key interfaces.RequestKey) *tls.Config {
	var cfg *tls.Config
	if b.config.TLSConfig != nil {
		cfg = b.config.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = key.Host
	}
	return cfg
}
