package core

import (
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewOutboundClient builds the shared upstream HTTP client. SOCKS5_PROXY
// wins over HTTP_PROXY when both are set; with neither, the transport
// still honours the process environment.
func NewOutboundClient(cfg *Config, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if cfg.SOCKS5Proxy != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.SOCKS5Proxy, nil, proxy.Direct)
		if err != nil {
			log.Warnf("httpclient: invalid SOCKS5_PROXY %q: %v", cfg.SOCKS5Proxy, err)
		} else if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.Proxy = nil
			transport.DialContext = contextDialer.DialContext
			log.Infof("httpclient: outbound traffic via SOCKS5 proxy %s", cfg.SOCKS5Proxy)
		}
	} else if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Warnf("httpclient: invalid HTTP_PROXY %q: %v", cfg.HTTPProxy, err)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			log.Infof("httpclient: outbound traffic via HTTP proxy %s", cfg.HTTPProxy)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
