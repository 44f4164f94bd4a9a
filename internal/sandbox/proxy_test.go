package sandbox

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type allowlistChecker struct {
	allowed map[string]bool
}

func (c allowlistChecker) Allow(_ context.Context, host string) error {
	if c.allowed[host] {
		return nil
	}
	return errors.New("host not allowed: " + host)
}

func TestStartDomainProxyListensOnLoopback(t *testing.T) {
	proxy, err := StartDomainProxy(allowlistChecker{allowed: map[string]bool{"example.com:80": true}})
	if err != nil {
		t.Fatalf("start domain proxy: %v", err)
	}
	defer proxy.Close()

	if proxy.Addr() == "" {
		t.Fatalf("expected a non-empty listen address")
	}

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(proxy.Addr())
	if err != nil {
		t.Fatalf("unexpected dial error against the proxy: %v", err)
	}
	defer resp.Body.Close()
}

func TestDomainProxyAddrAndCloseAreNilSafe(t *testing.T) {
	var p *DomainProxy
	if p.Addr() != "" {
		t.Fatalf("expected empty addr for a nil proxy")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil-safe Close, got %v", err)
	}
}
