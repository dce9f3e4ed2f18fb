package network

import (
	"testing"
	"time"
)

func TestCapLimiter(t *testing.T) {
	l := newCapLimiter(2)
	if !l.Acquire("a") || !l.Acquire("a") {
		t.Fatalf("under-limit acquires must succeed")
	}
	if l.Acquire("a") {
		t.Fatalf("third acquire must fail")
	}
	if !l.Acquire("b") {
		t.Fatalf("other key must be unaffected")
	}
	l.Release("a")
	if !l.Acquire("a") {
		t.Fatalf("acquire after release must succeed")
	}
	if l.Held("a") != 2 {
		t.Fatalf("expected 2 held, got %d", l.Held("a"))
	}
}

func TestCapLimiterDisabled(t *testing.T) {
	l := newCapLimiter(0)
	for i := 0; i < 100; i++ {
		if !l.Acquire("a") {
			t.Fatalf("disabled limiter must always admit")
		}
	}
}

func TestDevTLSConfigs(t *testing.T) {
	srv, err := serverTLSConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if len(srv.Certificates) != 1 {
		t.Fatalf("expected one certificate")
	}
	if len(srv.NextProtos) != 1 || srv.NextProtos[0] != alpnProto {
		t.Fatalf("unexpected ALPN %v", srv.NextProtos)
	}

	cli, err := clientTLSConfig(false)
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cli.RootCAs == nil || cli.InsecureSkipVerify {
		t.Fatalf("pinned client config must carry roots")
	}

	loose, err := clientTLSConfig(true)
	if err != nil {
		t.Fatalf("insecure client config: %v", err)
	}
	if !loose.InsecureSkipVerify {
		t.Fatalf("insecure config must skip verification")
	}
}

func TestDevTLSDeterministic(t *testing.T) {
	_, der1, err := devTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	_, der2, err := devTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if string(der1) != string(der2) {
		t.Fatalf("dev certificate must be deterministic")
	}
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := BackoffDelay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBreakerOpensAfterMaxAttempts(t *testing.T) {
	d := NewDialer(true)
	now := time.Now()
	d.now = func() time.Time { return now }

	for i := 0; i < maxDialAttempts-1; i++ {
		d.recordFailure("peer:1")
		if d.breakerOpen("peer:1") {
			t.Fatalf("breaker opened early at failure %d", i+1)
		}
	}
	d.recordFailure("peer:1")
	if !d.breakerOpen("peer:1") {
		t.Fatalf("breaker must open at %d failures", maxDialAttempts)
	}

	// Cooldown elapsed: one probe attempt is allowed again.
	now = now.Add(breakerCooldown + time.Second)
	if d.breakerOpen("peer:1") {
		t.Fatalf("breaker must allow a probe after cooldown")
	}

	d.recordSuccess("peer:1")
	if d.Failures("peer:1") != 0 {
		t.Fatalf("success must reset the failure count")
	}
}
