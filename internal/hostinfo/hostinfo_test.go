package hostinfo

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

func TestFingerprintStableForSameInputs(t *testing.T) {
	a := Fingerprint("host1", "10.0.0.5", "1.2.3.4", "linux", "amd64")
	b := Fingerprint("host1", "10.0.0.5", "1.2.3.4", "linux", "amd64")
	if a != b {
		t.Fatal("fingerprint is not deterministic")
	}
	c := Fingerprint("host2", "10.0.0.5", "1.2.3.4", "linux", "amd64")
	if a == c {
		t.Fatal("fingerprint did not change with hostname")
	}
}

func TestCollectUsesPublicIPOverride(t *testing.T) {
	c := NewCollector(CollectorConfig{PublicIPOverride: "203.0.113.9"})
	c.readFile = func(path string) (string, error) { return "", errors.New("no procfs in test") }
	c.statFS = func(path string) (*syscall.Statfs_t, error) { return nil, errors.New("no statfs in test") }
	c.fetchPublicIP = func(ctx context.Context, timeout time.Duration) (string, error) {
		t.Fatal("fetchPublicIP should not be called when override is set")
		return "", nil
	}

	report, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Meta.Network.PublicIP != "203.0.113.9" {
		t.Fatalf("PublicIP = %q", report.Meta.Network.PublicIP)
	}
}

func TestCollectCachesWithinTTL(t *testing.T) {
	calls := 0
	c := NewCollector(CollectorConfig{CacheTTL: time.Minute, PublicIPOverride: "1.2.3.4"})
	c.readFile = func(path string) (string, error) {
		calls++
		return "", errors.New("boom")
	}
	c.statFS = func(path string) (*syscall.Statfs_t, error) { return nil, errors.New("boom") }

	if _, err := c.Collect(context.Background()); err != nil {
		t.Fatalf("first collect: %v", err)
	}
	if _, err := c.Collect(context.Background()); err != nil {
		t.Fatalf("second collect: %v", err)
	}
	if calls != 2 { // two readFile calls (meminfo, uptime) per *underlying* collect, cached second time
		t.Fatalf("expected underlying collection to run once (2 readFile calls total), got %d", calls)
	}
}

func TestReadUptimeParsesFirstField(t *testing.T) {
	c := NewCollector(CollectorConfig{})
	c.readFile = func(path string) (string, error) { return "12345.67 98765.43\n", nil }
	if got := c.readUptime(); got != 12345.67 {
		t.Fatalf("readUptime = %v", got)
	}
}
