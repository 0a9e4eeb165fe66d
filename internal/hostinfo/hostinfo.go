// Package hostinfo collects the host telemetry the Heartbeat Emitter embeds
// under the "host" key (spec section 4.5): hostname, network identity, OS,
// CPU/RAM/disk, uptime. It is adapted from the teacher's sysinfo collector,
// trimmed of Docker/devcontainer telemetry (out of scope here) and extended
// with public-IP resolution and a stable per-host fingerprint.
package hostinfo

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
)

// CollectorConfig controls timeouts and caching for a Collector.
type CollectorConfig struct {
	CacheTTL         time.Duration // default 5s
	DiskMountPath    string        // default "/"
	PublicIPOverride string        // when set, skip the network probe
	PublicIPTimeout  time.Duration // default 3s
}

func (c CollectorConfig) withDefaults() CollectorConfig {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.DiskMountPath == "" {
		c.DiskMountPath = "/"
	}
	if c.PublicIPTimeout <= 0 {
		c.PublicIPTimeout = 3 * time.Second
	}
	return c
}

// Report is the "host" object of a heartbeat (spec §4.5).
type Report struct {
	Fingerprint string     `json:"fingerprint"`
	Name        string     `json:"name"`
	Meta        ReportMeta `json:"meta"`
}

// ReportMeta is Report's nested "meta" object.
type ReportMeta struct {
	Hostname  string         `json:"hostname"`
	IP        string         `json:"ip"`
	Network   NetworkMeta    `json:"network"`
	OS        string         `json:"os"`
	OSVersion string         `json:"os_version"`
	Arch      string         `json:"arch"`
	CPU       string         `json:"cpu"`
	CPUCores  int            `json:"cpu_cores"`
	RAMGB     float64        `json:"ram_gb"`
	Disk      DiskMeta       `json:"disk"`
	Uptime    float64        `json:"uptime_seconds"`
	Runtime   RuntimeVersion `json:"runtime"`
}

// NetworkMeta holds private/public IP addresses.
type NetworkMeta struct {
	PrivateIP string `json:"private_ip"`
	PublicIP  string `json:"public_ip,omitempty"`
}

// DiskMeta holds disk usage for the configured mount path.
type DiskMeta struct {
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// RuntimeVersion identifies the Go runtime the supervisor is built with.
type RuntimeVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Collector gathers host telemetry, caching the full Report for CacheTTL so
// rapid heartbeat ticks don't re-probe procfs or the network on every call.
type Collector struct {
	config CollectorConfig

	mu       sync.RWMutex
	cached   *Report
	cachedAt time.Time

	readFile      func(path string) (string, error)
	statFS        func(path string) (*syscall.Statfs_t, error)
	fetchPublicIP func(ctx context.Context, timeout time.Duration) (string, error)
}

// NewCollector returns a Collector using real procfs/network sources.
func NewCollector(cfg CollectorConfig) *Collector {
	return &Collector{
		config:        cfg.withDefaults(),
		readFile:      defaultReadFile,
		statFS:        defaultStatFS,
		fetchPublicIP: defaultFetchPublicIP,
	}
}

// Collect returns a host Report, reusing a cached value younger than
// CacheTTL.
func (c *Collector) Collect(ctx context.Context) (Report, error) {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.cachedAt) < c.config.CacheTTL {
		result := *c.cached
		c.mu.RUnlock()
		return result, nil
	}
	c.mu.RUnlock()

	report, err := c.collect(ctx)
	if err != nil {
		return Report{}, err
	}

	c.mu.Lock()
	c.cached = &report
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return report, nil
}

func (c *Collector) collect(ctx context.Context) (Report, error) {
	hostname, _ := os.Hostname()
	privateIP := c.privateIP()

	publicIP := c.config.PublicIPOverride
	if publicIP == "" {
		if ip, err := c.fetchPublicIP(ctx, c.config.PublicIPTimeout); err == nil {
			publicIP = ip
		}
	}

	mem := c.readMemInfo()
	disk := c.readDisk()
	uptime := c.readUptime()

	meta := ReportMeta{
		Hostname: hostname,
		IP:       privateIP,
		Network: NetworkMeta{
			PrivateIP: privateIP,
			PublicIP:  publicIP,
		},
		OS:        runtime.GOOS,
		OSVersion: osVersion(),
		Arch:      runtime.GOARCH,
		CPU:       fmt.Sprintf("%d cores", runtime.NumCPU()),
		CPUCores:  runtime.NumCPU(),
		RAMGB:     roundTo(float64(mem)/float64(humanize.GByte), 2),
		Disk:      disk,
		Uptime:    uptime,
		Runtime: RuntimeVersion{
			Name:    "go",
			Version: runtime.Version(),
		},
	}

	return Report{
		Fingerprint: Fingerprint(hostname, privateIP, publicIP, runtime.GOOS, runtime.GOARCH),
		Name:        hostname,
		Meta:        meta,
	}, nil
}

// Fingerprint computes a stable per-host identifier as the SHA-256 of
// hostname|private_ip|public_ip|os|arch.
func Fingerprint(hostname, privateIP, publicIP, osName, arch string) string {
	joined := strings.Join([]string{hostname, privateIP, publicIP, osName, arch}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

func (c *Collector) privateIP() string {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range ifaces {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

func (c *Collector) readMemInfo() uint64 {
	content, err := c.readFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), " kB"))
		val, err := strconv.ParseUint(valStr, 10, 64)
		if err != nil {
			continue
		}
		fields[key] = val * 1024
	}
	return fields["MemTotal"]
}

func (c *Collector) readDisk() DiskMeta {
	stat, err := c.statFS(c.config.DiskMountPath)
	if err != nil {
		return DiskMeta{}
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	return DiskMeta{TotalBytes: total, FreeBytes: free}
}

func (c *Collector) readUptime() float64 {
	content, err := c.readFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) < 1 {
		return 0
	}
	seconds, _ := strconv.ParseFloat(fields[0], 64)
	return seconds
}

func osVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VERSION=") {
			return strings.Trim(strings.TrimPrefix(line, "VERSION="), `"`)
		}
	}
	return ""
}

func defaultReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func defaultStatFS(path string) (*syscall.Statfs_t, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

func defaultFetchPublicIP(ctx context.Context, timeout time.Duration) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "https://api.ipify.org", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("hostinfo: unexpected public IP response %q", ip)
	}
	return ip, nil
}

func roundTo(val float64, places int) float64 {
	pow := 1.0
	for i := 0; i < places; i++ {
		pow *= 10
	}
	return float64(int(val*pow+0.5)) / pow
}
