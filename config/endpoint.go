package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultBackendURL is the last-resort storage backend.
	DefaultBackendURL = "http://localhost:8005"
	// EnvBackendBase overrides the backend host explicitly.
	EnvBackendBase = "CPEN_BASE"
	// EnvBackendPort appends a port to the EnvBackendBase override.
	EnvBackendPort = "CPEN_PORT"

	mdnsService = "_cpenlink._tcp"
	mdnsDomain  = "local."

	defaultProbeTimeout  = 2 * time.Second
	defaultBrowseTimeout = 3 * time.Second
	probeReadLimit       = 1 << 20
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Resolver locates the storage backend. Sources are tried in order:
// explicit environment override, candidate manifest, LAN discovery,
// and finally DefaultBackendURL.
type Resolver struct {
	// ManifestURL serves a JSON candidate list {"base_url": [...]}.
	// Skipped when empty.
	ManifestURL string

	HTTPClient    *http.Client
	Logger        *zap.Logger
	ProbeTimeout  time.Duration
	BrowseTimeout time.Duration

	browseFn browseFunc
}

func (r Resolver) withDefaults() Resolver {
	out := r
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = defaultProbeTimeout
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = defaultBrowseTimeout
	}
	return out
}

// ResolveBackend returns the first backend URL a source can vouch for.
// It never fails: the hardcoded default is always available.
func (r Resolver) ResolveBackend(ctx context.Context) string {
	resolver := r.withDefaults()

	if url := backendFromEnv(); url != "" {
		resolver.Logger.Info("config: backend from environment", zap.String("url", url))
		return url
	}
	if url := resolver.backendFromManifest(ctx); url != "" {
		resolver.Logger.Info("config: backend from manifest", zap.String("url", url))
		return url
	}
	if url := resolver.backendFromLAN(ctx); url != "" {
		resolver.Logger.Info("config: backend from LAN discovery", zap.String("url", url))
		return url
	}

	resolver.Logger.Info("config: backend fell back to default", zap.String("url", DefaultBackendURL))
	return DefaultBackendURL
}

func backendFromEnv() string {
	base := strings.TrimSpace(os.Getenv(EnvBackendBase))
	if base == "" {
		return ""
	}
	base = strings.TrimRight(base, "/")
	if port := strings.TrimSpace(os.Getenv(EnvBackendPort)); port != "" {
		return base + ":" + port
	}
	return base
}

func (r Resolver) backendFromManifest(ctx context.Context) string {
	if strings.TrimSpace(r.ManifestURL) == "" {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ManifestURL, nil)
	if err != nil {
		return ""
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		r.Logger.Debug("config: manifest fetch failed", zap.Error(err))
		return ""
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.Logger.Debug("config: manifest fetch failed", zap.Int("status", resp.StatusCode))
		return ""
	}

	var manifest struct {
		BaseURL []string `json:"base_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		r.Logger.Debug("config: manifest parse failed", zap.Error(err))
		return ""
	}

	for _, candidate := range manifest.BaseURL {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate == "" {
			continue
		}
		if r.probe(ctx, candidate) {
			return candidate
		}
		r.Logger.Debug("config: manifest candidate unreachable", zap.String("url", candidate))
	}
	return ""
}

func (r Resolver) backendFromLAN(ctx context.Context) string {
	browse := r.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			r.Logger.Debug("config: mDNS resolver unavailable", zap.Error(err))
			return ""
		}
		browse = resolver.Browse
	}

	browseCtx, cancel := context.WithTimeout(ctx, r.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(browseCtx, mdnsService, mdnsDomain, entries); err != nil {
		r.Logger.Debug("config: mDNS browse failed", zap.Error(err))
		return ""
	}

	for {
		select {
		case <-browseCtx.Done():
			return ""
		case entry, ok := <-entries:
			if !ok {
				return ""
			}
			if entry == nil {
				continue
			}
			for _, ip := range entry.AddrIPv4 {
				candidate := fmt.Sprintf("http://%s:%d", ip, entry.Port)
				if r.probe(ctx, candidate) {
					return candidate
				}
			}
		}
	}
}

// probe hits {base}/test and accepts the candidate only when the reply
// is well-formed JSON, which weeds out captive portals and wrong hosts.
func (r Resolver) probe(ctx context.Context, base string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+"/test", nil)
	if err != nil {
		return false
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, probeReadLimit))
	if err != nil {
		return false
	}
	return json.Valid(body)
}
