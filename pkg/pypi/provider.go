// Package pypi implements the resolver's version provider against the
// PyPI JSON API.
package pypi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pyrite-env/pyrite/pkg/pyver"
	"github.com/pyrite-env/pyrite/pkg/resolver"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// Config configures the PyPI provider.
type Config struct {
	// BaseURL is the index root, e.g. https://pypi.org.
	BaseURL string

	// RequestTimeout bounds a single index request.
	RequestTimeout time.Duration
}

// Provider queries the PyPI JSON API for available versions and their
// declared dependencies. Responses are memoized for the provider's
// lifetime; the resolver treats a provider as pure within one resolve
// call, and the resolution cache above handles longer-term staleness.
type Provider struct {
	baseURL string
	client  *http.Client
	logger  *telemetry.Logger

	mu       sync.Mutex
	versions map[string][]pyver.Version
	deps     map[string][]pyver.Requirement
}

// NewProvider creates a PyPI-backed version provider. logger may be nil.
func NewProvider(cfg Config, logger *telemetry.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://pypi.org"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Provider{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger.NewComponentLogger("pypi"),
		versions: make(map[string][]pyver.Version),
		deps:     make(map[string][]pyver.Requirement),
	}
}

type projectResponse struct {
	Info struct {
		RequiresDist []string `json:"requires_dist"`
	} `json:"info"`
	Releases map[string][]json.RawMessage `json:"releases"`
}

// ListVersions implements resolver.VersionProvider. Versions that do
// not parse as three-part semantic versions are skipped.
func (p *Provider) ListVersions(ctx context.Context, name string) ([]pyver.Version, error) {
	name = pyver.NormalizeName(name)

	p.mu.Lock()
	cached, ok := p.versions[name]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	var resp projectResponse
	if err := p.get(ctx, fmt.Sprintf("%s/pypi/%s/json", p.baseURL, name), &resp); err != nil {
		return nil, err
	}

	versions := make([]pyver.Version, 0, len(resp.Releases))
	for raw := range resp.Releases {
		v, err := pyver.Parse(raw)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) < 0
	})

	p.mu.Lock()
	p.versions[name] = versions
	p.mu.Unlock()
	return versions, nil
}

// Dependencies implements resolver.VersionProvider. Requirements gated
// behind an extra are dropped; other environment markers are carried
// through as opaque text.
func (p *Provider) Dependencies(ctx context.Context, name string, version pyver.Version) ([]pyver.Requirement, error) {
	name = pyver.NormalizeName(name)
	key := name + "==" + version.String()

	p.mu.Lock()
	cached, ok := p.deps[key]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	var resp projectResponse
	if err := p.get(ctx, fmt.Sprintf("%s/pypi/%s/%s/json", p.baseURL, name, version), &resp); err != nil {
		return nil, err
	}

	reqs := make([]pyver.Requirement, 0, len(resp.Info.RequiresDist))
	for _, raw := range resp.Info.RequiresDist {
		req, err := parseRequiresDist(raw)
		if err != nil {
			p.logger.WithPackage(name).Debug(fmt.Sprintf("Skipping unparsable requirement %q", raw))
			continue
		}
		if req == nil {
			continue
		}
		reqs = append(reqs, *req)
	}

	p.mu.Lock()
	p.deps[key] = reqs
	p.mu.Unlock()
	return reqs, nil
}

func (p *Provider) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("querying package index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("package not found in index: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("package index returned %s for %s", resp.Status, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("reading index response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding index response: %w", err)
	}
	return nil
}

// parseRequiresDist parses one requires_dist entry. PyPI wraps
// constraints in parentheses ("flask (>=2.0)"); requirements gated on
// an extra return (nil, nil).
func parseRequiresDist(raw string) (*pyver.Requirement, error) {
	spec := raw
	if i := strings.Index(spec, ";"); i >= 0 {
		marker := strings.TrimSpace(spec[i+1:])
		if strings.Contains(marker, "extra ==") {
			return nil, nil
		}
	}
	spec = strings.ReplaceAll(spec, "(", "")
	spec = strings.ReplaceAll(spec, ")", "")

	req, err := pyver.ParseRequirement(spec)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Ensure Provider satisfies the resolver's contract.
var _ resolver.VersionProvider = (*Provider)(nil)
