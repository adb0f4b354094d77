// Package fetcher routes document fetches to a backend by URL scheme and
// records fetch metrics.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
	"github.com/JakeFAU/pom-harvester/internal/metrics"
)

// Mux implements harvest.Fetcher by dispatching on the URL scheme.
type Mux struct {
	backends map[string]harvest.Fetcher
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{backends: make(map[string]harvest.Fetcher)}
}

// Handle registers f for the given schemes.
func (m *Mux) Handle(f harvest.Fetcher, schemes ...string) {
	for _, s := range schemes {
		m.backends[strings.ToLower(s)] = f
	}
}

// Schemes lists the registered schemes in sorted order.
func (m *Mux) Schemes() []string {
	out := make([]string, 0, len(m.backends))
	for s := range m.backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Fetch forwards to the backend registered for u's scheme. An unknown
// scheme is a permanent error.
func (m *Mux) Fetch(ctx context.Context, u *url.URL) (harvest.FetchResponse, error) {
	backend, ok := m.backends[strings.ToLower(u.Scheme)]
	if !ok {
		return harvest.FetchResponse{}, harvest.Permanent(
			fmt.Errorf("no fetcher registered for scheme %q", u.Scheme))
	}

	start := time.Now()
	resp, err := backend.Fetch(ctx, u)
	result := "error"
	if err == nil {
		result = metrics.StatusClass(resp.StatusCode)
	}
	metrics.ObserveFetch(metrics.SourceLabel(u), result, time.Since(start))
	return resp, err
}
