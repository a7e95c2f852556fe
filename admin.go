package ggproxy

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	ttlpolicy "github.com/ggst-tools/ggproxy/pkg/ttl-policy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type policyRule struct {
	Prefix string `json:"prefix"`
	TTL    string `json:"ttl"`
}

type policyResponse struct {
	Rules    []policyRule `json:"rules"`
	Overlaps []string     `json:"overlaps"`
}

type cacheEntryInfo struct {
	Method     string    `json:"method"`
	URI        string    `json:"uri"`
	BodySHA256 string    `json:"body_sha256"`
	BodyLength int       `json:"body_length"`
	Status     int       `json:"status"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	Age        string    `json:"age"`
	Rule       string    `json:"rule,omitempty"`
	Stale      bool      `json:"stale"`
}

// AdminHandler returns the router of the admin listener.
// It must only be served on a loopback address.
func (p *Proxy) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/policy", p.handlePolicy)
	r.Get("/cache", p.handleCache)
	r.Post("/cache/refresh", p.handleRefreshAll)
	r.Method(http.MethodGet, "/metrics", p.metrics.Handler())

	return r
}

func (p *Proxy) handlePolicy(w http.ResponseWriter, r *http.Request) {
	res := policyResponse{
		Rules:    []policyRule{},
		Overlaps: []string{},
	}
	for _, rule := range p.policy.Rules() {
		res.Rules = append(res.Rules, policyRule{Prefix: rule.Prefix, TTL: rule.TTL.String()})
	}
	for _, overlap := range p.policy.Overlaps() {
		res.Overlaps = append(res.Overlaps, overlap.String())
	}
	p.writeJSON(w, http.StatusOK, res)
}

func (p *Proxy) handleCache(w http.ResponseWriter, r *http.Request) {
	now := p.now()
	entries := []cacheEntryInfo{}
	for _, key := range p.store.Keys() {
		entry, ok := p.store.Peek(key)
		if !ok {
			continue
		}
		info := cacheEntryInfo{
			Method:     key.Method,
			URI:        key.URI,
			BodySHA256: key.BodyDigest(),
			BodyLength: len(key.Body),
			Status:     entry.Status,
			Size:       len(entry.Body),
			CreatedAt:  entry.CreatedAt,
			Age:        entry.Age(now).Round(time.Second).String(),
		}
		if rule, ok := p.policy.Match(key.Path()); ok {
			info.Rule = rule.Prefix
			info.Stale = ttlpolicy.IsStale(rule, entry.CreatedAt, now)
		}
		entries = append(entries, info)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].URI != entries[j].URI {
			return entries[i].URI < entries[j].URI
		}
		if entries[i].Method != entries[j].Method {
			return entries[i].Method < entries[j].Method
		}
		return entries[i].BodySHA256 < entries[j].BodySHA256
	})
	p.writeJSON(w, http.StatusOK, entries)
}

func (p *Proxy) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	n := p.RefreshAll()
	p.log.Info().Int("keys", n).Msg("Refreshing all cache entries")
	p.writeJSON(w, http.StatusAccepted, map[string]int{"keys": n})
}

func (p *Proxy) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.log.Error().Err(err).Msg("Could not write admin response")
	}
}
