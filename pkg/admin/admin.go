// Package admin serves the operator HTTP interface: health, peer status,
// counters and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/manager"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
	"github.com/hsdfat/diam-engine/pkg/router"
	"github.com/hsdfat/diam-engine/pkg/transaction"
)

// PeerTable is the peer view served by the admin interface.
type PeerTable interface {
	Peers() []*peer.Peer
	Stats() manager.Stats
}

// Config wires the components reported on. Nil components are omitted.
type Config struct {
	Peers        PeerTable
	Router       func() router.Stats
	Transactions func() transaction.Summary
	Metrics      http.Handler
	Logger       logger.Logger
	// DisconnectTimeout bounds POST /peers/{host}/disconnect.
	DisconnectTimeout time.Duration
}

// PeerStatus is the JSON form of one peer.
type PeerStatus struct {
	OriginHost   string           `json:"origin_host,omitempty"`
	OriginRealm  string           `json:"origin_realm,omitempty"`
	State        string           `json:"state"`
	Role         string           `json:"role"`
	ConnID       string           `json:"conn_id,omitempty"`
	LocalAddr    string           `json:"local_addr,omitempty"`
	RemoteAddr   string           `json:"remote_addr,omitempty"`
	ProductName  string           `json:"product_name,omitempty"`
	Applications []uint32         `json:"applications,omitempty"`
	OpenedAt     *time.Time       `json:"opened_at,omitempty"`
	Transport    connection.Stats `json:"transport"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Manager      *manager.Stats       `json:"manager,omitempty"`
	Router       *router.Stats        `json:"router,omitempty"`
	Transactions *transaction.Summary `json:"transactions,omitempty"`
}

// New returns the admin HTTP handler.
func New(cfg Config) http.Handler {
	h := &handler{cfg: cfg, log: logger.Or(cfg.Logger)}
	if h.cfg.DisconnectTimeout <= 0 {
		h.cfg.DisconnectTimeout = 5 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Peers != nil {
		r.Route("/peers", func(sr chi.Router) {
			sr.Get("/", h.listPeers)
			sr.Get("/{host}", h.getPeer)
			sr.Post("/{host}/disconnect", h.disconnectPeer)
		})
	}
	r.Get("/stats", h.stats)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	return r
}

type handler struct {
	cfg Config
	log logger.Logger
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debugw("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (h *handler) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.cfg.Peers.Peers()
	out := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		out = append(out, status(p))
	}
	slices.SortFunc(out, func(a, b PeerStatus) int {
		if c := strings.Compare(a.OriginHost, b.OriginHost); c != 0 {
			return c
		}
		return strings.Compare(a.RemoteAddr, b.RemoteAddr)
	})
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getPeer(w http.ResponseWriter, r *http.Request) {
	p := h.find(chi.URLParam(r, "host"))
	if p == nil {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status(p))
}

func (h *handler) disconnectPeer(w http.ResponseWriter, r *http.Request) {
	p := h.find(chi.URLParam(r, "host"))
	if p == nil {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.DisconnectTimeout)
	defer cancel()
	h.log.Infow("Disconnect requested by operator", "peer", p.Info().OriginHost)
	if err := p.Disconnect(ctx, message.DisconnectDoNotWant); err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	writeJSON(w, http.StatusOK, status(p))
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if h.cfg.Peers != nil {
		s := h.cfg.Peers.Stats()
		resp.Manager = &s
	}
	if h.cfg.Router != nil {
		s := h.cfg.Router()
		resp.Router = &s
	}
	if h.cfg.Transactions != nil {
		s := h.cfg.Transactions()
		resp.Transactions = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// find returns the live peer with Origin-Host host, preferring an open one.
func (h *handler) find(host string) *peer.Peer {
	var found *peer.Peer
	for _, p := range h.cfg.Peers.Peers() {
		if p.Info().OriginHost != host {
			continue
		}
		if p.IsOpen() {
			return p
		}
		found = p
	}
	return found
}

func status(p *peer.Peer) PeerStatus {
	info := p.Info()
	st := PeerStatus{
		OriginHost:   info.OriginHost,
		OriginRealm:  info.OriginRealm,
		State:        p.State().String(),
		Role:         info.Role.String(),
		ConnID:       info.ConnID,
		LocalAddr:    info.LocalAddr,
		RemoteAddr:   info.RemoteAddr,
		ProductName:  info.ProductName,
		Applications: info.Common,
	}
	if !info.OpenedAt.IsZero() {
		st.OpenedAt = &info.OpenedAt
	}
	if c := p.Conn(); c != nil {
		st.Transport = c.Stats()
	}
	return st
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
