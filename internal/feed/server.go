package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"gexchange/config"
	"gexchange/internal/exchange"
	"gexchange/internal/ledger"
	"gexchange/logger"
)

// Server hosts the websocket feed and the market API:
//
//	GET <path>?world=&item=      websocket sale and expiry feed
//	GET /api/worlds              stats of every world
//	GET /api/listings?world=...  active listings search
//	GET /api/prices?world=&item= price guide of one item
type Server struct {
	cfg        config.FeedConfig
	hub        *Hub
	worlds     map[string]*exchange.World
	order      []string
	httpServer *http.Server
	log        *logger.Log
}

func NewServer(cfg config.FeedConfig, hub *Hub, worlds ...*exchange.World) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws/sales"
	}
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		worlds: make(map[string]*exchange.World, len(worlds)),
		log:    logger.GetLogger(),
	}
	for _, w := range worlds {
		s.worlds[w.Name()] = w
		s.order = append(s.order, w.Name())
	}
	return s
}

// Handler returns the routes wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.hub)
	mux.HandleFunc("/api/worlds", s.handleWorlds)
	mux.HandleFunc("/api/listings", s.handleListings)
	mux.HandleFunc("/api/prices", s.handlePrices)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}

// Run serves until ctx is cancelled, then shuts the HTTP server down before
// stopping the hub.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("feed").WithFields(logger.Fields{
		"addr":   s.cfg.Addr,
		"path":   s.cfg.Path,
		"worlds": len(s.worlds),
	}).Info("feed server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("feed").Info("feed server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWorlds(w http.ResponseWriter, r *http.Request) {
	stats := make([]exchange.Stats, 0, len(s.order))
	for _, name := range s.order {
		stats = append(stats, s.worlds[name].Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"worlds": stats})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	world, ok := s.world(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := ledger.Filter{
		Name:        q.Get("name"),
		Category:    q.Get("category"),
		SellerID:    q.Get("seller"),
		MinPrice:    queryInt(q.Get("min_price")),
		MaxPrice:    queryInt(q.Get("max_price")),
		MinQuantity: queryInt(q.Get("min_quantity")),
	}
	page := ledger.Page{
		Offset: int(queryInt(q.Get("offset"))),
		Limit:  int(queryInt(q.Get("limit"))),
	}
	writeJSON(w, http.StatusOK, world.QueryActive(filter, ledger.SortOrder(q.Get("sort")), page))
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	world, ok := s.world(w, r)
	if !ok {
		return
	}
	item := r.URL.Query().Get("item")
	if item == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item is required"})
		return
	}
	guide, found := world.PriceGuide(item)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sales recorded"})
		return
	}
	writeJSON(w, http.StatusOK, guide)
}

func (s *Server) world(w http.ResponseWriter, r *http.Request) (*exchange.World, bool) {
	name := r.URL.Query().Get("world")
	if name == "" && len(s.order) == 1 {
		name = s.order[0]
	}
	world, ok := s.worlds[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown world"})
	}
	return world, ok
}

func queryInt(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.GetLogger().WithComponent("feed").WithError(err).Debug("failed to write response")
	}
}
