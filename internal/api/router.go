package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/theguild/guild-engine/internal/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	APIKey  string
	WS      http.HandlerFunc // nil omits /api/v1/ws
	Timeout time.Duration
}

// NewRouter mounts the service and the operational endpoints.
func NewRouter(svc *Service, opts RouterOptions) chi.Router {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"guild-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept outside the request timeout.
		if opts.WS != nil {
			r.Get("/ws", opts.WS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.Timeout))

			r.Get("/levels", svc.ListLevels)
			r.Get("/masters", svc.ListMasters)
			r.Get("/masters/{masterID}", svc.GetMaster)
			r.Get("/masters/{masterID}/bets", svc.ListMasterBets)
			r.Get("/signals", svc.ListSignals)

			r.Group(func(r chi.Router) {
				r.Use(RequireUser(opts.APIKey))

				r.Post("/masters", svc.CreateMaster)
				r.Post("/masters/{masterID}/follow", svc.Follow)
				r.Delete("/masters/{masterID}/follow", svc.Unfollow)
				r.Get("/follows", svc.ListFollows)

				r.Get("/me", svc.Me)
				r.Post("/positions", svc.CopyBet)
				r.Post("/positions/{positionID}/resolve", svc.ResolvePosition)
				r.Get("/portfolio", svc.GetPortfolio)

				r.Post("/ingest/run", svc.RunIngest)
			})
		})
	})
	return r
}

// cors allows browser clients on any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
