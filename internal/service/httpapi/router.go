package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/metrics"
)

// RouterConfig: параметры внешнего слоя HTTP.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter регистрирует маршруты API поверх chi.
func NewRouter(h *Handler, cfg RouterConfig, logger *log.Entry, m *metrics.Metrics) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger, m))
	r.Use(middleware.Recoverer)
	r.Use(tracing)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{id}", h.GetOrder)
		r.Get("/{id}/timeline", h.GetTimeline)
		r.Get("/{id}/payment", h.GetPayment)
		r.Post("/{id}/cancel", h.CancelOrder)
	})

	r.Post("/payments/verify", h.VerifyPayment)
	r.Post("/payments/webhook", h.Webhook)

	r.Route("/admin/orders/{id}", func(r chi.Router) {
		r.Patch("/status", h.UpdateStatus)
		r.Post("/cod/confirm", h.ConfirmCod)
		r.Post("/refund", h.RefundOrder)
	})

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", HeaderUserID, HeaderIdempotencyKey},
		ExposedHeaders: []string{HeaderReplayed, middleware.RequestIDHeader},
	})
	return c.Handler(r)
}
