package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

type Offers interface {
	Dispatch(ctx context.Context, o models.RideOffer, rider models.RiderSnapshot) (*models.RideOffer, error)
	Get(ctx context.Context, id string) (*models.RideOffer, error)
	AcceptOffer(ctx context.Context, orderID, driverID string) (*models.ActiveTrip, error)
	RejectOffer(ctx context.Context, orderID, driverID string) error
	CancelOffer(ctx context.Context, orderID string) error
	Assign(ctx context.Context, orderID, driverID string) (*models.ActiveTrip, error)
	WithdrawDriver(ctx context.Context, orderID, driverID string) error
}

type Presence interface {
	MakeOnline(ctx context.Context, d models.DriverSnapshot) error
	SetLocation(ctx context.Context, driverID string, p models.Coord, heading float64) error
	GetDriver(ctx context.Context, driverID string) (models.DriverSnapshot, error)
	GoOffline(ctx context.Context, driverID string) ([]string, error)
	UpdateOfferFilters(ctx context.Context, driverID string, searchDistance float64, serviceIDs []string) error
	GetDriverLocationsInBounds(ctx context.Context, b models.Bounds, zoom float64) (models.MapView, error)
}

type Trips interface {
	Get(ctx context.Context, id string) (*models.ActiveTrip, error)
	UpdateStatus(ctx context.Context, id string, status models.OrderStatus) (*models.ActiveTrip, error)
	AddMessage(ctx context.Context, id string, sender models.ChatSender, content string) (models.ChatMessage, error)
	SetTip(ctx context.Context, id string, tip float64) (*models.ActiveTrip, error)
	Cancel(ctx context.Context, id string, by models.ChatSender) (*models.ActiveTrip, error)
}

type Settler interface {
	Finish(ctx context.Context, orderID string, cash float64, deduce bool) (*models.ActiveTrip, error)
}

// LocationPublisher forwards location updates to the ingest topic. When it is
// nil the server applies updates to presence directly.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

// Streams relays a pub/sub channel to a websocket until the peer leaves.
type Streams interface {
	Serve(ctx context.Context, channel string, conn *websocket.Conn) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Offers    Offers
	Presence  Presence
	Trips     Trips
	Settler   Settler
	Locations LocationPublisher
	Streams   Streams
	Health    Pinger
	Logger    *slog.Logger
	// AllowedOrigins feeds the CORS handler; empty disables CORS headers.
	AllowedOrigins []string
}

type Server struct {
	offers    Offers
	presence  Presence
	trips     Trips
	settler   Settler
	locations LocationPublisher
	streams   Streams
	health    Pinger
	logger    *slog.Logger
	origins   []string
	mux       *mux.Router
	handler   http.Handler
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		offers:    d.Offers,
		presence:  d.Presence,
		trips:     d.Trips,
		settler:   d.Settler,
		locations: d.Locations,
		streams:   d.Streams,
		health:    d.Health,
		logger:    logger.With("component", "http"),
		origins:   d.AllowedOrigins,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	s.handler = s.wrap(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/online", s.handleDriverOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offline", s.handleDriverOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/filters", s.handleDriverFilters).Methods(http.MethodPut)
	api.HandleFunc("/map/drivers", s.handleDriverMap).Methods(http.MethodGet)

	api.HandleFunc("/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}", s.handleGetOffer).Methods(http.MethodGet)
	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/reject", s.handleRejectOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/cancel", s.handleCancelOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/assign", s.handleAssign).Methods(http.MethodPost)

	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/status", s.handleTripStatus).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/messages", s.handleTripMessage).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/tip", s.handleTripTip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleTripCancel).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/finish", s.handleTripFinish).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/driver/{id}", s.handleWS(driverStream))
	s.mux.HandleFunc("/ws/rider/{id}", s.handleWS(riderStream))
}

// wrap adds panic recovery and, when origins are configured, CORS.
func (s *Server) wrap(next http.Handler) http.Handler {
	rl := slog.NewLogLogger(s.logger.Handler(), slog.LevelError)
	var h http.Handler = handlers.RecoveryHandler(handlers.RecoveryLogger(rl), handlers.PrintRecoveryStack(true))(next)
	if len(s.origins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.origins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
		)(h)
	}
	return h
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "err", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
