package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	hub    *realtime.Hub
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(hub *realtime.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{hub: hub, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/available-rides", s.handleAvailable).Methods(http.MethodGet)
	s.mux.HandleFunc("/debug/positions", s.handlePositions).Methods(http.MethodGet)

	rides := s.mux.PathPrefix("/api/v1/rides/{ride_id}").Subrouter()
	rides.HandleFunc("/book", s.driverAction(s.hub.Engine().Book)).Methods(http.MethodPost)
	rides.HandleFunc("/claim", s.driverAction(s.hub.Engine().RequestAssignment)).Methods(http.MethodPost)
	rides.HandleFunc("/accept", s.driverAction(s.hub.Engine().Accept)).Methods(http.MethodPost)
	rides.HandleFunc("/decline", s.driverAction(s.hub.Engine().Decline)).Methods(http.MethodPost)
	rides.HandleFunc("/end", s.driverAction(s.hub.Engine().End)).Methods(http.MethodPost)
	rides.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
	rides.HandleFunc("/payment-confirmed", s.handlePaymentConfirmed).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		http.Error(w, "lat and lon are required numbers", http.StatusBadRequest)
		return
	}
	var radius float64
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "radius_km must be a number", http.StatusBadRequest)
			return
		}
		radius = f
	}
	writeJSON(w, http.StatusOK, s.hub.Tracker().Nearby(models.Coord{Lat: lat, Lon: lon}, radius))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Tracker().Positions())
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	rides, err := s.hub.Engine().Available(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type actorRequest struct {
	DriverID string `json:"driverId"`
	RiderID  string `json:"riderId"`
}

func (s *Server) driverAction(action func(ctx context.Context, rideID, driverID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.DriverID == "" {
			http.Error(w, "driverId is required", http.StatusUnprocessableEntity)
			return
		}
		rideID := mux.Vars(r)["ride_id"]
		if err := action(r.Context(), rideID, req.DriverID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeRide(w, r, rideID)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RiderID == "" {
		http.Error(w, "riderId is required", http.StatusUnprocessableEntity)
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	if err := s.hub.Engine().Cancel(r.Context(), rideID, req.RiderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRide(w, r, rideID)
}

// handlePaymentConfirmed is called by the payment service once the hold on
// an accepted ride succeeds.
func (s *Server) handlePaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.hub.Engine().ConfirmPayment(r.Context(), rideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRide(w, r, rideID)
}

func (s *Server) writeRide(w http.ResponseWriter, r *http.Request, rideID string) {
	ride, err := s.hub.Engine().Ride(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, matcher.ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, matcher.ErrInvalidState),
		errors.Is(err, matcher.ErrDriverDeclined),
		errors.Is(err, matcher.ErrDriverBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
