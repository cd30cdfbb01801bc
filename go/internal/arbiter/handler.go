package arbiter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mcdev12/livebid/go/internal/events"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Handler serves the auction HTTP API.
type Handler struct {
	arbiter *Arbiter
}

func NewHandler(a *Arbiter) *Handler {
	return &Handler{arbiter: a}
}

// RegisterRoutes adds the API routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/auctions", h.handleListLots)
	mux.HandleFunc("POST /api/auctions", h.handleCreateLot)
	mux.HandleFunc("GET /api/auctions/{id}", h.handleGetLot)
	mux.HandleFunc("POST /api/auctions/{id}/bids", h.handlePlaceBid)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// NewServer builds the HTTP server: API routes behind CORS, served over h2c.
func NewServer(port string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.arbiter.Lots())
}

func (h *Handler) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var spec LotSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	st, err := h.arbiter.CreateLot(spec)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	st, err := h.arbiter.State(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	if bearerToken(r) == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req events.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if req.AuctionID == "" {
		req.AuctionID = id
	}
	if req.AuctionID != id {
		writeError(w, http.StatusBadRequest, "auction id does not match path")
		return
	}

	resp, err := h.arbiter.PlaceBid(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrLotNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidBid), errors.Is(err, ErrInvalidLot):
		return http.StatusBadRequest
	case errors.Is(err, ErrLotExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
