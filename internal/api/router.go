package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tturner/mbmap/internal/logging"
)

// NewRouter exposes the store as a read-only JSON API:
//
//	GET /healthz
//	GET /api/v1/map
//	GET /api/v1/units
//	GET /api/v1/units/{unit}
//	GET /api/v1/units/{unit}/registers/{address}
func NewRouter(store *Store) *mux.Router {
	h := &handler{store: store}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/map", h.fullMap).Methods(http.MethodGet)
	v1.HandleFunc("/units", h.units).Methods(http.MethodGet)
	v1.HandleFunc("/units/{unit:[0-9]+}", h.unit).Methods(http.MethodGet)
	v1.HandleFunc("/units/{unit:[0-9]+}/registers/{address:[0-9]+}", h.register).Methods(http.MethodGet)
	return r
}

type handler struct {
	store *Store
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"updates": h.store.Updates(),
	})
}

func (h *handler) fullMap(w http.ResponseWriter, r *http.Request) {
	rep := h.store.Get()
	if rep == nil {
		writeError(w, http.StatusServiceUnavailable, "no register map yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) units(w http.ResponseWriter, r *http.Request) {
	rep := h.store.Get()
	if rep == nil {
		writeError(w, http.StatusServiceUnavailable, "no register map yet")
		return
	}
	ids := make([]int, 0, len(rep.Units))
	for unit := range rep.Units {
		ids = append(ids, int(unit))
	}
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string]any{"units": ids})
}

func (h *handler) unit(w http.ResponseWriter, r *http.Request) {
	rep := h.store.Get()
	if rep == nil {
		writeError(w, http.StatusServiceUnavailable, "no register map yet")
		return
	}
	unit, ok := parseVar(w, r, "unit", 8)
	if !ok {
		return
	}
	regs, found := rep.Units[uint8(unit)]
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unit %d not observed", unit))
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	rep := h.store.Get()
	if rep == nil {
		writeError(w, http.StatusServiceUnavailable, "no register map yet")
		return
	}
	unit, ok := parseVar(w, r, "unit", 8)
	if !ok {
		return
	}
	addr, ok := parseVar(w, r, "address", 16)
	if !ok {
		return
	}
	entry, found := rep.Units.Lookup(uint8(unit), uint16(addr))
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("register %d on unit %d not observed", addr, unit))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func parseVar(w http.ResponseWriter, r *http.Request, name string, bits int) (uint64, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, bits)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen on %s: %w", addr, err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("API server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown API server: %w", err)
	}
	return nil
}
