package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

const (
	maxRequestBytes = 1 << 20
	writeTimeout    = 10 * time.Second
)

// SubmitRequest is the JSON body of POST /v1/batches.
type SubmitRequest struct {
	Kind      coordinator.Kind `json:"kind"`
	Targets   []string         `json:"targets"`
	Payload   string           `json:"payload,omitempty"`
	Payloads  []string         `json:"payloads,omitempty"`
	CallerTag string           `json:"caller_tag,omitempty"`
	Priority  int              `json:"priority,omitempty"`
}

// SubmitResponse is returned for an accepted batch.
type SubmitResponse struct {
	BatchID      string   `json:"batch_id"`
	OperationIDs []string `json:"operation_ids"`
}

// BatchResponse is returned by GET /v1/batches/{id}. Summary is nil while
// the batch is still open.
type BatchResponse struct {
	BatchID  string               `json:"batch_id"`
	Complete bool                 `json:"complete"`
	Summary  *coordinator.Summary `json:"summary,omitempty"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	coordinator.State
	PacingInterval string `json:"pacing_interval"`
}

// ErrorResponse represents a standardized error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes holds the handlers' dependencies.
type Routes struct {
	coord  Coordinator
	logger *slog.Logger
}

// Router creates the /v1 routes.
func Router(c Coordinator, logger *slog.Logger) http.Handler {
	routes := &Routes{coord: c, logger: logger}

	r := chi.NewRouter()

	r.Get("/status", routes.getStatus)
	r.Post("/resume", routes.resume)

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", routes.submitBatch)
		r.Get("/{id}", routes.getBatch)
		r.Delete("/{id}", routes.cancelBatch)
		r.Get("/{id}/events", routes.streamEvents)
	})

	return r
}

func (rr *Routes) submitBatch(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	handle, err := rr.coord.Submit(r.Context(), coordinator.Request{
		Kind:      body.Kind,
		Targets:   body.Targets,
		Payload:   body.Payload,
		Payloads:  body.Payloads,
		CallerTag: body.CallerTag,
		Priority:  body.Priority,
	})

	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, coordinator.ErrQueueOverflow):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		rr.logger.Error("api: submit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "submit failed")

		return
	}

	w.Header().Set("Location", "/v1/batches/"+handle.ID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		BatchID:      handle.ID,
		OperationIDs: handle.OperationIDs,
	})
}

func (rr *Routes) getBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sum, done, err := rr.coord.Summary(id)
	if errors.Is(err, coordinator.ErrUnknownBatch) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := BatchResponse{BatchID: id, Complete: done}
	if done {
		resp.Summary = &sum
	}

	writeJSON(w, http.StatusOK, resp)
}

func (rr *Routes) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := rr.coord.Cancel(id); err != nil {
		if errors.Is(err, coordinator.ErrUnknownBatch) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}

		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (rr *Routes) getStatus(w http.ResponseWriter, _ *http.Request) {
	st := rr.coord.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:          st,
		PacingInterval: st.PacingInterval.String(),
	})
}

// resume clears an authentication pause. Resuming a running coordinator is
// a no-op.
func (rr *Routes) resume(w http.ResponseWriter, _ *http.Request) {
	rr.coord.Resume()
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents upgrades to a websocket and relays the batch's events as
// JSON text messages. The server closes the connection normally after the
// summary event.
func (rr *Routes) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := rr.coord.Subscribe(id)
	if errors.Is(err, coordinator.ErrUnknownBatch) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		rr.logger.Warn("api: websocket upgrade failed",
			slog.String("batch_id", id),
			slog.String("error", err.Error()),
		)

		return
	}
	defer conn.CloseNow() //nolint:errcheck // best effort after a normal close

	// Clients only read; CloseRead handles their control frames and cancels
	// ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "batch complete") //nolint:errcheck // peer may be gone
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()

			if err != nil {
				rr.logger.Debug("api: websocket write failed",
					slog.String("batch_id", id),
					slog.String("error", err.Error()),
				)

				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
