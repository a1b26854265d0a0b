package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/thekhoo/speedsnake/internal/chart"
	"github.com/thekhoo/speedsnake/internal/dashboard"
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/session"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// SessionCookie names the cookie carrying the session ID.
const SessionCookie = "speedsnake_session"

type ctxKey int

const ctxKeySession ctxKey = iota

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// QueryResponse echoes the resolved query.
type QueryResponse struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Granularity string `json:"granularity"`
}

// RowResponse is one aggregated row.
type RowResponse struct {
	Time         time.Time `json:"time"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
}

// ViewResponse is the body of /api/view.
type ViewResponse struct {
	Query QueryResponse `json:"query"`
	Rows  []RowResponse `json:"rows"`
	*dashboard.View
}

func newViewResponse(v *dashboard.View) ViewResponse {
	rows := make([]RowResponse, len(v.Rows))
	for i, r := range v.Rows {
		rows[i] = RowResponse{
			Time:         r.Time,
			DownloadMbps: r.DownloadMbps,
			UploadMbps:   r.UploadMbps,
			PingMs:       r.PingMs,
		}
	}
	return ViewResponse{
		Query: QueryResponse{
			Start:       v.Query.Start.String(),
			End:         v.Query.End.String(),
			Granularity: v.Query.Granularity.String(),
		},
		Rows: rows,
		View: v,
	}
}

// =============================================================================
// Middleware
// =============================================================================

// observe tags the request with an ID, logs it and records metrics under
// the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.ContextWithRequestID(r.Context(), s.requestID.Add(1))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		s.metrics.RecordRequest(route, status, elapsed)
		logging.WithContext(ctx).Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"elapsed", elapsed,
		)
	})
}

// withSession resolves the session cookie, issuing a fresh ID when the
// cookie is missing or malformed.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			if _, perr := uuid.Parse(c.Value); perr == nil {
				id = c.Value
			}
		}

		sess, err := s.mgr.Get(id)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if id == "" {
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sess.ID(),
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Secure:   r.TLS != nil,
			})
		}

		ctx := context.WithValue(r.Context(), ctxKeySession, sess)
		next.ServeHTTP(w, r.WithContext(sess.Context(ctx)))
	})
}

func sessionFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(ctxKeySession).(*session.Session)
	return sess
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.mgr.Len(),
	})
}

func (s *Server) handleBounds(w http.ResponseWriter, r *http.Request) {
	b, err := s.dash.Bounds(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newViewResponse(v))
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != "speed" && name != "ping" {
		writeJSONError(w, "unknown chart "+strconv.Quote(name), http.StatusNotFound)
		return
	}

	v, err := s.view(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if name == "speed" {
		err = chart.RenderSpeed(w, v.Speed, s.cfg.Chart)
	} else {
		err = chart.RenderPing(w, v.Ping, s.cfg.Chart)
	}
	if err != nil {
		logging.WithContext(r.Context()).Debug("chart write failed", "chart", name, "error", err)
	}
}

// view resolves the request's query parameters against the data bounds and
// runs the dashboard pipeline.
func (s *Server) view(r *http.Request) (*dashboard.View, error) {
	ctx := r.Context()
	bounds, err := s.dash.Bounds(ctx)
	if err != nil {
		return nil, err
	}

	params := r.URL.Query()
	q, err := dashboard.ParseQuery(params.Get("start"), params.Get("end"), params.Get("granularity"), bounds)
	if err != nil {
		return nil, err
	}
	return s.dash.View(ctx, sessionFrom(ctx), q)
}

// =============================================================================
// Responses
// =============================================================================

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	s.writeErrorLog(ctx, err, status)
	writeJSONError(w, err.Error(), status)
}

func (s *Server) writeErrorLog(ctx context.Context, err error, status int) {
	lg := logging.WithContext(ctx)
	if status >= http.StatusInternalServerError {
		lg.Error("request failed", "error", err)
	} else {
		lg.Debug("bad request", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.IsUserError(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v before writing the status, so a value JSON cannot
// represent (NaN, Inf) becomes a 500 instead of a truncated response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error("encode response", "error", err)
		buf.Reset()
		status = http.StatusInternalServerError
		json.NewEncoder(&buf).Encode(ErrorResponse{Error: "encode response: " + err.Error()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug("write response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// granularityOptions feeds the page's select box.
func granularityOptions(selected types.Granularity) []option {
	out := make([]option, 0, len(types.AllGranularities()))
	for _, g := range types.AllGranularities() {
		out = append(out, option{Label: g.String(), Selected: g == selected})
	}
	return out
}
