package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// httpBody is the JSON body of POST /{endpoint}.
type httpBody struct {
	Data       []*types.Document      `json:"data"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// httpReply is the JSON reply: the final merged document list plus the
// routing trace.
type httpReply struct {
	Header     types.Header           `json:"header"`
	Data       []*types.Document      `json:"data"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Routes     []*types.RouteStatus   `json:"routes,omitempty"`
	Status     *types.Status          `json:"status,omitempty"`
}

// httpHandler builds the request/response HTTP surface. Unlike the
// streaming transports each POST carries exactly one request, and the
// responses of all end pods are merged into a single reply.
func (gw *Gateway) httpHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		metrics.HealthHandler().ServeHTTP(w, req)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Post("/*", func(w http.ResponseWriter, req *http.Request) {
		var body httpBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		ctx := req.Context()
		if gw.sem != nil {
			if err := gw.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer gw.sem.Release(1)
		}
		metrics.InflightRequests.Inc()
		defer metrics.InflightRequests.Dec()

		dataReq := &types.DataRequest{
			Header: types.Header{
				RequestID: uuid.NewString(),
				Endpoint:  req.URL.Path,
			},
			Parameters: body.Parameters,
			Docs:       body.Data,
		}

		var mu sync.Mutex
		var collected []*types.DataResponse
		err := gw.process(ctx, dataReq, func(resp *types.DataResponse) {
			mu.Lock()
			collected = append(collected, resp)
			mu.Unlock()
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		merged := types.Merge(collected)
		if merged == nil {
			merged = types.NewResponse(dataReq)
		}
		reply := httpReply{
			Header:     merged.Header,
			Data:       merged.Docs,
			Parameters: merged.Parameters,
			Routes:     merged.Routes,
			Status:     merged.Status,
		}

		w.Header().Set("Content-Type", "application/json")
		if merged.StatusCode() == types.StatusError {
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(reply)
	})

	return r
}
