package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"EnergyLedger/internal/ingestion"
)

const maxBodyBytes = 1 << 16

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// NewHTTPHandler serves the BatteryService as HTTP/JSON through a
// grpc-gateway mux, plus /healthz, /readyz and /metrics.
//
//	POST /v1/pools                                     InitializePool
//	POST /v1/pools/{pool_id}/users/{user_id}           OpenUserAccount
//	POST /v1/pools/{pool_id}/users/{user_id}/allocate  Allocate
//	POST /v1/pools/{pool_id}/users/{user_id}/deallocate
//	POST /v1/pools/{pool_id}/users/{user_id}/deposit
//	POST /v1/pools/{pool_id}/users/{user_id}/withdraw
//	GET  /v1/pools/{pool_id}
//	GET  /v1/pools/{pool_id}/users/{user_id}
//	GET  /v1/pools/{pool_id}/audit
func NewHTTPHandler(deps *ServerDeps) http.Handler {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)
	svc := deps.Service

	routes := []route{
		{"POST", "/v1/pools", commandRoute(mux, svc.InitializePool)},
		{"POST", "/v1/pools/{pool_id}/users/{user_id}", commandRoute(mux, svc.OpenUserAccount)},
		{"POST", "/v1/pools/{pool_id}/users/{user_id}/allocate", commandRoute(mux, svc.Allocate)},
		{"POST", "/v1/pools/{pool_id}/users/{user_id}/deallocate", commandRoute(mux, svc.Deallocate)},
		{"POST", "/v1/pools/{pool_id}/users/{user_id}/deposit", commandRoute(mux, svc.DepositEnergy)},
		{"POST", "/v1/pools/{pool_id}/users/{user_id}/withdraw", commandRoute(mux, svc.WithdrawEnergy)},
		{"GET", "/v1/pools/{pool_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(mux, w, r)(svc.GetPool(r.Context(), &GetPoolRequest{PoolID: p["pool_id"]}))
		}},
		{"GET", "/v1/pools/{pool_id}/users/{user_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(mux, w, r)(svc.GetUserAccount(r.Context(), &GetUserAccountRequest{PoolID: p["pool_id"], UserID: p["user_id"]}))
		}},
		{"GET", "/v1/pools/{pool_id}/audit", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			respond(mux, w, r)(svc.AuditPool(r.Context(), &AuditPoolRequest{PoolID: p["pool_id"]}))
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			panic(fmt.Sprintf("register %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	if deps.Gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// commandRoute merges path parameters into the JSON body and hands it to a
// mutating method. Path parameters win over body fields of the same name.
func commandRoute(mux *runtime.ServeMux, call func(context.Context, json.RawMessage) (*OperationResponse, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		body, err := mergeBody(r, params)
		if err != nil {
			_, outbound := runtime.MarshalerForRequest(mux, r)
			runtime.HTTPError(r.Context(), mux, outbound, w, r, toStatus(err))
			return
		}
		respond(mux, w, r)(call(r.Context(), body))
	}
}

func mergeBody(r *http.Request, params map[string]string) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ingestion.ErrInvalidCommand, err)
	}

	fields := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ingestion.ErrInvalidCommand, err)
		}
	}
	for k, v := range params {
		fields[k] = json.RawMessage(strconv.Quote(v))
	}
	return json.Marshal(fields)
}

// respond writes a method's result. It is called as respond(mux, w, r)(svc.X(...)).
func respond(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request) func(interface{}, error) {
	return func(resp interface{}, err error) {
		_, outbound := runtime.MarshalerForRequest(mux, r)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
			return
		}
		data, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
