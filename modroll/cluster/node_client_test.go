// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cluster_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/modroll/modroll/ci"
	"github.com/modroll/modroll/helper/testlog"
	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/mock"
	"github.com/modroll/modroll/modroll/structs"
)

// httpNodeFor points an HTTPNode at a test server.
func httpNodeFor(t *testing.T, srv *httptest.Server) *cluster.HTTPNode {
	t.Helper()
	u, err := url.Parse(srv.URL)
	must.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	must.NoError(t, err)
	return cluster.NewHTTPNode("node-01", u.Hostname(), port, structs.EnvStaging, testlog.HCLogger(t))
}

func TestHTTPNode_DeployModule(t *testing.T) {
	ci.Parallel(t)

	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		must.Eq(t, http.MethodPost, r.Method)
		must.Eq(t, "/v1/modules", r.URL.Path)
		must.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": "installed",
		})
	}))
	defer srv.Close()

	node := httpNodeFor(t, srv)
	req := mock.DeploymentRequest()

	res, err := node.DeployModule(context.Background(), req)
	must.NoError(t, err)
	must.True(t, res.Success)
	must.Eq(t, "installed", res.Message)
	must.Eq(t, "node-01", res.NodeID)

	// The execution id rides along for node-side deduplication.
	must.Eq(t, req.ExecutionID, gotBody["execution_id"])
	must.Eq(t, "auth", gotBody["module_name"])
}

func TestHTTPNode_DeployRefused(t *testing.T) {
	ci.Parallel(t)

	// A 4xx refusal is an expected failure, not a transport error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"message": "disk full",
		})
	}))
	defer srv.Close()

	node := httpNodeFor(t, srv)
	res, err := node.DeployModule(context.Background(), mock.DeploymentRequest())
	must.NoError(t, err)
	must.False(t, res.Success)
	must.Eq(t, "disk full", res.Message)
}

func TestHTTPNode_RetriesServerErrors(t *testing.T) {
	ci.Parallel(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	node := httpNodeFor(t, srv)
	res, err := node.DeployModule(context.Background(), mock.DeploymentRequest())
	must.NoError(t, err)
	must.True(t, res.Success)
	must.Eq(t, int32(3), calls.Load())
}

func TestHTTPNode_DeployExhaustsRetries(t *testing.T) {
	ci.Parallel(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	node := httpNodeFor(t, srv)
	_, err := node.DeployModule(context.Background(), mock.DeploymentRequest())
	must.Error(t, err)
	must.StrContains(t, err.Error(), "node-01")
}

func TestHTTPNode_RollbackModule(t *testing.T) {
	ci.Parallel(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		must.Eq(t, http.MethodDelete, r.Method)
		must.Eq(t, "/v1/modules/auth", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": "reverted",
		})
	}))
	defer srv.Close()

	node := httpNodeFor(t, srv)
	res, err := node.RollbackModule(context.Background(), "auth")
	must.NoError(t, err)
	must.True(t, res.Success)
	must.Eq(t, "reverted", res.Message)
}

func TestHTTPNode_GetHealth(t *testing.T) {
	ci.Parallel(t)

	heartbeat := time.Now().Add(-5 * time.Second).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		must.Eq(t, "/v1/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":        true,
			"status":         "healthy",
			"last_heartbeat": heartbeat,
		})
	}))
	defer srv.Close()

	node := httpNodeFor(t, srv)
	health := node.GetHealth(context.Background())
	must.Eq(t, structs.NodeStatusHealthy, health.Status)
	must.True(t, health.IsHealthy)
	must.Eq(t, heartbeat, health.LastHeartbeat)
}

func TestHTTPNode_GetHealth_ProbeFailure(t *testing.T) {
	ci.Parallel(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	node := httpNodeFor(t, srv)
	health := node.GetHealth(context.Background())
	must.Eq(t, structs.NodeStatusUnknown, health.Status)
	must.False(t, health.IsHealthy)
}
