// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/structs"
)

type clusterSummary struct {
	Environment    string `json:"environment"`
	TotalNodes     int    `json:"total_nodes"`
	HealthyNodes   int    `json:"healthy_nodes"`
	UnhealthyNodes int    `json:"unhealthy_nodes"`
}

type clusterDetail struct {
	Environment    string             `json:"environment"`
	TotalNodes     int                `json:"total_nodes"`
	HealthyNodes   int                `json:"healthy_nodes"`
	UnhealthyNodes int                `json:"unhealthy_nodes"`
	Metrics        *cluster.Metrics   `json:"metrics,omitempty"`
	Nodes          []*nodeHealthState `json:"nodes"`
}

type nodeHealthState struct {
	NodeID        string    `json:"node_id"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

type clusterMetricsResponse struct {
	Environment string             `json:"environment"`
	From        *time.Time         `json:"from,omitempty"`
	To          *time.Time         `json:"to,omitempty"`
	DataPoints  []*cluster.Metrics `json:"data_points"`
}

func (s *HTTPServer) ClustersRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	clusters := s.agent.registry.List()
	out := make([]*clusterSummary, 0, len(clusters))
	for _, c := range clusters {
		health := c.GetHealth(req.Context())
		out = append(out, &clusterSummary{
			Environment:    string(c.Environment()),
			TotalNodes:     health.TotalNodes,
			HealthyNodes:   health.HealthyNodes,
			UnhealthyNodes: health.UnhealthyNodes + health.UnknownNodes,
		})
	}
	return out, nil
}

func (s *HTTPServer) ClusterSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	path := strings.TrimPrefix(req.URL.Path, "/api/v1/clusters/")
	if name, ok := strings.CutSuffix(path, "/metrics"); ok {
		return s.clusterMetrics(req, name)
	}
	return s.clusterDetail(req, path)
}

// lookupCluster resolves an environment path segment. Unknown environments
// are a 404 here, not a 400: the path names a resource, not a request field.
func (s *HTTPServer) lookupCluster(name string) (*cluster.EnvironmentCluster, structs.Environment, error) {
	env, err := structs.ParseEnvironment(name)
	if err != nil {
		return nil, "", CodedError(404, "unknown cluster: "+name)
	}
	c, err := s.agent.registry.Get(env)
	if err != nil {
		return nil, "", CodedError(404, "unknown cluster: "+name)
	}
	return c, env, nil
}

func (s *HTTPServer) clusterDetail(req *http.Request, name string) (interface{}, error) {
	c, env, err := s.lookupCluster(name)
	if err != nil {
		return nil, err
	}

	health := c.GetHealth(req.Context())
	out := &clusterDetail{
		Environment:    string(env),
		TotalNodes:     health.TotalNodes,
		HealthyNodes:   health.HealthyNodes,
		UnhealthyNodes: health.UnhealthyNodes + health.UnknownNodes,
		Nodes:          make([]*nodeHealthState, 0, len(health.Nodes)),
	}
	for _, nh := range health.Nodes {
		out.Nodes = append(out.Nodes, &nodeHealthState{
			NodeID:        nh.NodeID,
			Status:        string(nh.Status),
			LastHeartbeat: nh.LastHeartbeat,
		})
	}

	// Derive the metrics sample from the probe above instead of asking the
	// provider for a second sweep of the same nodes.
	m := &cluster.Metrics{
		Environment:  env,
		Timestamp:    health.ProbedAt,
		TotalNodes:   health.TotalNodes,
		HealthyNodes: health.HealthyNodes,
	}
	if health.TotalNodes > 0 {
		m.HealthyRatio = float64(health.HealthyNodes) / float64(health.TotalNodes)
		m.ErrorRate = float64(health.UnhealthyNodes+health.UnknownNodes) / float64(health.TotalNodes)
	}
	out.Metrics = m
	return out, nil
}

func (s *HTTPServer) clusterMetrics(req *http.Request, name string) (interface{}, error) {
	_, env, err := s.lookupCluster(name)
	if err != nil {
		return nil, err
	}

	var from, to time.Time
	query := req.URL.Query()
	if v := query.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, CodedError(400, "invalid from time: "+err.Error())
		}
	}
	if v := query.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, CodedError(400, "invalid to time: "+err.Error())
		}
	}

	out := &clusterMetricsResponse{
		Environment: string(env),
		DataPoints:  s.agent.provider.History(env, from, to),
	}
	if !from.IsZero() {
		out.From = &from
	}
	if !to.IsZero() {
		out.To = &to
	}
	if out.DataPoints == nil {
		out.DataPoints = []*cluster.Metrics{}
	}
	return out, nil
}
