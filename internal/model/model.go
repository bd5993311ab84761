// Package model holds the agent's view of desired state as reported by
// the control plane: components, servers, the compute node they belong
// to, and the deployment status vocabulary shared across the engine,
// dispatcher and exporter.
package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/splightplatform/splight-agent/internal/restclient"
)

// Kind distinguishes the two deployable instance variants. Every label
// and API path the agent touches branches on it.
type Kind string

const (
	KindComponent Kind = "component"
	KindServer    Kind = "server"
)

// DeploymentStatus is the status vocabulary the exporter publishes and
// the dispatcher reads back.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "Pending"
	StatusRunning   DeploymentStatus = "Running"
	StatusSucceeded DeploymentStatus = "Succeeded"
	StatusFailed    DeploymentStatus = "Failed"
	StatusStopped   DeploymentStatus = "Stopped"
	StatusUnknown   DeploymentStatus = "Unknown"
)

// Capacity is the coarse-grained sizing tier a deployment is declared
// at; internal/engine translates it into a concrete memory limit.
type Capacity string

const (
	CapacitySmall     Capacity = "small"
	CapacityMedium    Capacity = "medium"
	CapacityLarge     Capacity = "large"
	CapacityVeryLarge Capacity = "very_large"
)

// RestartPolicy mirrors the container runtime's restart policy modes,
// named the way the control plane declares them.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "Always"
	RestartOnFailure RestartPolicy = "OnFailure"
	RestartNever     RestartPolicy = "Never"
)

// HubArtifact is the image-acquisition half of a deployable instance:
// it knows where to ask the control plane for a presigned tarball URL
// and what to name the staged file.
type HubArtifact interface {
	ID() string
	Name() string
	Version() string
	// RunnerCLIVersion is empty when the artifact does not pin one;
	// the engine treats that as "current".
	RunnerCLIVersion() string
	// DownloadURLPath is the control-plane path (below the API version
	// prefix) that resolves to a presigned tarball URL.
	DownloadURLPath() string
	// ImageFileName is the name the tarball is staged under locally.
	ImageFileName() string
}

// HubComponent is a versioned component build published to the hub.
type HubComponent struct {
	HubID         string `json:"id"`
	HubName       string `json:"name"`
	HubVersion    string `json:"version"`
	RunnerVersion string `json:"runner_cli_version"`
}

func (h HubComponent) ID() string               { return h.HubID }
func (h HubComponent) Name() string             { return h.HubName }
func (h HubComponent) Version() string          { return h.HubVersion }
func (h HubComponent) RunnerCLIVersion() string { return h.RunnerVersion }
func (h HubComponent) DownloadURLPath() string {
	return fmt.Sprintf("hub/component/versions/%s/download_url/", h.HubID)
}
func (h HubComponent) ImageFileName() string {
	return fmt.Sprintf("%s-%s", h.HubName, h.HubVersion)
}

// HubServer is a versioned server image published to the hub.
type HubServer struct {
	HubID      string `json:"id"`
	HubName    string `json:"name"`
	HubVersion string `json:"version"`
}

func (h HubServer) ID() string             { return h.HubID }
func (h HubServer) Name() string            { return h.HubName }
func (h HubServer) Version() string         { return h.HubVersion }
func (h HubServer) RunnerCLIVersion() string { return "" }
func (h HubServer) DownloadURLPath() string {
	return fmt.Sprintf("hub/server/versions/%s/download_url/", h.HubID)
}
func (h HubServer) ImageFileName() string {
	return fmt.Sprintf("%s-%s", h.HubName, h.HubVersion)
}

// Port is a single port mapping declared on a server.
type Port struct {
	Name         string `json:"name"`
	Protocol     string `json:"protocol"`
	InternalPort int    `json:"internal_port"`
	ExposedPort  int    `json:"exposed_port"`
}

// EnvVar is a single environment variable declared on a server.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Instance is the common surface the dispatcher and engine operate on,
// regardless of whether the underlying record is a Component or a
// Server.
type Instance interface {
	ID() string
	Name() string
	Kind() Kind
	Active() bool
	Status() DeploymentStatus
	SetStatus(DeploymentStatus)
	Capacity() Capacity
	LogLevel() string
	RestartPolicy() RestartPolicy
	ComputeNodeID() string
	Hub() HubArtifact
	// Hash is the canonical state hash: two instances with equal
	// hashes are deployment-equivalent and need no action.
	Hash() string
	UpdateStatus(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// Component is a deployed algorithm/connector instance.
type Component struct {
	ComponentID     string                   `json:"id"`
	ComponentName   string                   `json:"name"`
	Input           []map[string]interface{} `json:"input"`
	HubComponentRaw HubComponent             `json:"hub_component"`
	Active_         bool                     `json:"deployment_active"`
	Status_         DeploymentStatus         `json:"deployment_status"`
	Capacity_       Capacity                 `json:"deployment_capacity"`
	LogLevel_       string                   `json:"deployment_log_level"`
	RestartPolicy_  RestartPolicy            `json:"deployment_restart_policy"`
	NodeID          string                   `json:"compute_node"`

	client *restclient.Client
}

// NewComponent attaches a REST client to a Component decoded from the
// control plane's component-list response.
func NewComponent(c Component, client *restclient.Client) *Component {
	c.client = client
	return &c
}

func (c *Component) ID() string                     { return c.ComponentID }
func (c *Component) Name() string                    { return c.ComponentName }
func (c *Component) Kind() Kind                      { return KindComponent }
func (c *Component) Active() bool                    { return c.Active_ }
func (c *Component) Status() DeploymentStatus        { return c.Status_ }
func (c *Component) SetStatus(s DeploymentStatus)    { c.Status_ = s }
func (c *Component) Capacity() Capacity              { return c.Capacity_ }
func (c *Component) LogLevel() string                { return c.LogLevel_ }
func (c *Component) RestartPolicy() RestartPolicy    { return c.RestartPolicy_ }
func (c *Component) ComputeNodeID() string           { return c.NodeID }
func (c *Component) Hub() HubArtifact                { return c.HubComponentRaw }

type componentHashPayload struct {
	Capacity      Capacity                 `json:"deployment_capacity"`
	LogLevel      string                   `json:"deployment_log_level"`
	RestartPolicy RestartPolicy            `json:"deployment_restart_policy"`
	Input         []map[string]interface{} `json:"input"`
}

func (c *Component) Hash() string {
	return hashJSON(componentHashPayload{
		Capacity:      c.Capacity_,
		LogLevel:      c.LogLevel_,
		RestartPolicy: c.RestartPolicy_,
		Input:         c.Input,
	})
}

func (c *Component) UpdateStatus(ctx context.Context) error {
	path := fmt.Sprintf("engine/component/components/%s/update-status/", c.ComponentID)
	return c.client.Post(ctx, path, map[string]string{"deployment_status": string(c.Status_)}, nil)
}

func (c *Component) Refresh(ctx context.Context) error {
	path := fmt.Sprintf("engine/component/components/%s/", c.ComponentID)
	var fresh Component
	if err := c.client.Get(ctx, path, nil, &fresh); err != nil {
		return err
	}
	client := c.client
	*c = fresh
	c.client = client
	return nil
}

// Server is a deployed bare-image server (no component runtime layer).
type Server struct {
	ServerID       string           `json:"id"`
	ServerName     string           `json:"name"`
	ConfigValue    string           `json:"config"`
	PortsValue     []Port           `json:"ports"`
	EnvVarsValue   []EnvVar         `json:"env_vars"`
	HubServerRaw   HubServer        `json:"hub_server"`
	Active_        bool             `json:"deployment_active"`
	Status_        DeploymentStatus `json:"deployment_status"`
	Capacity_      Capacity         `json:"deployment_capacity"`
	LogLevel_      string           `json:"deployment_log_level"`
	RestartPolicy_ RestartPolicy    `json:"deployment_restart_policy"`
	NodeID         string           `json:"compute_node"`

	client *restclient.Client
}

// NewServer attaches a REST client to a Server decoded from the
// control plane's server-list response.
func NewServer(s Server, client *restclient.Client) *Server {
	s.client = client
	return &s
}

func (s *Server) ID() string                  { return s.ServerID }
func (s *Server) Name() string                 { return s.ServerName }
func (s *Server) Kind() Kind                   { return KindServer }
func (s *Server) Active() bool                 { return s.Active_ }
func (s *Server) Status() DeploymentStatus     { return s.Status_ }
func (s *Server) SetStatus(st DeploymentStatus) { s.Status_ = st }
func (s *Server) Capacity() Capacity           { return s.Capacity_ }
func (s *Server) LogLevel() string             { return s.LogLevel_ }
func (s *Server) RestartPolicy() RestartPolicy { return s.RestartPolicy_ }
func (s *Server) ComputeNodeID() string        { return s.NodeID }
func (s *Server) Hub() HubArtifact             { return s.HubServerRaw }
func (s *Server) Ports() []Port                { return s.PortsValue }
func (s *Server) EnvVars() []EnvVar            { return s.EnvVarsValue }
func (s *Server) Config() string               { return s.ConfigValue }

type serverHashPayload struct {
	Capacity      Capacity      `json:"deployment_capacity"`
	LogLevel      string        `json:"deployment_log_level"`
	RestartPolicy RestartPolicy `json:"deployment_restart_policy"`
	Config        string        `json:"config"`
	Ports         []Port        `json:"ports"`
	EnvVars       []EnvVar      `json:"env_vars"`
}

func (s *Server) Hash() string {
	return hashJSON(serverHashPayload{
		Capacity:      s.Capacity_,
		LogLevel:      s.LogLevel_,
		RestartPolicy: s.RestartPolicy_,
		Config:        s.ConfigValue,
		Ports:         s.PortsValue,
		EnvVars:       s.EnvVarsValue,
	})
}

func (s *Server) UpdateStatus(ctx context.Context) error {
	path := fmt.Sprintf("engine/server/servers/%s/update-status/", s.ServerID)
	return s.client.Post(ctx, path, map[string]string{"deployment_status": string(s.Status_)}, nil)
}

func (s *Server) Refresh(ctx context.Context) error {
	path := fmt.Sprintf("engine/server/servers/%s/", s.ServerID)
	var fresh Server
	if err := s.client.Get(ctx, path, nil, &fresh); err != nil {
		return err
	}
	client := s.client
	*s = fresh
	s.client = client
	return nil
}

func hashJSON(v interface{}) string {
	// Struct field order is fixed at compile time and map keys are
	// sorted by encoding/json, so this is independent of the order
	// callers happened to populate fields in.
	b, err := json.Marshal(v)
	if err != nil {
		// v is always one of this package's own payload types; a
		// marshal failure here means a programming error, not a
		// runtime condition callers can recover from.
		panic(fmt.Sprintf("model: unmarshalable hash payload: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ComputeNode is the agent's handle on its own identity in the control
// plane: it lists declared instances and reports health/usage/latency
// back.
type ComputeNode struct {
	NodeID   string
	NodeName string
	client   *restclient.Client
}

// NewComputeNode builds the node handle the agent uses for the
// lifetime of the process.
func NewComputeNode(id, name string, client *restclient.Client) *ComputeNode {
	return &ComputeNode{NodeID: id, NodeName: name, client: client}
}

func (n *ComputeNode) ID() string { return n.NodeID }

// Components lists every component declared against this node.
func (n *ComputeNode) Components(ctx context.Context) ([]*Component, error) {
	path := fmt.Sprintf("engine/compute/nodes/all/%s/components/", n.NodeID)
	var raw []Component
	if err := n.client.Get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]*Component, 0, len(raw))
	for _, c := range raw {
		out = append(out, NewComponent(c, n.client))
	}
	return out, nil
}

// Servers lists every server declared against this node.
func (n *ComputeNode) Servers(ctx context.Context) ([]*Server, error) {
	path := fmt.Sprintf("engine/compute/nodes/all/%s/servers/", n.NodeID)
	var raw []Server
	if err := n.client.Get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]*Server, 0, len(raw))
	for _, s := range raw {
		out = append(out, NewServer(s, n.client))
	}
	return out, nil
}

// Instances lists the full declared workload for this node: every
// component followed by every server.
func (n *ComputeNode) Instances(ctx context.Context) ([]Instance, error) {
	components, err := n.Components(ctx)
	if err != nil {
		return nil, err
	}
	servers, err := n.Servers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(components)+len(servers))
	for _, c := range components {
		out = append(out, c)
	}
	for _, s := range servers {
		out = append(out, s)
	}
	return out, nil
}

// ReportVersion tells the control plane which agent build is running.
func (n *ComputeNode) ReportVersion(ctx context.Context, version string) error {
	path := fmt.Sprintf("engine/compute/nodes/all/%s/update-version/", n.NodeID)
	return n.client.Post(ctx, path, map[string]string{"agent_version": version}, nil)
}

// Ping hits the node's healthcheck endpoint; used by both the beacon
// (as a liveness signal) and the latency reporter (as a round-trip
// probe, since no dedicated ping path exists).
func (n *ComputeNode) Ping(ctx context.Context) error {
	path := fmt.Sprintf("engine/compute/nodes/all/%s/healthcheck/", n.NodeID)
	return n.client.Post(ctx, path, nil, nil)
}

// SaveUsage reports a CPU/memory/disk sample.
func (n *ComputeNode) SaveUsage(ctx context.Context, cpuPercent, memPercent, diskPercent float64) error {
	path := fmt.Sprintf("engine/compute/nodes/all/%s/usage/", n.NodeID)
	body := map[string]float64{
		"cpu_percent":    cpuPercent,
		"memory_percent": memPercent,
		"disk_percent":   diskPercent,
	}
	return n.client.Post(ctx, path, body, nil)
}

// SaveLatency reports a round-trip latency sample in milliseconds.
func (n *ComputeNode) SaveLatency(ctx context.Context, latencyMs float64) error {
	path := fmt.Sprintf("engine/compute/nodes/all/%s/latency/", n.NodeID)
	return n.client.Post(ctx, path, map[string]float64{"latency": latencyMs}, nil)
}

// NewMinimalComponent reconstructs just enough of a Component to
// refresh its status from the control plane, given only the ID a
// container label carried. Used by Engine.StopAll when reconciling
// containers the agent no longer has declared state for.
func NewMinimalComponent(id string, client *restclient.Client) *Component {
	return &Component{ComponentID: id, client: client}
}

// NewMinimalServer is the Server equivalent of NewMinimalComponent.
func NewMinimalServer(id string, client *restclient.Client) *Server {
	return &Server{ServerID: id, client: client}
}
