package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/aquaflow/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string       `yaml:"endpoint"`
	Username        string       `yaml:"username"`
	Password        string       `yaml:"password"`
	SecurityMode    string       `yaml:"security_mode"`
	SecurityPolicy  string       `yaml:"security_policy"`
	ApplicationName string       `yaml:"application_name"`
	Nodes           []NodeConfig `yaml:"nodes"`
}

// NodeConfig maps one telemetry field of one device to an OPC UA node.
type NodeConfig struct {
	DeviceKey string `yaml:"device_key"`
	Field     string `yaml:"field"`
	NodeID    string `yaml:"node_id"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "AquaFlow"
	}
	for i := range c.Nodes {
		if c.Nodes[i].Field == "" {
			c.Nodes[i].Field = ports.FieldLevel
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	for _, n := range c.Nodes {
		if n.DeviceKey == "" || n.NodeID == "" {
			return fmt.Errorf("node %q: device_key and node_id are required", n.NodeID)
		}
	}
	return nil
}

type nodeRef struct {
	field string
	id    *ua.NodeID
}

// Source reads current node values on demand; the session is opened lazily
// and reused across calls.
type Source struct {
	cfg   Config
	nodes map[string][]nodeRef

	mu     sync.Mutex
	client *opcua.Client
}

func NewSource(cfg Config) (*Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodes := make(map[string][]nodeRef)
	for _, n := range cfg.Nodes {
		id, err := ua.ParseNodeID(n.NodeID)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", n.NodeID, err)
		}
		nodes[n.DeviceKey] = append(nodes[n.DeviceKey], nodeRef{field: n.Field, id: id})
	}
	return &Source{cfg: cfg, nodes: nodes}, nil
}

func (s *Source) Name() string { return "opcua" }

func (s *Source) QueryLatest(ctx context.Context, deviceKey string, fields []string, window time.Duration) (*ports.Point, error) {
	refs := selectNodes(s.nodes[deviceKey], fields)
	if len(refs) == 0 {
		return nil, nil
	}

	client, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	req := &ua.ReadRequest{
		MaxAge:             float64(window / time.Millisecond),
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for _, ref := range refs {
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: ref.id, AttributeID: ua.AttributeIDValue})
	}

	resp, err := client.Read(ctx, req)
	if err != nil {
		s.drop(ctx)
		return nil, fmt.Errorf("opcua read %s: %w", deviceKey, err)
	}
	return toPoint(refs, resp.Results, time.Now().UTC(), window), nil
}

func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Source) session(ctx context.Context) (*opcua.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	client, err := opcua.NewClient(s.cfg.Endpoint, s.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *Source) drop(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		_ = client.Close(ctx)
	}
}

func (s *Source) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func selectNodes(refs []nodeRef, fields []string) []nodeRef {
	if len(fields) == 0 {
		return refs
	}
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	var out []nodeRef
	for _, r := range refs {
		if want[r.field] {
			out = append(out, r)
		}
	}
	return out
}

// toPoint keeps good values no older than window; nil when nothing usable came back.
func toPoint(refs []nodeRef, results []*ua.DataValue, now time.Time, window time.Duration) *ports.Point {
	p := &ports.Point{Fields: make(map[string]any, len(refs))}
	for i, dv := range results {
		if i >= len(refs) || dv == nil || dv.Status != ua.StatusOK {
			continue
		}
		v, ok := variantValue(dv.Value)
		if !ok {
			continue
		}
		ts := dv.SourceTimestamp
		if ts.IsZero() {
			ts = dv.ServerTimestamp
		}
		if ts.IsZero() {
			ts = now
		}
		if window > 0 && now.Sub(ts) > window {
			continue
		}
		p.Fields[refs[i].field] = v
		if ts.After(p.Time) {
			p.Time = ts.UTC()
		}
	}
	if len(p.Fields) == 0 {
		return nil
	}
	return p
}

func variantValue(v *ua.Variant) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8, uint8, int16, uint16, int32, uint32, int64, uint64, bool, string:
		return val, true
	default:
		return nil, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.TelemetrySource = (*Source)(nil)
