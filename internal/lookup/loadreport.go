package lookup

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/topicmesh/broker/errs"
)

// LoadReport is one broker's self-reported load, exchanged with its
// peers over the inter-broker gRPC surface so the leader can pick a
// lightly loaded broker when assigning an unowned bundle.
type LoadReport struct {
	Broker      string  `msgpack:"broker"`
	BundleCount int32   `msgpack:"bundle_count"`
	MsgRateIn   float64 `msgpack:"msg_rate_in"`
	MsgRateOut  float64 `msgpack:"msg_rate_out"`
	TimestampNS int64   `msgpack:"timestamp_ns"`
}

// ReportAck is the empty acknowledgment returned by the LoadReport RPC.
type ReportAck struct{}

// LoadReportStore holds the most recent report from every broker this
// process has heard from, used by the Lookup Engine's leader branch to
// pick an assignee for a newly-claimed bundle.
type LoadReportStore struct {
	mu      sync.RWMutex
	reports map[string]LoadReport
	maxAge  time.Duration
}

// NewLoadReportStore constructs a store that treats reports older than
// maxAge as stale.
func NewLoadReportStore(maxAge time.Duration) *LoadReportStore {
	return &LoadReportStore{reports: make(map[string]LoadReport), maxAge: maxAge}
}

// Update records the latest report from a broker.
func (s *LoadReportStore) Update(r LoadReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.Broker] = r
}

// Get returns the most recent report for broker, if any and not stale.
func (s *LoadReportStore) Get(broker string) (LoadReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[broker]
	if !ok {
		return LoadReport{}, false
	}
	if s.maxAge > 0 && time.Duration(nowUnixNano()-r.TimestampNS) > s.maxAge {
		return LoadReport{}, false
	}
	return r, true
}

// LeastLoaded picks the lowest-bundle-count broker among candidates with
// a live report, falling back to the first candidate if none have
// reported yet.
func (s *LoadReportStore) LeastLoaded(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := ""
	bestCount := int32(-1)
	for _, c := range candidates {
		r, ok := s.reports[c]
		if !ok || (s.maxAge > 0 && time.Duration(nowUnixNano()-r.TimestampNS) > s.maxAge) {
			continue
		}
		if bestCount < 0 || r.BundleCount < bestCount {
			best = c
			bestCount = r.BundleCount
		}
	}
	if best == "" {
		return candidates[0], true
	}
	return best, true
}

func nowUnixNano() int64 { return time.Now().UnixNano() }

// loadReportServiceName is the gRPC service path reports are exchanged
// under: one small service per control-plane concern.
const loadReportServiceName = "/topicmesh.lookup.LoadReport/Report"

// LoadReportServer receives LoadReport pushes from peer brokers.
type LoadReportServer struct {
	store *LoadReportStore
}

// NewLoadReportServer constructs a server backed by store.
func NewLoadReportServer(store *LoadReportStore) *LoadReportServer {
	return &LoadReportServer{store: store}
}

func (s *LoadReportServer) report(ctx context.Context, req *LoadReport) (*ReportAck, error) {
	s.store.Update(*req)
	return &ReportAck{}, nil
}

// loadReportServiceDesc is hand-written rather than protoc-generated
// since this surface exchanges plain structs through the msgpack codec
// (see codec.go), not protobuf messages.
var loadReportServiceDesc = grpc.ServiceDesc{
	ServiceName: "topicmesh.lookup.LoadReport",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Report",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(LoadReport)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*LoadReportServer)
				if interceptor == nil {
					return s.report(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: loadReportServiceName}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.report(ctx, req.(*LoadReport))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "topicmesh/loadreport",
}

// RegisterLoadReportServer attaches srv to a grpc.Server.
func RegisterLoadReportServer(s *grpc.Server, srv *LoadReportServer) {
	s.RegisterService(&loadReportServiceDesc, srv)
}

// LoadReportClient pushes this broker's own load to one peer.
type LoadReportClient struct {
	cc *grpc.ClientConn
}

// NewLoadReportClient wraps an established connection to a peer broker.
func NewLoadReportClient(cc *grpc.ClientConn) *LoadReportClient {
	return &LoadReportClient{cc: cc}
}

// Report pushes r to the peer this client is connected to.
func (c *LoadReportClient) Report(ctx context.Context, r LoadReport) error {
	ack := new(ReportAck)
	err := c.cc.Invoke(ctx, loadReportServiceName, &r, ack, grpc.CallContentSubtype(msgpackCodecName))
	if err != nil {
		return errs.Wrap(errs.KindTransient, err, "push load report to peer")
	}
	return nil
}
