// Command dbviewd is a thin demo frontend wiring BranchIndex, a branch, and
// a session view behind a hand-rolled gRPC JSON service, in the same style
// as cmd/server/main.go: no protobuf, a manual
// grpc.ServiceDesc, and a JSON codec. It exists to exercise the core
// end-to-end, not as a production server — authentication, protocol
// framing, and the real compiler pool are all out of scope.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"

	"github.com/edgedb/dbview/internal/compilerref"
	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/persiststore"
	"github.com/edgedb/dbview/internal/registry"
	"github.com/edgedb/dbview/internal/session"
	"github.com/edgedb/dbview/internal/units"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

var (
	flagGRPC         = flag.String("grpc", ":9090", "gRPC listen address")
	flagInstanceName = flag.String("instance", "dbviewd", "instance name used for metric labels")
	flagStorePath    = flag.String("store", ":memory:", "sqlite path for the persisted cache entry store")
	flagBranch       = flag.String("branch", "main", "default branch name to create at startup")
	flagCacheCap     = flag.Int("cache-capacity", 1000, "per-branch compiled-query LRU capacity")
)

type parseRequest struct {
	Branch string `json:"branch"`
	Text   string `json:"text"`
}

type parseResponse struct {
	FromCache bool   `json:"from_cache"`
	SQL       string `json:"sql"`
	Error     string `json:"error,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                              { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)              { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error         { return json.Unmarshal(data, v) }

// dbviewServer is the RPC-facing interface, analogous to the design's
// TinySQLServer.
type dbviewServer interface {
	Parse(context.Context, *parseRequest) (*parseResponse, error)
}

func registerDBViewServer(s *grpc.Server, srv dbviewServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "dbview.DBView",
		HandlerType: (*dbviewServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Parse", Handler: _DBView_Parse_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "dbview",
	}, srv)
}

func _DBView_Parse_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(parseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dbviewServer).Parse(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dbview.DBView/Parse"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(dbviewServer).Parse(ctx, req.(*parseRequest)) }
	return interceptor(ctx, in, info, handler)
}

type demoServer struct {
	idx      *registry.BranchIndex
	compiler *compilerref.Compiler
	tenant   *persiststore.ReferenceTenant
	sessions map[string]*session.View
}

func (s *demoServer) Parse(ctx context.Context, req *parseRequest) (*parseResponse, error) {
	b, err := s.idx.GetBranch(req.Branch)
	if err != nil {
		return &parseResponse{Error: err.Error()}, nil
	}

	view, ok := s.sessions[req.Branch]
	if !ok {
		view = session.New(session.Config{
			Branch:          b,
			Compiler:        s.compiler,
			Tenant:          s.tenant,
			SystemCache:     s.idx,
			ProtocolVersion: [2]uint16{2, 0},
			ClientID:        uuid.New(),
			CapabilityMask:  units.CapModifications | units.CapDDL | units.CapTransaction | units.CapSessionConfig,
		})
		s.sessions[req.Branch] = view
	}

	fp := fingerprint.New(req.Text, fingerprint.LanguageSQL, fingerprint.OutputNone)
	fp.SetSchemaVersion(b.SchemaVersion())

	res, err := view.Parse(ctx, fp, req.Text, session.ParseOptions{
		Allowed:    units.CapModifications | units.CapDDL | units.CapTransaction | units.CapSessionConfig,
		UseMetrics: true,
	})
	if err != nil {
		return &parseResponse{Error: err.Error()}, nil
	}
	return &parseResponse{FromCache: res.FromCache, SQL: res.Group.FirstUnit().SQL}, nil
}

func main() {
	flag.Parse()

	store, err := persiststore.Open(*flagStorePath)
	if err != nil {
		log.Fatalf("dbviewd: open store: %v", err)
	}
	defer store.Close()

	idx := registry.New(*flagInstanceName)
	defer idx.Stop()

	tenant := persiststore.NewReferenceTenant(store, *flagInstanceName)
	idx.RegisterDB(*flagBranch, tenant, false, *flagCacheCap)

	srv := &demoServer{
		idx:      idx,
		compiler: compilerref.New(),
		tenant:   tenant,
		sessions: map[string]*session.View{},
	}

	encoding.RegisterCodec(jsonCodec{})

	lis, err := net.Listen("tcp", *flagGRPC)
	if err != nil {
		log.Fatalf("dbviewd: listen: %v", err)
	}

	gsrv := grpc.NewServer()
	registerDBViewServer(gsrv, srv)

	log.Printf("dbviewd: listening on %s (instance=%s branch=%s)", *flagGRPC, *flagInstanceName, *flagBranch)
	if err := gsrv.Serve(lis); err != nil {
		log.Fatalf("dbviewd: serve: %v", err)
	}
}
