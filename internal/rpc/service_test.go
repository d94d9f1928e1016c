package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/stitchworks/crochet3d/internal/config"
	"github.com/stitchworks/crochet3d/internal/engine"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/observability"
	"github.com/stitchworks/crochet3d/timectrl"
)

type rpcTestEnv struct {
	ctx    context.Context
	eng    *engine.Engine
	client *Client
	conn   *grpc.ClientConn
}

func newRPCTestEnv(t *testing.T, tierName string) *rpcTestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Tier.Name = tierName
	eng, err := engine.New(ctx, cfg,
		engine.WithLogger(logging.Noop()),
		engine.WithClock(timectrl.NewManualClock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))),
		engine.WithName("bear"),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	collector, err := observability.NewRPCCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(eng, logging.Noop(), collector)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &rpcTestEnv{ctx: ctx, eng: eng, client: NewClient(conn), conn: conn}
}

func headTree() map[string]any {
	return map[string]any{
		"id": "H", "name": "Head", "type": "head", "color": "#8b4513",
		"position": []any{0, 0, 0},
		"connectionPoints": []any{map[string]any{
			"id": "H-neck", "name": "neck", "type": "neck",
			"position":   map[string]any{"x": 0, "y": 1, "z": 0},
			"compatible": []any{"neck_joint"},
		}},
		"onClick": "alert(1)",
	}
}

func bodyTree() map[string]any {
	return map[string]any{
		"id": "B", "name": "Body", "type": "body", "color": "white",
		"position": map[string]any{"x": 0, "y": -3, "z": 0},
		"connectionPoints": []any{map[string]any{
			"id": "B-neck_joint", "name": "neck_joint", "type": "neck_joint",
			"position":   map[string]any{"x": 0, "y": 2, "z": 0},
			"compatible": []any{"neck"},
		}},
	}
}

func TestAssemblyServiceBuildsAndExports(t *testing.T) {
	env := newRPCTestEnv(t, "pro")
	ctx := env.ctx

	for _, piece := range []map[string]any{headTree(), bodyTree()} {
		if _, err := env.client.AddPiece(ctx, piece, false); err != nil {
			t.Fatalf("AddPiece(%v) error: %v", piece["id"], err)
		}
	}
	connID, err := env.client.Connect(ctx, "H", "neck", "B", "neck_joint")
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if connID == "" {
		t.Fatalf("Connect returned empty connection id")
	}

	tree, err := env.client.GetAssembly(ctx)
	if err != nil {
		t.Fatalf("GetAssembly error: %v", err)
	}
	pieces, _ := tree["pieces"].([]any)
	if len(pieces) != 2 {
		t.Fatalf("GetAssembly pieces = %d, want 2", len(pieces))
	}
	for _, p := range pieces {
		if _, ok := p.(map[string]any)["onClick"]; ok {
			t.Fatalf("non-whitelisted key survived the round trip: %v", p)
		}
	}
	if got := env.eng.Bridges().Len(); got != 1 {
		t.Fatalf("bridges = %d, want 1", got)
	}

	res, err := env.client.Call(ctx, MethodValidate, nil)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	result, _ := res["result"].(map[string]any)
	if valid, _ := result["valid"].(bool); !valid {
		t.Fatalf("Validate result = %v, want valid", result)
	}

	arts, err := env.client.Export(ctx, "json", "obj")
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if len(arts) != 2 || arts[0].Format != "json" || arts[1].Format != "obj" {
		t.Fatalf("Export artifacts = %+v, want json then obj", arts)
	}
	if len(arts[0].Data) == 0 {
		t.Fatalf("Export json artifact is empty")
	}

	if _, err := env.client.Call(ctx, MethodSave, nil); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if _, err := env.client.Call(ctx, MethodRemovePiece, map[string]any{"pieceId": "B"}); err != nil {
		t.Fatalf("RemovePiece error: %v", err)
	}
	out, err := env.client.Import(ctx, arts[0].Filename, arts[0].Data, false)
	if err != nil {
		t.Fatalf("Import error: %v", err)
	}
	if n, _ := out["pieces"].(float64); n != 2 {
		t.Fatalf("Import pieces = %v, want 2", out["pieces"])
	}
	if got := env.eng.Assembly().PieceCount(); got != 2 {
		t.Fatalf("PieceCount after import = %d, want 2", got)
	}
}

func TestAssemblyServiceMoveAndUndo(t *testing.T) {
	env := newRPCTestEnv(t, "freemium")
	ctx := env.ctx

	if _, err := env.client.AddPiece(ctx, headTree(), false); err != nil {
		t.Fatalf("AddPiece error: %v", err)
	}
	if _, err := env.client.Call(ctx, MethodMovePiece, map[string]any{
		"pieceId":  "H",
		"position": []any{1, 2, 3},
	}); err != nil {
		t.Fatalf("MovePiece error: %v", err)
	}
	p, ok := env.eng.Assembly().Piece("H")
	if !ok {
		t.Fatalf("piece H missing")
	}
	if p.Pose.Position.X != 1 || p.Pose.Position.Y != 2 || p.Pose.Position.Z != 3 {
		t.Fatalf("position = %+v, want (1,2,3)", p.Pose.Position)
	}

	res, err := env.client.Call(ctx, MethodUndo, nil)
	if err != nil {
		t.Fatalf("Undo error: %v", err)
	}
	if res["type"] != "move_piece" {
		t.Fatalf("Undo type = %v, want move_piece", res["type"])
	}
	if _, err := env.client.Call(ctx, MethodRedo, nil); err != nil {
		t.Fatalf("Redo error: %v", err)
	}
}

func TestAssemblyServiceErrorCodes(t *testing.T) {
	env := newRPCTestEnv(t, "freemium")
	ctx := env.ctx

	tests := []struct {
		name   string
		method string
		req    map[string]any
		code   codes.Code
	}{
		{name: "missing piece", method: MethodRemovePiece, req: map[string]any{"pieceId": "nope"}, code: codes.NotFound},
		{name: "missing field", method: MethodConnect, req: map[string]any{"piece1Id": "H"}, code: codes.InvalidArgument},
		{name: "missing piece body", method: MethodAddPiece, req: nil, code: codes.InvalidArgument},
		{name: "bad base64", method: MethodImport, req: map[string]any{"filename": "x.json", "data": "%%%"}, code: codes.InvalidArgument},
		{name: "unknown format", method: MethodExport, req: map[string]any{"formats": []any{"stl"}}, code: codes.InvalidArgument},
		{name: "nothing to undo", method: MethodUndo, req: nil, code: codes.FailedPrecondition},
		{name: "save on freemium", method: MethodSave, req: nil, code: codes.PermissionDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.client.Call(ctx, tc.method, tc.req)
			if code := status.Code(err); code != tc.code {
				t.Fatalf("%s code = %v (%v), want %v", tc.method, code, err, tc.code)
			}
		})
	}
}

func TestHealthServing(t *testing.T) {
	env := newRPCTestEnv(t, "freemium")
	resp, err := healthpb.NewHealthClient(env.conn).Check(env.ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", resp.GetStatus())
	}
}

func TestRequestIDInterceptorUsesMetadata(t *testing.T) {
	interceptor := RequestIDUnaryServerInterceptor(logging.Noop())
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "req-42"))

	var got string
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/" + MethodUndo},
		func(ctx context.Context, _ any) (any, error) {
			got = logging.RequestIDFromContext(ctx)
			return nil, nil
		})
	if err != nil {
		t.Fatalf("interceptor error: %v", err)
	}
	if got != "req-42" {
		t.Fatalf("request id = %q, want req-42", got)
	}
}
