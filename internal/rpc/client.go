package rpc

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the AssemblyService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens an insecure connection to addr with tracing and request-id
// propagation installed.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}
	return grpc.NewClient(addr, append(base, opts...)...)
}

// Call invokes method with req and returns the response tree.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// GetAssembly returns the assembly tree.
func (c *Client) GetAssembly(ctx context.Context) (map[string]any, error) {
	res, err := c.Call(ctx, MethodGetAssembly, nil)
	if err != nil {
		return nil, err
	}
	tree, _ := res["assembly"].(map[string]any)
	return tree, nil
}

// AddPiece adds piece and returns its id.
func (c *Client) AddPiece(ctx context.Context, piece map[string]any, acceptCharge bool) (string, error) {
	res, err := c.Call(ctx, MethodAddPiece, map[string]any{"piece": piece, "acceptCharge": acceptCharge})
	if err != nil {
		return "", err
	}
	id, _ := res["pieceId"].(string)
	return id, nil
}

// Connect joins two connection points and returns the connection id.
func (c *Client) Connect(ctx context.Context, piece1, point1, piece2, point2 string) (string, error) {
	res, err := c.Call(ctx, MethodConnect, map[string]any{
		"piece1Id": piece1, "point1Id": point1,
		"piece2Id": piece2, "point2Id": point2,
	})
	if err != nil {
		return "", err
	}
	conn, _ := res["connection"].(map[string]any)
	id, _ := conn["id"].(string)
	return id, nil
}

// Artifact is one exported file as seen by a client.
type Artifact struct {
	Format   string
	Filename string
	MIMEType string
	Data     []byte
}

// Export renders the requested formats.
func (c *Client) Export(ctx context.Context, formats ...string) ([]Artifact, error) {
	list := make([]any, len(formats))
	for i, f := range formats {
		list[i] = f
	}
	res, err := c.Call(ctx, MethodExport, map[string]any{"formats": list})
	if err != nil {
		return nil, err
	}
	raw, _ := res["artifacts"].([]any)
	out := make([]Artifact, 0, len(raw))
	for _, r := range raw {
		m, _ := r.(map[string]any)
		enc, _ := m["data"].(string)
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		a := Artifact{Data: data}
		a.Format, _ = m["format"].(string)
		a.Filename, _ = m["filename"].(string)
		a.MIMEType, _ = m["mimeType"].(string)
		out = append(out, a)
	}
	return out, nil
}

// Import uploads a document that replaces the assembly content.
func (c *Client) Import(ctx context.Context, filename string, data []byte, strict bool) (map[string]any, error) {
	return c.Call(ctx, MethodImport, map[string]any{
		"filename": filename,
		"data":     base64.StdEncoding.EncodeToString(data),
		"strict":   strict,
	})
}
