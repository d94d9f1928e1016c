// Package rpc exposes an engine over gRPC. Messages are structpb.Struct
// trees: domain payloads go through the serializer whitelist on the way in
// and out, so remote callers see the same shapes the persistence layer
// stores.
package rpc

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stitchworks/crochet3d/internal/assembly"
	"github.com/stitchworks/crochet3d/internal/engine"
	"github.com/stitchworks/crochet3d/internal/exchange"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/serializer"
	"github.com/stitchworks/crochet3d/model"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "crochet3d.v1.AssemblyService"

// Method names.
const (
	MethodGetAssembly = "GetAssembly"
	MethodAddPiece    = "AddPiece"
	MethodRemovePiece = "RemovePiece"
	MethodConnect     = "Connect"
	MethodDisconnect  = "Disconnect"
	MethodMovePiece   = "MovePiece"
	MethodUndo        = "Undo"
	MethodRedo        = "Redo"
	MethodValidate    = "Validate"
	MethodExport      = "Export"
	MethodImport      = "Import"
	MethodSave        = "Save"
)

// AssemblyServer is the server side of the AssemblyService.
type AssemblyServer interface {
	GetAssembly(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddPiece(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemovePiece(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MovePiece(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Undo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Redo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Import(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Save(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the AssemblyService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AssemblyServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodGetAssembly, AssemblyServer.GetAssembly),
		unaryMethod(MethodAddPiece, AssemblyServer.AddPiece),
		unaryMethod(MethodRemovePiece, AssemblyServer.RemovePiece),
		unaryMethod(MethodConnect, AssemblyServer.Connect),
		unaryMethod(MethodDisconnect, AssemblyServer.Disconnect),
		unaryMethod(MethodMovePiece, AssemblyServer.MovePiece),
		unaryMethod(MethodUndo, AssemblyServer.Undo),
		unaryMethod(MethodRedo, AssemblyServer.Redo),
		unaryMethod(MethodValidate, AssemblyServer.Validate),
		unaryMethod(MethodExport, AssemblyServer.Export),
		unaryMethod(MethodImport, AssemblyServer.Import),
		unaryMethod(MethodSave, AssemblyServer.Save),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crochet3d/v1/assembly.proto",
}

type unaryCall func(AssemblyServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AssemblyServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AssemblyServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegisterAssemblyServer registers srv on s.
func RegisterAssemblyServer(s grpc.ServiceRegistrar, srv AssemblyServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service implements AssemblyServer on top of an engine.
type Service struct {
	eng *engine.Engine
	san *serializer.Sanitizer
	log logging.Logger
}

var _ AssemblyServer = (*Service)(nil)

// NewService binds a Service to eng.
func NewService(eng *engine.Engine, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{eng: eng, san: serializer.New(serializer.WithLogger(log)), log: log}
}

// GetAssembly returns the sanitized assembly snapshot.
func (s *Service) GetAssembly(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tree, err := s.san.Sanitize(s.eng.Assembly().Snapshot())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"assembly": tree, "revision": s.eng.Assembly().Revision()})
}

// AddPiece adds {piece: {...}} and returns the new piece id. The optional
// acceptCharge flag authorises a pay-per-use charge.
func (s *Service) AddPiece(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)
	raw := in.GetFields()["piece"].GetStructValue()
	if raw == nil {
		return nil, ToStatusError(fmt.Errorf("%w: piece is required", ErrInvalidArgument))
	}
	ps, err := s.eng.Exporter().DecodePiece(raw.AsMap())
	if err != nil {
		reqLog.Debug(ctx, "AddPiece decode failed", logging.Err(err))
		return nil, ToStatusError(err)
	}

	ctx, span := startChildSpan(ctx, "piece/add", ps.ID)
	defer span.End()

	id, err := s.eng.Assembly().AddPiece(ctx, model.RestorePiece(ps),
		assembly.AddPieceOptions{AcceptCharge: boolField(in, "acceptCharge")})
	if err != nil {
		span.RecordError(err)
		reqLog.Info(ctx, "AddPiece refused", logging.Err(err))
		return nil, ToStatusError(err)
	}
	reqLog.Info(ctx, "piece added", logging.String("piece_id", id))
	return respond(map[string]any{"pieceId": id})
}

// RemovePiece removes {pieceId}.
func (s *Service) RemovePiece(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(in, "pieceId")
	if err != nil {
		return nil, ToStatusError(err)
	}
	ctx, span := startChildSpan(ctx, "piece/remove", id)
	defer span.End()
	if err := s.eng.Assembly().RemovePiece(ctx, id); err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"pieceId": id})
}

// Connect joins {piece1Id, point1Id, piece2Id, point2Id}.
func (s *Service) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ids [4]string
	for i, key := range []string{"piece1Id", "point1Id", "piece2Id", "point2Id"} {
		v, err := stringField(in, key)
		if err != nil {
			return nil, ToStatusError(err)
		}
		ids[i] = v
	}
	ctx, span := startChildSpan(ctx, "connection/create", ids[0])
	defer span.End()
	c, err := s.eng.Assembly().Connect(ctx, ids[0], ids[1], ids[2], ids[3])
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	tree, err := plain(c)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"connection": tree})
}

// Disconnect removes {connectionId}.
func (s *Service) Disconnect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(in, "connectionId")
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.eng.Assembly().Disconnect(ctx, id); err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"connectionId": id})
}

// MovePiece moves {pieceId} to {position}. The position goes through the
// vector kernel, so loose shapes such as [x, y, z] are accepted.
func (s *Service) MovePiece(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(in, "pieceId")
	if err != nil {
		return nil, ToStatusError(err)
	}
	raw, ok := in.GetFields()["position"]
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: position is required", ErrInvalidArgument))
	}
	pos := model.NormalizeVector(raw.AsInterface(), logging.LoggerFromContext(ctx))
	ctx, span := startChildSpan(ctx, "piece/move", id)
	defer span.End()
	if err := s.eng.Assembly().MovePiece(ctx, id, pos); err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"pieceId": id, "position": map[string]any{"x": pos.X, "y": pos.Y, "z": pos.Z}})
}

// Undo steps the history cursor back.
func (s *Service) Undo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.eng.Assembly().Undo(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"type": string(e.Type), "description": e.Description})
}

// Redo steps the history cursor forward.
func (s *Service) Redo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.eng.Assembly().Redo(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"type": string(e.Type), "description": e.Description})
}

// Validate runs the validation rules.
func (s *Service) Validate(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tree, err := plain(s.eng.Assembly().Validate(ctx))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"result": tree})
}

// Export renders {formats: [...]} (all formats when empty). Artifact bytes
// are base64 encoded.
func (s *Service) Export(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var formats []string
	for _, v := range in.GetFields()["formats"].GetListValue().GetValues() {
		formats = append(formats, v.GetStringValue())
	}
	arts, err := s.eng.Export(ctx, formats...)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out := make([]any, len(arts))
	for i, a := range arts {
		out[i] = map[string]any{
			"format":   a.Format,
			"filename": a.Filename,
			"mimeType": a.MIMEType,
			"data":     base64.StdEncoding.EncodeToString(a.Data),
		}
	}
	return respond(map[string]any{"artifacts": out})
}

// Import replaces the assembly with {filename, data (base64), strict}.
func (s *Service) Import(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringField(in, "filename")
	if err != nil {
		return nil, ToStatusError(err)
	}
	encoded, err := stringField(in, "data")
	if err != nil {
		return nil, ToStatusError(err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: data: %v", ErrInvalidArgument, err))
	}
	doc, err := s.eng.Import(ctx, name, data, exchange.ImportOptions{Strict: boolField(in, "strict")})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{
		"version":     doc.Version,
		"pieces":      len(doc.Assembly.Pieces),
		"connections": len(doc.Assembly.Connections),
	})
}

// Save writes the assembly through the recovery pipeline.
func (s *Service) Save(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.eng.Assembly().Save(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return respond(map[string]any{"success": res.Success, "key": res.Key})
}

//
// ---------- helpers ----------
//

func stringField(in *structpb.Struct, key string) (string, error) {
	v := in.GetFields()[key].GetStringValue()
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	return v, nil
}

func boolField(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

// plain turns a typed value into a JSON-shaped tree.
func plain(v any) (any, error) {
	var tree any
	if err := serializer.Convert(v, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func respond(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("encode response: %w", err))
	}
	return out, nil
}
