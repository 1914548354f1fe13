package websocket

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/unkn0wn-root/listsync"
	"github.com/unkn0wn-root/listsync/codec"
)

// StructCodec reads signals sent as protobuf google.protobuf.Struct messages
// with the fields entityType, entityId and changeKind.
type StructCodec struct{}

var _ codec.Codec[listsync.Signal] = StructCodec{}

var structProto = codec.NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })

func (StructCodec) Encode(sig listsync.Signal) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"entityType": sig.EntityType,
		"entityId":   sig.EntityID,
		"changeKind": string(sig.ChangeKind),
	})
	if err != nil {
		return nil, err
	}
	return structProto.Encode(st)
}

func (StructCodec) Decode(b []byte) (listsync.Signal, error) {
	st, err := structProto.Decode(b)
	if err != nil {
		return listsync.Signal{}, err
	}
	f := st.GetFields()
	sig := listsync.Signal{
		EntityType: f["entityType"].GetStringValue(),
		EntityID:   f["entityId"].GetStringValue(),
		ChangeKind: listsync.ChangeKind(f["changeKind"].GetStringValue()),
	}
	if sig.ChangeKind == "" {
		return listsync.Signal{}, fmt.Errorf("struct signal: missing changeKind")
	}
	return sig, nil
}
