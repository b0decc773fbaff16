package checkpoints

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tsawler/go-midline/layers"
)

// Field numbers of the checkpoint wire format:
//
//	message Checkpoint {
//	  bytes model_spec = 1;             // JSON encoded layers.ModelSpec
//	  repeated Tensor weights = 2;
//	  repeated Tensor buffers = 3;
//	  TrainingState training_state = 4;
//	  OptimizerState optimizer_state = 5;
//	  Metadata metadata = 6;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2; repeated float data = 3; string layer = 4; string type = 5; }
//	message TrainingState { int64 epoch = 1; int64 step = 2; float learning_rate = 3; float best_loss = 4; int64 early_stop_counter = 5; int64 total_steps = 6; }
//	message OptimizerState { string type = 1; google.protobuf.Struct parameters = 2; repeated Tensor state = 3; }
//	message Metadata { string version = 1; string framework = 2; google.protobuf.Timestamp created_at = 3; string description = 4; repeated string tags = 5; google.protobuf.Struct attributes = 6; }
//
// In optimizer state tensors field 5 carries the state type.
const (
	ckptModelSpec      protowire.Number = 1
	ckptWeights        protowire.Number = 2
	ckptBuffers        protowire.Number = 3
	ckptTrainingState  protowire.Number = 4
	ckptOptimizerState protowire.Number = 5
	ckptMetadata       protowire.Number = 6
)

func marshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, errors.Wrap(err, "model spec")
		}
		b = protowire.AppendTag(b, ckptModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, ckptWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	for _, w := range c.Buffers {
		b = protowire.AppendTag(b, ckptBuffers, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, ckptTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))

	if c.OptimizerState != nil {
		opt, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, ckptOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, opt)
	}

	meta, err := appendMetadata(nil, c.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, ckptMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)

	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendTensor(b []byte, name string, shape []int, data []float32, layer, kind string) []byte {
	b = appendString(b, 1, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = appendString(b, 4, layer)
	return appendString(b, 5, kind)
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendVarint(b, 1, int64(s.Epoch))
	b = appendVarint(b, 2, int64(s.Step))
	b = appendFloat(b, 3, s.LearningRate)
	b = appendFloat(b, 4, s.BestLoss)
	b = appendVarint(b, 5, int64(s.EarlyStopCounter))
	return appendVarint(b, 6, int64(s.TotalSteps))
}

func appendStruct(b []byte, num protowire.Number, m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return b, nil
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert map to struct")
	}
	raw, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal struct")
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, raw), nil
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, s.Type)
	b, err := appendStruct(b, 2, s.Parameters)
	if err != nil {
		return nil, errors.Wrap(err, "optimizer parameters")
	}
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b, nil
}

func appendMetadata(b []byte, m CheckpointMetadata) ([]byte, error) {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		raw, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, errors.Wrap(err, "created_at")
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return appendStruct(b, 6, m.Attributes)
}

// fieldFunc handles one field of a message; it returns the number of bytes
// consumed, or a negative protowire error code
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// consumeBytes reads a length-delimited field
func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return int64(v), n, nil
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, errors.Errorf("wire type %d, want fixed32", typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float32frombits(v), n, nil
}

func unmarshalProto(b []byte, c *Checkpoint) error {
	return walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case ckptModelSpec:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c.ModelSpec = &layers.ModelSpec{}
			return n, errors.Wrap(json.Unmarshal(v, c.ModelSpec), "model spec")
		case ckptWeights, ckptBuffers:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			w, err := unmarshalTensor(v)
			if err != nil {
				return 0, err
			}
			if num == ckptWeights {
				c.Weights = append(c.Weights, w)
			} else {
				c.Buffers = append(c.Buffers, w)
			}
			return n, nil
		case ckptTrainingState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, unmarshalTrainingState(v, &c.TrainingState)
		case ckptOptimizerState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c.OptimizerState = &OptimizerState{}
			return n, unmarshalOptimizerState(v, c.OptimizerState)
		case ckptMetadata:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, unmarshalMetadata(v, &c.Metadata)
		}
		return 0, nil
	})
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 5 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			w.Name = string(v)
		case 2:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
		case 3:
			if len(v)%4 != 0 {
				return 0, errors.New("packed float data is not a multiple of 4 bytes")
			}
			w.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				v = v[m:]
			}
		case 4:
			w.Layer = string(v)
		case 5:
			w.Type = string(v)
		}
		return n, nil
	})
	return w, errors.Wrap(err, "tensor")
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 3, 4:
			v, n, err := consumeFloat(typ, b)
			if err != nil {
				return 0, err
			}
			if num == 3 {
				s.LearningRate = v
			} else {
				s.BestLoss = v
			}
			return n, nil
		case 1, 2, 5, 6:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				s.Epoch = int(v)
			case 2:
				s.Step = int(v)
			case 5:
				s.EarlyStopCounter = int(v)
			case 6:
				s.TotalSteps = int(v)
			}
			return n, nil
		}
		return 0, nil
	})
}

func unmarshalStruct(b []byte) (map[string]interface{}, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal struct")
	}
	return st.AsMap(), nil
}

func unmarshalOptimizerState(b []byte, s *OptimizerState) error {
	return walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 3 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			s.Type = string(v)
		case 2:
			if s.Parameters, err = unmarshalStruct(v); err != nil {
				return 0, err
			}
		case 3:
			w, err := unmarshalTensor(v)
			if err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: w.Name, Shape: w.Shape, Data: w.Data, StateType: w.Type})
		}
		return n, nil
	})
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 6 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return 0, errors.Wrap(err, "created_at")
			}
			m.CreatedAt = ts.AsTime()
		case 4:
			m.Description = string(v)
		case 5:
			m.Tags = append(m.Tags, string(v))
		case 6:
			if m.Attributes, err = unmarshalStruct(v); err != nil {
				return 0, err
			}
		}
		return n, nil
	})
}
