package checkpoints

import (
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoints use the protobuf wire format, assembled by hand with
// the protowire package. The implied schema:
//
//	Checkpoint:
//	  1: architecture    (string)
//	  2: iteration       (varint)
//	  3: weights         (repeated WeightTensor)
//	  4: optimizer_state (OptimizerState)
//	  5: scaler_state    (ScalerState)
//	  6: config          (repeated ConfigEntry{1: key, 2: value})
//	  7: metadata        (CheckpointMetadata)
//
//	WeightTensor:
//	  1: name  (string)
//	  2: shape (packed varint)
//	  3: data  (packed fixed32, IEEE 754 bits)
//
//	OptimizerState:
//	  1: type       (string)
//	  2: parameters (repeated ParamEntry)
//	  3: state_data (repeated OptimizerTensor)
//
//	ParamEntry: 1: key (string), then exactly one of
//	  2: double_value (fixed64)
//	  3: bool_value   (varint)
//	  4: string_value (string)
//
//	OptimizerTensor:
//	  1: name       (string)
//	  2: shape      (packed varint)
//	  3: data       (packed fixed32)
//	  4: state_type (string)
//
//	ScalerState:
//	  1: scale           (double)
//	  2: growth_factor   (double)
//	  3: backoff_factor  (double)
//	  4: growth_interval (varint)
//	  5: growth_tracker  (varint)
//	  6: step_count      (varint)
//	  7: skip_count      (varint)
//
//	CheckpointMetadata:
//	  1: version     (string)
//	  2: framework   (string)
//	  3: created_at  (varint, Unix nanoseconds)
//	  4: description (string)
//	  5: tags        (repeated string)
//
// Unknown fields are skipped on decode, so readers tolerate checkpoints
// written by newer versions.

func encodeBinary(file *os.File, checkpoint *Checkpoint) error {
	buf, err := appendCheckpoint(make([]byte, 0, binarySizeHint(checkpoint)), checkpoint)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	return nil
}

func decodeBinary(file *os.File) (*Checkpoint, error) {
	buf, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return parseCheckpoint(buf)
}

// binarySizeHint estimates the encoded size so weight-heavy checkpoints
// encode without repeated buffer growth.
func binarySizeHint(checkpoint *Checkpoint) int {
	n := 1024
	for i := range checkpoint.Weights {
		n += 4*len(checkpoint.Weights[i].Data) + len(checkpoint.Weights[i].Name) + 32
	}
	if checkpoint.OptimizerState != nil {
		for i := range checkpoint.OptimizerState.StateData {
			n += 4*len(checkpoint.OptimizerState.StateData[i].Data) + 32
		}
	}
	return n
}

func appendCheckpoint(b []byte, checkpoint *Checkpoint) ([]byte, error) {
	b = appendStringField(b, 1, checkpoint.Architecture)
	if checkpoint.Iteration != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(checkpoint.Iteration))
	}
	for i := range checkpoint.Weights {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWeightTensor(nil, &checkpoint.Weights[i]))
	}
	if checkpoint.OptimizerState != nil {
		sub, err := appendOptimizerState(nil, checkpoint.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if checkpoint.ScalerState != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, appendScalerState(nil, checkpoint.ScalerState))
	}
	// Sorted keys keep the encoding deterministic for identical checkpoints.
	keys := make([]string, 0, len(checkpoint.Config))
	for k := range checkpoint.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		entry = appendStringField(entry, 2, checkpoint.Config[k])
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, &checkpoint.Metadata))
	return b, nil
}

func parseCheckpoint(b []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			checkpoint.Architecture = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			checkpoint.Iteration = int(v)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			w, err := parseWeightTensor(v)
			if err != nil {
				return nil, err
			}
			checkpoint.Weights = append(checkpoint.Weights, *w)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			state, err := parseOptimizerState(v)
			if err != nil {
				return nil, err
			}
			checkpoint.OptimizerState = state
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			scaler, err := parseScalerState(v)
			if err != nil {
				return nil, err
			}
			checkpoint.ScalerState = scaler
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			key, value, err := parseConfigEntry(v)
			if err != nil {
				return nil, err
			}
			if checkpoint.Config == nil {
				checkpoint.Config = make(map[string]string)
			}
			checkpoint.Config[key] = value
			b = b[n:]
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			md, err := parseMetadata(v)
			if err != nil {
				return nil, err
			}
			checkpoint.Metadata = *md
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return checkpoint, nil
}

func parseConfigEntry(b []byte) (string, string, error) {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			key = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			value = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if key == "" {
		return "", "", errors.New("config entry missing key")
	}
	return key, value, nil
}

func appendWeightTensor(b []byte, w *WeightTensor) []byte {
	b = appendStringField(b, 1, w.Name)
	b = appendPackedVarints(b, 2, w.Shape)
	b = appendPackedFloats(b, 3, w.Data)
	return b
}

func parseWeightTensor(b []byte) (*WeightTensor, error) {
	w := &WeightTensor{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			w.Name = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			shape, err := parsePackedVarints(v)
			if err != nil {
				return nil, err
			}
			w.Shape = shape
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data, err := parsePackedFloats(v)
			if err != nil {
				return nil, err
			}
			w.Data = data
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if got, want := len(w.Data), shapeElems(w.Shape); got != want {
		return nil, errors.Errorf("weight tensor %q: shape %v implies %d values, have %d", w.Name, w.Shape, want, got)
	}
	return w, nil
}

func appendOptimizerState(b []byte, state *OptimizerState) ([]byte, error) {
	b = appendStringField(b, 1, state.Type)
	keys := make([]string, 0, len(state.Parameters))
	for k := range state.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry, err := appendParamEntry(nil, k, state.Parameters[k])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	for i := range state.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerTensor(nil, &state.StateData[i]))
	}
	return b, nil
}

func parseOptimizerState(b []byte) (*OptimizerState, error) {
	state := &OptimizerState{Parameters: make(map[string]interface{})}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			state.Type = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			key, value, err := parseParamEntry(v)
			if err != nil {
				return nil, err
			}
			state.Parameters[key] = value
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t, err := parseOptimizerTensor(v)
			if err != nil {
				return nil, err
			}
			state.StateData = append(state.StateData, *t)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return state, nil
}

// appendParamEntry encodes one optimizer hyperparameter. Numbers are stored
// as doubles to match the JSON format, where all numbers decode to float64.
func appendParamEntry(b []byte, key string, value interface{}) ([]byte, error) {
	b = appendStringField(b, 1, key)
	switch v := value.(type) {
	case float64:
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case float32:
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(float64(v)))
	case int:
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(float64(v)))
	case uint64:
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(float64(v)))
	case bool:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		if v {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
		}
	case string:
		b = appendStringField(b, 4, v)
	default:
		return nil, errors.Errorf("unsupported optimizer parameter type %T for %q", value, key)
	}
	return b, nil
}

func parseParamEntry(b []byte) (string, interface{}, error) {
	var key string
	var value interface{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			key = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			value = math.Float64frombits(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			value = v != 0
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			value = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if key == "" {
		return "", nil, errors.New("optimizer parameter entry missing key")
	}
	if value == nil {
		return "", nil, errors.Errorf("optimizer parameter %q missing value", key)
	}
	return key, value, nil
}

func appendOptimizerTensor(b []byte, t *OptimizerTensor) []byte {
	b = appendStringField(b, 1, t.Name)
	b = appendPackedVarints(b, 2, t.Shape)
	b = appendPackedFloats(b, 3, t.Data)
	b = appendStringField(b, 4, t.StateType)
	return b
}

func parseOptimizerTensor(b []byte) (*OptimizerTensor, error) {
	t := &OptimizerTensor{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.Name = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			shape, err := parsePackedVarints(v)
			if err != nil {
				return nil, err
			}
			t.Shape = shape
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data, err := parsePackedFloats(v)
			if err != nil {
				return nil, err
			}
			t.Data = data
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.StateType = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return t, nil
}

func appendScalerState(b []byte, s *ScalerState) []byte {
	b = appendDoubleField(b, 1, s.Scale)
	b = appendDoubleField(b, 2, s.GrowthFactor)
	b = appendDoubleField(b, 3, s.BackoffFactor)
	b = appendVarintField(b, 4, uint64(s.GrowthInterval))
	b = appendVarintField(b, 5, uint64(s.GrowthTracker))
	b = appendVarintField(b, 6, s.StepCount)
	b = appendVarintField(b, 7, s.SkipCount)
	return b
}

func parseScalerState(b []byte) (*ScalerState, error) {
	s := &ScalerState{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Scale = math.Float64frombits(v)
			b = b[n:]
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.GrowthFactor = math.Float64frombits(v)
			b = b[n:]
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.BackoffFactor = math.Float64frombits(v)
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.GrowthInterval = int(v)
			b = b[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.GrowthTracker = int(v)
			b = b[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.StepCount = v
			b = b[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.SkipCount = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return s, nil
}

func appendMetadata(b []byte, md *CheckpointMetadata) []byte {
	b = appendStringField(b, 1, md.Version)
	b = appendStringField(b, 2, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(md.CreatedAt.UnixNano()))
	}
	b = appendStringField(b, 4, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func parseMetadata(b []byte) (*CheckpointMetadata, error) {
	md := &CheckpointMetadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			md.Version = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			md.Framework = string(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			md.CreatedAt = time.Unix(0, int64(v))
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			md.Description = string(v)
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			md.Tags = append(md.Tags, string(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return md, nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, v)
	return b
}

func appendDoubleField(b []byte, num protowire.Number, f float64) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(f))
	return b
}

// appendPackedVarints writes a packed repeated varint field.
func appendPackedVarints(b []byte, num protowire.Number, vals []int) []byte {
	if len(vals) == 0 {
		return b
	}
	var payload []byte
	for _, v := range vals {
		payload = protowire.AppendVarint(payload, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

func parsePackedVarints(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}

// appendPackedFloats writes a packed repeated fixed32 field holding IEEE 754
// bits. The payload size is known up front, so floats are appended directly
// after the length prefix with no intermediate buffer.
func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vals)))
	for _, v := range vals {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func parsePackedFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("packed float payload has %d bytes, not a multiple of 4", len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

func shapeElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
