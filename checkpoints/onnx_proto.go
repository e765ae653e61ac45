package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The subset of onnx.proto written and read by the exporter. Messages are
// encoded by hand with protowire so no generated code is needed; field
// numbers follow onnx.proto (IR version 7).

const (
	onnxIRVersion    = 7
	onnxOpsetVersion = 13

	tensorFloat int32 = 1 // TensorProto.DataType FLOAT
)

// AttributeType mirrors AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeFloat  AttributeType = 1
	AttributeInt    AttributeType = 2
	AttributeString AttributeType = 3
	AttributeFloats AttributeType = 6
	AttributeInts   AttributeType = 7
)

type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
	DocString string
	Domain    string
}

type AttributeProto struct {
	Name   string
	Type   AttributeType
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Name      string
	RawData   []byte
	DocString string
}

// ValueInfoProto describes a graph input or output. Only tensor types are
// supported; a dimension with DimParam set is symbolic.
type ValueInfoProto struct {
	Name      string
	ElemType  int32
	Dims      []TensorShapeDimension
	DocString string
}

type TensorShapeDimension struct {
	DimValue int64
	DimParam string
}

// Floats decodes the tensor payload from raw_data or float_data.
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != tensorFloat {
		return nil, fmt.Errorf("tensor %s has unsupported data type %d", t.Name, t.DataType)
	}
	count := int64(1)
	for _, d := range t.Dims {
		count *= d
	}
	var out []float32
	switch {
	case len(t.RawData) > 0:
		if len(t.RawData)%4 != 0 {
			return nil, fmt.Errorf("tensor %s has %d raw bytes", t.Name, len(t.RawData))
		}
		out = bytesFloat32(t.RawData)
	default:
		out = append([]float32(nil), t.FloatData...)
	}
	if int64(len(out)) != count {
		return nil, fmt.Errorf("tensor %s has %d values for dims %v", t.Name, len(out), t.Dims)
	}
	return out, nil
}

// --- encoding ---

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

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Marshal encodes the model in protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.IrVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var sub []byte
		sub = appendString(sub, 1, op.Domain)
		sub = appendVarint(sub, 2, op.Version)
		b = appendMessage(b, 8, sub)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal())
	}
	b = appendString(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessage(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, a.marshal())
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeFloats:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttributeInts:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = appendVarint(b, 20, int64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = appendVarint(b, 2, int64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, len(t.FloatData)*4)
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	b = appendString(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = appendMessage(b, 9, t.RawData)
	}
	b = appendString(b, 12, t.DocString)
	return b
}

// ValueInfoProto{name=1, type=2{tensor_type=1{elem_type=1, shape=2{dim=1{dim_value=1|dim_param=2}}}}}
func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		if d.DimParam != "" {
			dim = appendString(dim, 2, d.DimParam)
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d.DimValue))
		}
		shape = appendMessage(shape, 1, dim)
	}
	var tensor []byte
	tensor = appendVarint(tensor, 1, int64(v.ElemType))
	tensor = appendMessage(tensor, 2, shape)
	var typ []byte
	typ = appendMessage(typ, 1, tensor)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	b = appendString(b, 3, v.DocString)
	return b
}

// --- decoding ---

type wireField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// readFields splits a message into its fields. Unknown field types are
// skipped.
func readFields(b []byte) ([]wireField, error) {
	var fields []wireField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// ints decodes a repeated int64 field that may be packed.
func (f wireField) ints() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint)}, nil
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// floats decodes a repeated float field that may be packed.
func (f wireField) floats() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(f.fixed32)}, nil
	}
	if len(f.bytes)%4 != 0 {
		return nil, fmt.Errorf("packed float field has %d bytes", len(f.bytes))
	}
	return bytesFloat32(f.bytes), nil
}

// UnmarshalModel decodes an ONNX ModelProto.
func UnmarshalModel(b []byte) (*ModelProto, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	m := &ModelProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			m.IrVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			if m.Graph, err = unmarshalGraph(f.bytes); err != nil {
				return nil, fmt.Errorf("graph: %w", err)
			}
		case 8:
			sub, err := readFields(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("opset_import: %w", err)
			}
			op := &OperatorSetIdProto{}
			for _, sf := range sub {
				switch sf.num {
				case 1:
					op.Domain = string(sf.bytes)
				case 2:
					op.Version = int64(sf.varint)
				}
			}
			m.OpsetImport = append(m.OpsetImport, op)
		}
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	g := &GraphProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", len(g.Node), err)
			}
			g.Node = append(g.Node, n)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("initializer %d: %w", len(g.Initializer), err)
			}
			g.Initializer = append(g.Initializer, t)
		case 10:
			g.DocString = string(f.bytes)
		case 11, 12:
			v, err := unmarshalValueInfo(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("value info: %w", err)
			}
			if f.num == 11 {
				g.Input = append(g.Input, v)
			} else {
				g.Output = append(g.Output, v)
			}
		}
	}
	return g, nil
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	n := &NodeProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Input = append(n.Input, string(f.bytes))
		case 2:
			n.Output = append(n.Output, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			a, err := unmarshalAttribute(f.bytes)
			if err != nil {
				return nil, err
			}
			n.Attribute = append(n.Attribute, a)
		case 6:
			n.DocString = string(f.bytes)
		case 7:
			n.Domain = string(f.bytes)
		}
	}
	return n, nil
}

func unmarshalAttribute(b []byte) (*AttributeProto, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	a := &AttributeProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(f.fixed32)
		case 3:
			a.I = int64(f.varint)
		case 4:
			a.S = append([]byte(nil), f.bytes...)
		case 7:
			vs, err := f.floats()
			if err != nil {
				return nil, err
			}
			a.Floats = append(a.Floats, vs...)
		case 8:
			vs, err := f.ints()
			if err != nil {
				return nil, err
			}
			a.Ints = append(a.Ints, vs...)
		case 20:
			a.Type = AttributeType(f.varint)
		}
	}
	return a, nil
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	t := &TensorProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			vs, err := f.ints()
			if err != nil {
				return nil, err
			}
			t.Dims = append(t.Dims, vs...)
		case 2:
			t.DataType = int32(f.varint)
		case 4:
			vs, err := f.floats()
			if err != nil {
				return nil, err
			}
			t.FloatData = append(t.FloatData, vs...)
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = append([]byte(nil), f.bytes...)
		case 12:
			t.DocString = string(f.bytes)
		}
	}
	return t, nil
}

func unmarshalValueInfo(b []byte) (*ValueInfoProto, error) {
	fields, err := readFields(b)
	if err != nil {
		return nil, err
	}
	v := &ValueInfoProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v.Name = string(f.bytes)
		case 3:
			v.DocString = string(f.bytes)
		case 2:
			if err := v.readType(f.bytes); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (v *ValueInfoProto) readType(b []byte) error {
	typ, err := readFields(b)
	if err != nil {
		return err
	}
	for _, tf := range typ {
		if tf.num != 1 {
			continue
		}
		tensor, err := readFields(tf.bytes)
		if err != nil {
			return err
		}
		for _, f := range tensor {
			switch f.num {
			case 1:
				v.ElemType = int32(f.varint)
			case 2:
				dims, err := readFields(f.bytes)
				if err != nil {
					return err
				}
				for _, df := range dims {
					if df.num != 1 {
						continue
					}
					dim, err := readFields(df.bytes)
					if err != nil {
						return err
					}
					var d TensorShapeDimension
					for _, x := range dim {
						switch x.num {
						case 1:
							d.DimValue = int64(x.varint)
						case 2:
							d.DimParam = string(x.bytes)
						}
					}
					v.Dims = append(v.Dims, d)
				}
			}
		}
	}
	return nil
}
