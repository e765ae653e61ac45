package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// tensorHeader describes one tensor in a weights file header.
type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

const maxHeaderSize = 100 << 20

// WriteWeights writes tensors to a SafeTensors-layout file:
//
//	[8 bytes: header size (uint64 LE)]
//	[header: JSON map name -> {dtype, shape, data_offsets}]
//	[tensor data: little-endian float32]
//
// Tensors are written in alphabetical order by name.
func WriteWeights(path string, weights []WeightTensor, metadata map[string]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	if err := writeWeights(file, weights, metadata); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func writeWeights(w io.Writer, weights []WeightTensor, metadata map[string]string) error {
	sorted := append([]WeightTensor(nil), weights...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, t := range sorted {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("duplicate tensor name %s", t.Name)
		}
		shape := make([]int64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int64(d)
		}
		size := int64(len(t.Data)) * 4
		header[t.Name] = tensorHeader{DType: "F32", Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, t := range sorted {
		if _, err := w.Write(float32Bytes(t.Data)); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", t.Name, err)
		}
	}
	return nil
}

// ReadWeights reads a file produced by WriteWeights. Tensors are returned
// sorted by name together with the header metadata.
func ReadWeights(path string) ([]WeightTensor, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("weights file %s is truncated", path)
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderSize || 8+headerSize > uint64(len(data)) {
		return nil, nil, fmt.Errorf("weights file %s has invalid header size %d", path, headerSize)
	}
	body := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse weights header: %w", err)
	}

	var metadata map[string]string
	var weights []WeightTensor
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to parse weights metadata: %w", err)
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, fmt.Errorf("failed to parse header of %s: %w", name, err)
		}
		if h.DType != "F32" {
			return nil, nil, fmt.Errorf("tensor %s has unsupported dtype %s", name, h.DType)
		}
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(body)) || (end-start)%4 != 0 {
			return nil, nil, fmt.Errorf("tensor %s has invalid data offsets %v", name, h.DataOffsets)
		}
		shape := make([]int, len(h.Shape))
		count := int64(1)
		for i, d := range h.Shape {
			shape[i] = int(d)
			count *= d
		}
		if count*4 != end-start {
			return nil, nil, fmt.Errorf("tensor %s: shape %v does not match %d bytes", name, shape, end-start)
		}
		layer, kind := splitWeightName(name)
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: shape,
			Data:  bytesFloat32(body[start:end]),
			Layer: layer,
			Type:  kind,
		})
	}
	sort.Slice(weights, func(i, j int) bool { return weights[i].Name < weights[j].Name })
	return weights, metadata, nil
}

func splitWeightName(name string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

func float32Bytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func bytesFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
