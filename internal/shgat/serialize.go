package shgat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/casys-ai/toolmind/internal/mathx"
)

// Tensor is the export form of one parameter: self-describing shape and
// dtype so the importer can reject mismatches.
type Tensor struct {
	Dtype string
	Shape []int
	Data  []float32
}

// Export returns the full parameter block as a named tensor map.
func (p *Params) Export() map[string]Tensor {
	out := make(map[string]Tensor)
	put := func(name string, m *mathx.Dense) {
		data := make([]float32, len(m.Data))
		copy(data, m.Data)
		out[name] = Tensor{Dtype: "f32", Shape: []int{m.Rows, m.Cols}, Data: data}
	}
	putVec := func(name string, v []float32) {
		data := make([]float32, len(v))
		copy(data, v)
		out[name] = Tensor{Dtype: "f32", Shape: []int{len(v)}, Data: data}
	}

	put("W_intent", p.WIntent)
	for h := range p.WQ {
		put(fmt.Sprintf("W_q[%d]", h), p.WQ[h])
		put(fmt.Sprintf("W_k[%d]", h), p.WK[h])
	}
	for l := range p.Layers {
		layer := &p.Layers[l]
		for h := range layer.Heads {
			put(fmt.Sprintf("layer[%d].head[%d].W_source", l, h), layer.Heads[h].WSource)
			put(fmt.Sprintf("layer[%d].head[%d].W_target", l, h), layer.Heads[h].WTarget)
			putVec(fmt.Sprintf("layer[%d].head[%d].a_ve", l, h), layer.Heads[h].AttnVE)
			putVec(fmt.Sprintf("layer[%d].head[%d].a_ev", l, h), layer.Heads[h].AttnEV)
		}
		for lvl := range layer.LevelHeads {
			for h := range layer.LevelHeads[lvl] {
				put(fmt.Sprintf("layer[%d].level[%d].head[%d].W_source", l, lvl, h), layer.LevelHeads[lvl][h].WSource)
				put(fmt.Sprintf("layer[%d].level[%d].head[%d].W_target", l, lvl, h), layer.LevelHeads[lvl][h].WTarget)
				putVec(fmt.Sprintf("layer[%d].level[%d].head[%d].a_ve", l, lvl, h), layer.LevelHeads[lvl][h].AttnVE)
				putVec(fmt.Sprintf("layer[%d].level[%d].head[%d].a_ev", l, lvl, h), layer.LevelHeads[lvl][h].AttnEV)
			}
		}
		put(fmt.Sprintf("layer[%d].W_out_e", l), layer.WOutE)
		put(fmt.Sprintf("layer[%d].W_out_v", l), layer.WOutV)
		putVec(fmt.Sprintf("layer[%d].gamma_e", l), layer.GammaE)
		putVec(fmt.Sprintf("layer[%d].beta_e", l), layer.BetaE)
		putVec(fmt.Sprintf("layer[%d].gamma_v", l), layer.GammaV)
		putVec(fmt.Sprintf("layer[%d].beta_v", l), layer.BetaV)
	}
	put("fusion.W1", p.Fusion.W1)
	putVec("fusion.b1", p.Fusion.B1)
	put("fusion.W2", p.Fusion.W2)
	putVec("fusion.b2", p.Fusion.B2)
	return out
}

// Import replaces the parameter values in place from a tensor map produced
// by Export. Shape or dtype mismatches are rejected without mutating p.
func (p *Params) Import(tensors map[string]Tensor) error {
	expected := p.Export()
	for name, want := range expected {
		got, ok := tensors[name]
		if !ok {
			return fmt.Errorf("import params: missing tensor %q", name)
		}
		if got.Dtype != "f32" {
			return fmt.Errorf("import params: tensor %q has dtype %q, want f32", name, got.Dtype)
		}
		if !shapeEqual(got.Shape, want.Shape) {
			return fmt.Errorf("import params: tensor %q shape %v, want %v", name, got.Shape, want.Shape)
		}
	}

	set := func(name string, m *mathx.Dense) {
		copy(m.Data, tensors[name].Data)
	}
	setVec := func(name string, v []float32) {
		copy(v, tensors[name].Data)
	}

	set("W_intent", p.WIntent)
	for h := range p.WQ {
		set(fmt.Sprintf("W_q[%d]", h), p.WQ[h])
		set(fmt.Sprintf("W_k[%d]", h), p.WK[h])
	}
	for l := range p.Layers {
		layer := &p.Layers[l]
		for h := range layer.Heads {
			set(fmt.Sprintf("layer[%d].head[%d].W_source", l, h), layer.Heads[h].WSource)
			set(fmt.Sprintf("layer[%d].head[%d].W_target", l, h), layer.Heads[h].WTarget)
			setVec(fmt.Sprintf("layer[%d].head[%d].a_ve", l, h), layer.Heads[h].AttnVE)
			setVec(fmt.Sprintf("layer[%d].head[%d].a_ev", l, h), layer.Heads[h].AttnEV)
		}
		for lvl := range layer.LevelHeads {
			for h := range layer.LevelHeads[lvl] {
				set(fmt.Sprintf("layer[%d].level[%d].head[%d].W_source", l, lvl, h), layer.LevelHeads[lvl][h].WSource)
				set(fmt.Sprintf("layer[%d].level[%d].head[%d].W_target", l, lvl, h), layer.LevelHeads[lvl][h].WTarget)
				setVec(fmt.Sprintf("layer[%d].level[%d].head[%d].a_ve", l, lvl, h), layer.LevelHeads[lvl][h].AttnVE)
				setVec(fmt.Sprintf("layer[%d].level[%d].head[%d].a_ev", l, lvl, h), layer.LevelHeads[lvl][h].AttnEV)
			}
		}
		set(fmt.Sprintf("layer[%d].W_out_e", l), layer.WOutE)
		set(fmt.Sprintf("layer[%d].W_out_v", l), layer.WOutV)
		setVec(fmt.Sprintf("layer[%d].gamma_e", l), layer.GammaE)
		setVec(fmt.Sprintf("layer[%d].beta_e", l), layer.BetaE)
		setVec(fmt.Sprintf("layer[%d].gamma_v", l), layer.GammaV)
		setVec(fmt.Sprintf("layer[%d].beta_v", l), layer.BetaV)
	}
	set("fusion.W1", p.Fusion.W1)
	setVec("fusion.b1", p.Fusion.B1)
	set("fusion.W2", p.Fusion.W2)
	setVec("fusion.b2", p.Fusion.B2)
	return nil
}

const (
	blobMagic   = "SHGT"
	blobVersion = uint16(1)
)

// MarshalTensors serializes a tensor map into the self-describing binary
// blob stored in the parameter table: magic, version, then per tensor a
// length-tagged name, dtype, shape, and little-endian f32 data.
func MarshalTensors(tensors map[string]Tensor) []byte {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString(blobMagic)
	binary.Write(&buf, binary.LittleEndian, blobVersion)           //nolint:errcheck
	binary.Write(&buf, binary.LittleEndian, uint32(len(tensors))) //nolint:errcheck

	for _, name := range names {
		t := tensors[name]
		binary.Write(&buf, binary.LittleEndian, uint16(len(name))) //nolint:errcheck
		buf.WriteString(name)
		binary.Write(&buf, binary.LittleEndian, uint8(len(t.Dtype))) //nolint:errcheck
		buf.WriteString(t.Dtype)
		binary.Write(&buf, binary.LittleEndian, uint8(len(t.Shape))) //nolint:errcheck
		for _, dim := range t.Shape {
			binary.Write(&buf, binary.LittleEndian, uint32(dim)) //nolint:errcheck
		}
		for _, v := range t.Data {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v)) //nolint:errcheck
		}
	}
	return buf.Bytes()
}

// UnmarshalTensors parses a blob produced by MarshalTensors.
func UnmarshalTensors(blob []byte) (map[string]Tensor, error) {
	r := bytes.NewReader(blob)
	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || string(magic) != blobMagic {
		return nil, fmt.Errorf("params blob: bad magic")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("params blob: %w", err)
	}
	if version != blobVersion {
		return nil, fmt.Errorf("params blob: unsupported version %d", version)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("params blob: %w", err)
	}

	out := make(map[string]Tensor, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("params blob: tensor %d: %w", i, err)
		}
		name := make([]byte, nameLen)
		if _, err := r.Read(name); err != nil {
			return nil, fmt.Errorf("params blob: tensor %d name: %w", i, err)
		}
		var dtypeLen uint8
		if err := binary.Read(r, binary.LittleEndian, &dtypeLen); err != nil {
			return nil, fmt.Errorf("params blob: tensor %q: %w", name, err)
		}
		dtype := make([]byte, dtypeLen)
		if _, err := r.Read(dtype); err != nil {
			return nil, fmt.Errorf("params blob: tensor %q dtype: %w", name, err)
		}
		if string(dtype) != "f32" {
			return nil, fmt.Errorf("params blob: tensor %q: unsupported dtype %q", name, dtype)
		}
		var rank uint8
		if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
			return nil, fmt.Errorf("params blob: tensor %q: %w", name, err)
		}
		shape := make([]int, rank)
		size := 1
		for j := range shape {
			var dim uint32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, fmt.Errorf("params blob: tensor %q shape: %w", name, err)
			}
			shape[j] = int(dim)
			size *= int(dim)
		}
		data := make([]float32, size)
		for j := range data {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, fmt.Errorf("params blob: tensor %q data: %w", name, err)
			}
			data[j] = math.Float32frombits(bits)
		}
		out[string(name)] = Tensor{Dtype: "f32", Shape: shape, Data: data}
	}
	return out, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
