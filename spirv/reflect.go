// Package spirv extracts pipeline-layout metadata from compiled SPIR-V
// binaries: entry points, descriptor bindings and push-constant ranges.
// Callers never hand-declare bindings; everything a pipeline layout needs
// comes out of the module itself.
package spirv

import (
	"encoding/binary"
	"math"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mantle/backend"
	"golang.org/x/exp/slices"
)

const spirvMagic uint32 = 0x07230203

// Instruction opcodes consumed by the reflector
const (
	opEntryPoint       = 15
	opTypeInt          = 21
	opTypeFloat        = 22
	opTypeVector       = 23
	opTypeMatrix       = 24
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeArray        = 28
	opTypeRuntimeArray = 29
	opTypeStruct       = 30
	opTypePointer      = 32
	opConstant         = 43
	opVariable         = 59
	opDecorate         = 71
	opMemberDecorate   = 72
)

// Decorations
const (
	decorationBlock         = 2
	decorationBufferBlock   = 3
	decorationArrayStride   = 6
	decorationBinding       = 33
	decorationDescriptorSet = 34
	decorationOffset        = 35
)

// Storage classes
const (
	storageClassUniformConstant = 0
	storageClassUniform         = 2
	storageClassPushConstant    = 9
	storageClassStorageBuffer   = 12
)

// Execution models
const (
	execModelVertex   = 0
	execModelFragment = 4
	execModelCompute  = 5
	execModelTaskNV   = 5267
	execModelMeshNV   = 5268
	execModelTaskEXT  = 5364
	execModelMeshEXT  = 5365
)

// Image dimensionalities that change the descriptor kind
const (
	dimBuffer      = 5
	dimSubpassData = 6
)

// EntryPoint is one entry point declared by a module
type EntryPoint struct {
	Name  string
	Stage backend.ShaderStageFlags
}

// Binding is one reflected descriptor binding
type Binding struct {
	Set     int
	Binding int
	Kind    backend.DescriptorKind
	// Count is the array size of the binding: 1 for non-arrayed bindings,
	// 0 for unbounded runtime arrays
	Count int
}

// PushConstantRange is the byte range of push-constant data a module reads
type PushConstantRange struct {
	Offset int
	Size   int
}

// Module is the reflected metadata of one SPIR-V binary. Bindings are
// ordered by ascending (set, binding).
type Module struct {
	EntryPoints   []EntryPoint
	Bindings      []Binding
	PushConstants *PushConstantRange
}

// Stages returns the union of the execution stages of every entry point
func (m *Module) Stages() backend.ShaderStageFlags {
	var stages backend.ShaderStageFlags
	for _, entry := range m.EntryPoints {
		stages |= entry.Stage
	}
	return stages
}

// HasStage reports whether any entry point runs at the given stage
func (m *Module) HasStage(stage backend.ShaderStageFlags) bool {
	return m.Stages()&stage != 0
}

type instruction struct {
	op       uint32
	operands []uint32
}

type variable struct {
	pointerType  uint32
	id           uint32
	storageClass uint32
}

type parser struct {
	types         map[uint32]instruction
	constants     map[uint32]uint32
	decorations   map[uint32]map[uint32]uint32
	memberOffsets map[uint32]map[uint32]uint32
	variables     []variable
	entryPoints   []EntryPoint
}

// Reflect parses a compiled SPIR-V binary and returns its layout metadata.
// Both byte orders are accepted. Errors match ErrMalformedModule,
// ErrUnsupportedBinding or ErrUnsupportedStage via errors.Is.
func Reflect(code []byte) (*Module, error) {
	words, err := moduleWords(code)
	if err != nil {
		return nil, err
	}

	p := &parser{
		types:         make(map[uint32]instruction),
		constants:     make(map[uint32]uint32),
		decorations:   make(map[uint32]map[uint32]uint32),
		memberOffsets: make(map[uint32]map[uint32]uint32),
	}

	if err := p.scan(words); err != nil {
		return nil, err
	}
	return p.build()
}

func moduleWords(code []byte) ([]uint32, error) {
	if len(code) < 20 {
		return nil, cerrors.Wrapf(ErrMalformedModule, "binary is %d bytes, smaller than the SPIR-V header", len(code))
	}
	if len(code)%4 != 0 {
		return nil, cerrors.Wrapf(ErrMalformedModule, "binary length %d is not a multiple of 4", len(code))
	}

	byteOrder := binary.ByteOrder(binary.LittleEndian)
	if binary.LittleEndian.Uint32(code) != spirvMagic {
		if binary.BigEndian.Uint32(code) != spirvMagic {
			return nil, cerrors.Wrapf(ErrMalformedModule, "bad magic number 0x%08x", binary.LittleEndian.Uint32(code))
		}
		byteOrder = binary.BigEndian
	}

	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = byteOrder.Uint32(code[i*4:])
	}
	return words, nil
}

func (p *parser) scan(words []uint32) error {
	// Skip the 5-word header; everything after is an instruction stream
	pos := 5
	for pos < len(words) {
		wordCount := int(words[pos] >> 16)
		op := words[pos] & 0xFFFF

		if wordCount == 0 || pos+wordCount > len(words) {
			return cerrors.Wrapf(ErrMalformedModule, "instruction at word %d has word count %d", pos, wordCount)
		}
		operands := words[pos+1 : pos+wordCount]

		switch op {
		case opEntryPoint:
			if len(operands) < 3 {
				return cerrors.Wrapf(ErrMalformedModule, "OpEntryPoint at word %d is truncated", pos)
			}
			stage, err := stageForExecutionModel(operands[0])
			if err != nil {
				return err
			}
			p.entryPoints = append(p.entryPoints, EntryPoint{
				Name:  decodeString(operands[2:]),
				Stage: stage,
			})

		case opTypeInt, opTypeFloat, opTypeVector, opTypeMatrix, opTypeImage,
			opTypeSampler, opTypeSampledImage, opTypeArray, opTypeRuntimeArray,
			opTypeStruct, opTypePointer:
			if len(operands) < 1 {
				return cerrors.Wrapf(ErrMalformedModule, "type instruction at word %d is truncated", pos)
			}
			p.types[operands[0]] = instruction{op: op, operands: operands}

		case opConstant:
			if len(operands) < 3 {
				return cerrors.Wrapf(ErrMalformedModule, "OpConstant at word %d is truncated", pos)
			}
			// Only the low word matters for the array lengths reflection uses
			p.constants[operands[1]] = operands[2]

		case opVariable:
			if len(operands) < 3 {
				return cerrors.Wrapf(ErrMalformedModule, "OpVariable at word %d is truncated", pos)
			}
			p.variables = append(p.variables, variable{
				pointerType:  operands[0],
				id:           operands[1],
				storageClass: operands[2],
			})

		case opDecorate:
			if len(operands) < 2 {
				return cerrors.Wrapf(ErrMalformedModule, "OpDecorate at word %d is truncated", pos)
			}
			target := p.decorations[operands[0]]
			if target == nil {
				target = make(map[uint32]uint32)
				p.decorations[operands[0]] = target
			}
			var value uint32
			if len(operands) > 2 {
				value = operands[2]
			}
			target[operands[1]] = value

		case opMemberDecorate:
			if len(operands) < 3 {
				return cerrors.Wrapf(ErrMalformedModule, "OpMemberDecorate at word %d is truncated", pos)
			}
			if operands[2] == decorationOffset && len(operands) > 3 {
				offsets := p.memberOffsets[operands[0]]
				if offsets == nil {
					offsets = make(map[uint32]uint32)
					p.memberOffsets[operands[0]] = offsets
				}
				offsets[operands[1]] = operands[3]
			}
		}

		pos += wordCount
	}
	return nil
}

func (p *parser) build() (*Module, error) {
	if len(p.entryPoints) == 0 {
		return nil, cerrors.Wrap(ErrMalformedModule, "module declares no entry points")
	}

	module := &Module{EntryPoints: p.entryPoints}

	for _, v := range p.variables {
		switch v.storageClass {
		case storageClassUniformConstant, storageClassUniform, storageClassStorageBuffer:
			binding, err := p.reflectBinding(v)
			if err != nil {
				return nil, err
			}
			module.Bindings = append(module.Bindings, binding)

		case storageClassPushConstant:
			pushRange, err := p.reflectPushConstants(v)
			if err != nil {
				return nil, err
			}
			module.PushConstants = mergePushRange(module.PushConstants, pushRange)
		}
	}

	slices.SortFunc(module.Bindings, func(a, b Binding) bool {
		if a.Set != b.Set {
			return a.Set < b.Set
		}
		return a.Binding < b.Binding
	})

	for i := 1; i < len(module.Bindings); i++ {
		prev, cur := module.Bindings[i-1], module.Bindings[i]
		if prev.Set == cur.Set && prev.Binding == cur.Binding {
			return nil, cerrors.Wrapf(ErrMalformedModule,
				"module declares (set %d, binding %d) more than once", cur.Set, cur.Binding)
		}
	}

	return module, nil
}

func (p *parser) reflectBinding(v variable) (Binding, error) {
	decorations := p.decorations[v.id]
	set, hasSet := decorations[decorationDescriptorSet]
	bindingIndex, hasBinding := decorations[decorationBinding]
	if !hasSet || !hasBinding {
		return Binding{}, cerrors.Wrapf(ErrMalformedModule,
			"variable %%%d has no descriptor set or binding decoration", v.id)
	}

	pointee, err := p.pointee(v.pointerType)
	if err != nil {
		return Binding{}, err
	}

	kind, count, err := p.classify(pointee, v.storageClass)
	if err != nil {
		return Binding{}, cerrors.Wrapf(err, "at (set %d, binding %d)", set, bindingIndex)
	}

	return Binding{
		Set:     int(set),
		Binding: int(bindingIndex),
		Kind:    kind,
		Count:   count,
	}, nil
}

func (p *parser) pointee(pointerType uint32) (uint32, error) {
	t, ok := p.types[pointerType]
	if !ok || t.op != opTypePointer || len(t.operands) < 3 {
		return 0, cerrors.Wrapf(ErrMalformedModule, "variable type %%%d is not a pointer", pointerType)
	}
	return t.operands[2], nil
}

// classify maps a reflected type to the descriptor kind it binds as.
// Arrays unwrap to their element kind with the array length as the count.
func (p *parser) classify(typeID, storageClass uint32) (backend.DescriptorKind, int, error) {
	t, ok := p.types[typeID]
	if !ok {
		return 0, 0, cerrors.Wrapf(ErrMalformedModule, "missing type %%%d", typeID)
	}

	switch t.op {
	case opTypeArray:
		if len(t.operands) < 3 {
			return 0, 0, cerrors.Wrapf(ErrMalformedModule, "array type %%%d is truncated", typeID)
		}
		kind, _, err := p.classify(t.operands[1], storageClass)
		if err != nil {
			return 0, 0, err
		}
		length, ok := p.constants[t.operands[2]]
		if !ok {
			return 0, 0, cerrors.Wrapf(ErrMalformedModule, "array type %%%d has a non-constant length", typeID)
		}
		return kind, int(length), nil

	case opTypeRuntimeArray:
		if len(t.operands) < 2 {
			return 0, 0, cerrors.Wrapf(ErrMalformedModule, "runtime array type %%%d is truncated", typeID)
		}
		kind, _, err := p.classify(t.operands[1], storageClass)
		if err != nil {
			return 0, 0, err
		}
		return kind, 0, nil

	case opTypeSampler:
		return backend.DescriptorSampler, 1, nil

	case opTypeSampledImage:
		return backend.DescriptorCombinedImageSampler, 1, nil

	case opTypeImage:
		if len(t.operands) < 7 {
			return 0, 0, cerrors.Wrapf(ErrMalformedModule, "image type %%%d is truncated", typeID)
		}
		dim := t.operands[2]
		sampled := t.operands[6]

		if dim == dimSubpassData {
			return backend.DescriptorInputAttachment, 1, nil
		}
		switch sampled {
		case 1:
			if dim == dimBuffer {
				return backend.DescriptorUniformTexelBuffer, 1, nil
			}
			return backend.DescriptorSampledImage, 1, nil
		case 2:
			if dim == dimBuffer {
				return backend.DescriptorStorageTexelBuffer, 1, nil
			}
			return backend.DescriptorStorageImage, 1, nil
		}
		return 0, 0, cerrors.Wrapf(ErrUnsupportedBinding, "image type %%%d has unknown sampled operand %d", typeID, sampled)

	case opTypeStruct:
		structDecorations := p.decorations[typeID]
		_, bufferBlock := structDecorations[decorationBufferBlock]
		_, block := structDecorations[decorationBlock]

		if storageClass == storageClassStorageBuffer || bufferBlock {
			return backend.DescriptorStorageBuffer, 1, nil
		}
		if block && storageClass == storageClassUniform {
			return backend.DescriptorUniformBuffer, 1, nil
		}
		return 0, 0, cerrors.Wrapf(ErrUnsupportedBinding, "struct type %%%d has no block decoration", typeID)
	}

	return 0, 0, cerrors.Wrapf(ErrUnsupportedBinding, "type %%%d with opcode %d", typeID, t.op)
}

func (p *parser) reflectPushConstants(v variable) (*PushConstantRange, error) {
	pointee, err := p.pointee(v.pointerType)
	if err != nil {
		return nil, err
	}
	t, ok := p.types[pointee]
	if !ok || t.op != opTypeStruct {
		return nil, cerrors.Wrapf(ErrMalformedModule, "push constant variable %%%d is not a struct block", v.id)
	}

	members := t.operands[1:]
	offsets := p.memberOffsets[pointee]

	minOffset := math.MaxInt
	maxExtent := 0
	for i, member := range members {
		offset := int(offsets[uint32(i)])
		size, err := p.sizeOfType(member)
		if err != nil {
			return nil, err
		}
		if offset < minOffset {
			minOffset = offset
		}
		if offset+size > maxExtent {
			maxExtent = offset + size
		}
	}
	if len(members) == 0 {
		minOffset = 0
	}

	return &PushConstantRange{Offset: minOffset, Size: maxExtent - minOffset}, nil
}

func (p *parser) sizeOfType(typeID uint32) (int, error) {
	t, ok := p.types[typeID]
	if !ok {
		return 0, cerrors.Wrapf(ErrMalformedModule, "missing type %%%d", typeID)
	}

	switch t.op {
	case opTypeInt, opTypeFloat:
		if len(t.operands) < 2 {
			return 0, cerrors.Wrapf(ErrMalformedModule, "scalar type %%%d is truncated", typeID)
		}
		return int(t.operands[1]) / 8, nil

	case opTypeVector, opTypeMatrix:
		if len(t.operands) < 3 {
			return 0, cerrors.Wrapf(ErrMalformedModule, "composite type %%%d is truncated", typeID)
		}
		elemSize, err := p.sizeOfType(t.operands[1])
		if err != nil {
			return 0, err
		}
		return elemSize * int(t.operands[2]), nil

	case opTypeArray:
		if len(t.operands) < 3 {
			return 0, cerrors.Wrapf(ErrMalformedModule, "array type %%%d is truncated", typeID)
		}
		length, ok := p.constants[t.operands[2]]
		if !ok {
			return 0, cerrors.Wrapf(ErrMalformedModule, "array type %%%d has a non-constant length", typeID)
		}
		if stride, ok := p.decorations[typeID][decorationArrayStride]; ok {
			return int(stride) * int(length), nil
		}
		elemSize, err := p.sizeOfType(t.operands[1])
		if err != nil {
			return 0, err
		}
		return elemSize * int(length), nil

	case opTypeStruct:
		offsets := p.memberOffsets[typeID]
		extent := 0
		for i, member := range t.operands[1:] {
			size, err := p.sizeOfType(member)
			if err != nil {
				return 0, err
			}
			if end := int(offsets[uint32(i)]) + size; end > extent {
				extent = end
			}
		}
		return extent, nil
	}

	return 0, cerrors.Wrapf(ErrMalformedModule, "cannot size type %%%d with opcode %d", typeID, t.op)
}

func mergePushRange(existing, next *PushConstantRange) *PushConstantRange {
	if existing == nil {
		return next
	}
	end := existing.Offset + existing.Size
	if nextEnd := next.Offset + next.Size; nextEnd > end {
		end = nextEnd
	}
	offset := existing.Offset
	if next.Offset < offset {
		offset = next.Offset
	}
	return &PushConstantRange{Offset: offset, Size: end - offset}
}

func stageForExecutionModel(model uint32) (backend.ShaderStageFlags, error) {
	switch model {
	case execModelVertex:
		return backend.StageVertex, nil
	case execModelFragment:
		return backend.StageFragment, nil
	case execModelCompute:
		return backend.StageCompute, nil
	case execModelTaskNV, execModelTaskEXT:
		return backend.StageTask, nil
	case execModelMeshNV, execModelMeshEXT:
		return backend.StageMesh, nil
	}
	return 0, cerrors.Wrapf(ErrUnsupportedStage, "execution model %d", model)
}

func decodeString(words []uint32) string {
	buf := make([]byte, 0, len(words)*4)
	for _, word := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(word >> shift)
			if c == 0 {
				return string(buf)
			}
			buf = append(buf, c)
		}
	}
	return string(buf)
}
