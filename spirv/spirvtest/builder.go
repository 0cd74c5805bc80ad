// Package spirvtest assembles small SPIR-V binaries word by word so tests
// can exercise reflection against real module encodings without shipping
// compiled shader fixtures.
package spirvtest

import "encoding/binary"

const magic uint32 = 0x07230203

// Execution models
const (
	ModelVertex   uint32 = 0
	ModelFragment uint32 = 4
	ModelCompute  uint32 = 5
	ModelTaskEXT  uint32 = 5364
	ModelMeshEXT  uint32 = 5365
)

// Opcodes
const (
	OpEntryPoint       uint32 = 15
	OpTypeInt          uint32 = 21
	OpTypeFloat        uint32 = 22
	OpTypeVector       uint32 = 23
	OpTypeMatrix       uint32 = 24
	OpTypeImage        uint32 = 25
	OpTypeSampler      uint32 = 26
	OpTypeSampledImage uint32 = 27
	OpTypeArray        uint32 = 28
	OpTypeRuntimeArray uint32 = 29
	OpTypeStruct       uint32 = 30
	OpTypePointer      uint32 = 32
	OpConstant         uint32 = 43
	OpVariable         uint32 = 59
	OpDecorate         uint32 = 71
	OpMemberDecorate   uint32 = 72
)

// Decorations and storage classes
const (
	DecorationBlock         uint32 = 2
	DecorationBufferBlock   uint32 = 3
	DecorationArrayStride   uint32 = 6
	DecorationBinding       uint32 = 33
	DecorationDescriptorSet uint32 = 34
	DecorationOffset        uint32 = 35

	StorageUniformConstant uint32 = 0
	StorageUniform         uint32 = 2
	StoragePushConstant    uint32 = 9
	StorageStorageBuffer   uint32 = 12
)

// Builder accumulates a SPIR-V instruction stream. The zero value is not
// usable; create one with NewBuilder.
type Builder struct {
	words  []uint32
	nextID uint32
}

func NewBuilder() *Builder {
	return &Builder{
		// Header: magic, version 1.4, generator, bound (patched in Bytes),
		// schema
		words:  []uint32{magic, 0x00010400, 0, 0, 0},
		nextID: 1,
	}
}

// ID allocates a fresh result ID
func (b *Builder) ID() uint32 {
	id := b.nextID
	b.nextID++
	return id
}

// Instr appends one instruction with the word count packed into the high
// half of the opcode word
func (b *Builder) Instr(op uint32, operands ...uint32) {
	b.words = append(b.words, uint32(len(operands)+1)<<16|op)
	b.words = append(b.words, operands...)
}

// RawWords appends words verbatim, for encoding deliberately broken
// instructions
func (b *Builder) RawWords(words ...uint32) {
	b.words = append(b.words, words...)
}

// Bytes encodes the module little-endian
func (b *Builder) Bytes() []byte {
	b.words[3] = b.nextID
	buf := make([]byte, len(b.words)*4)
	for i, word := range b.words {
		binary.LittleEndian.PutUint32(buf[i*4:], word)
	}
	return buf
}

// BytesBigEndian encodes the module big-endian
func (b *Builder) BytesBigEndian() []byte {
	b.words[3] = b.nextID
	buf := make([]byte, len(b.words)*4)
	for i, word := range b.words {
		binary.BigEndian.PutUint32(buf[i*4:], word)
	}
	return buf
}

// EntryPoint declares an entry point with the given execution model and
// name
func (b *Builder) EntryPoint(model uint32, name string) {
	fn := b.ID()
	operands := []uint32{model, fn}
	operands = append(operands, encodeString(name)...)
	b.Instr(OpEntryPoint, operands...)
}

// Decorate attaches a decoration with one literal operand
func (b *Builder) Decorate(target, decoration, value uint32) {
	b.Instr(OpDecorate, target, decoration, value)
}

// DecorateFlag attaches a decoration with no operands, such as Block
func (b *Builder) DecorateFlag(target, decoration uint32) {
	b.Instr(OpDecorate, target, decoration)
}

// bindVariable emits the pointer and variable for a descriptor binding
func (b *Builder) bindVariable(pointee, storageClass uint32, set, binding int) uint32 {
	ptr := b.ID()
	b.Instr(OpTypePointer, ptr, storageClass, pointee)
	v := b.ID()
	b.Instr(OpVariable, ptr, v, storageClass)
	b.Decorate(v, DecorationDescriptorSet, uint32(set))
	b.Decorate(v, DecorationBinding, uint32(binding))
	return v
}

// UniformBuffer declares a uniform buffer block holding a single float at
// the given (set, binding)
func (b *Builder) UniformBuffer(set, binding int) uint32 {
	f := b.ID()
	b.Instr(OpTypeFloat, f, 32)
	st := b.ID()
	b.Instr(OpTypeStruct, st, f)
	b.DecorateFlag(st, DecorationBlock)
	b.Instr(OpMemberDecorate, st, 0, DecorationOffset, 0)
	return b.bindVariable(st, StorageUniform, set, binding)
}

// StorageBuffer declares a storage buffer block at the given (set, binding)
func (b *Builder) StorageBuffer(set, binding int) uint32 {
	f := b.ID()
	b.Instr(OpTypeFloat, f, 32)
	st := b.ID()
	b.Instr(OpTypeStruct, st, f)
	b.DecorateFlag(st, DecorationBlock)
	b.Instr(OpMemberDecorate, st, 0, DecorationOffset, 0)
	return b.bindVariable(st, StorageStorageBuffer, set, binding)
}

// CombinedSampler declares a combined image sampler at the given
// (set, binding)
func (b *Builder) CombinedSampler(set, binding int) uint32 {
	img := b.imageType(1, 1)
	sampled := b.ID()
	b.Instr(OpTypeSampledImage, sampled, img)
	return b.bindVariable(sampled, StorageUniformConstant, set, binding)
}

// SampledImageArray declares a fixed-size array of sampled images
func (b *Builder) SampledImageArray(set, binding, count int) uint32 {
	img := b.imageType(1, 1)
	i := b.ID()
	b.Instr(OpTypeInt, i, 32, 0)
	length := b.ID()
	b.Instr(OpConstant, i, length, uint32(count))
	arr := b.ID()
	b.Instr(OpTypeArray, arr, img, length)
	return b.bindVariable(arr, StorageUniformConstant, set, binding)
}

// RuntimeSampledImages declares an unbounded runtime array of sampled
// images
func (b *Builder) RuntimeSampledImages(set, binding int) uint32 {
	img := b.imageType(1, 1)
	arr := b.ID()
	b.Instr(OpTypeRuntimeArray, arr, img)
	return b.bindVariable(arr, StorageUniformConstant, set, binding)
}

// StorageImage declares a storage image at the given (set, binding)
func (b *Builder) StorageImage(set, binding int) uint32 {
	img := b.imageType(1, 2)
	return b.bindVariable(img, StorageUniformConstant, set, binding)
}

func (b *Builder) imageType(dim, sampled uint32) uint32 {
	f := b.ID()
	b.Instr(OpTypeFloat, f, 32)
	img := b.ID()
	// sampled type, dim, depth, arrayed, MS, sampled, format
	b.Instr(OpTypeImage, img, f, dim, 0, 0, 0, sampled, 0)
	return img
}

// PushConstantMember is one member of a push-constant block
type PushConstantMember struct {
	Offset int
	// FloatCount sizes the member as a vector of that many 32-bit floats;
	// 1 emits a plain scalar
	FloatCount int
}

// PushConstants declares a push-constant block with the given members
func (b *Builder) PushConstants(members ...PushConstantMember) uint32 {
	f := b.ID()
	b.Instr(OpTypeFloat, f, 32)

	memberTypes := make([]uint32, len(members))
	for i, m := range members {
		if m.FloatCount <= 1 {
			memberTypes[i] = f
			continue
		}
		vec := b.ID()
		b.Instr(OpTypeVector, vec, f, uint32(m.FloatCount))
		memberTypes[i] = vec
	}

	st := b.ID()
	b.Instr(OpTypeStruct, append([]uint32{st}, memberTypes...)...)
	b.DecorateFlag(st, DecorationBlock)
	for i, m := range members {
		b.Instr(OpMemberDecorate, st, uint32(i), DecorationOffset, uint32(m.Offset))
	}

	ptr := b.ID()
	b.Instr(OpTypePointer, ptr, StoragePushConstant, st)
	v := b.ID()
	b.Instr(OpVariable, ptr, v, StoragePushConstant)
	return v
}

func encodeString(s string) []uint32 {
	raw := append([]byte(s), 0)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return words
}
