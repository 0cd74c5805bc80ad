package spirv_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/spirv"
	"github.com/vkngwrapper/mantle/spirv/spirvtest"
)

func TestReflectEntryPoints(t *testing.T) {
	b := spirvtest.NewBuilder()
	b.EntryPoint(spirvtest.ModelTaskEXT, "task_main")
	b.EntryPoint(spirvtest.ModelMeshEXT, "mesh_main")

	module, err := spirv.Reflect(b.Bytes())
	require.NoError(t, err)

	require.Equal(t, []spirv.EntryPoint{
		{Name: "task_main", Stage: backend.StageTask},
		{Name: "mesh_main", Stage: backend.StageMesh},
	}, module.EntryPoints)
	require.Equal(t, backend.StageTask|backend.StageMesh, module.Stages())
	require.True(t, module.HasStage(backend.StageMesh))
	require.False(t, module.HasStage(backend.StageFragment))
}

func TestReflectBigEndianModule(t *testing.T) {
	b := spirvtest.NewBuilder()
	b.EntryPoint(spirvtest.ModelFragment, "main")
	b.UniformBuffer(0, 0)

	module, err := spirv.Reflect(b.BytesBigEndian())
	require.NoError(t, err)
	require.Len(t, module.Bindings, 1)
	require.Equal(t, backend.DescriptorUniformBuffer, module.Bindings[0].Kind)
}

func TestReflectBindings(t *testing.T) {
	testCases := map[string]struct {
		declare      func(b *spirvtest.Builder)
		expectedKind backend.DescriptorKind
		expectedNum  int
	}{
		"uniform buffer": {
			declare:      func(b *spirvtest.Builder) { b.UniformBuffer(1, 3) },
			expectedKind: backend.DescriptorUniformBuffer,
			expectedNum:  1,
		},
		"storage buffer": {
			declare:      func(b *spirvtest.Builder) { b.StorageBuffer(1, 3) },
			expectedKind: backend.DescriptorStorageBuffer,
			expectedNum:  1,
		},
		"combined image sampler": {
			declare:      func(b *spirvtest.Builder) { b.CombinedSampler(1, 3) },
			expectedKind: backend.DescriptorCombinedImageSampler,
			expectedNum:  1,
		},
		"storage image": {
			declare:      func(b *spirvtest.Builder) { b.StorageImage(1, 3) },
			expectedKind: backend.DescriptorStorageImage,
			expectedNum:  1,
		},
		"sampled image array": {
			declare:      func(b *spirvtest.Builder) { b.SampledImageArray(1, 3, 8) },
			expectedKind: backend.DescriptorSampledImage,
			expectedNum:  8,
		},
		"unbounded sampled images": {
			declare:      func(b *spirvtest.Builder) { b.RuntimeSampledImages(1, 3) },
			expectedKind: backend.DescriptorSampledImage,
			expectedNum:  0,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			b := spirvtest.NewBuilder()
			b.EntryPoint(spirvtest.ModelFragment, "main")
			testCase.declare(b)

			module, err := spirv.Reflect(b.Bytes())
			require.NoError(t, err)
			require.Equal(t, []spirv.Binding{
				{Set: 1, Binding: 3, Kind: testCase.expectedKind, Count: testCase.expectedNum},
			}, module.Bindings)
		})
	}
}

func TestReflectBindingOrdering(t *testing.T) {
	b := spirvtest.NewBuilder()
	b.EntryPoint(spirvtest.ModelMeshEXT, "main")
	b.StorageBuffer(1, 0)
	b.UniformBuffer(0, 2)
	b.CombinedSampler(0, 1)

	module, err := spirv.Reflect(b.Bytes())
	require.NoError(t, err)

	require.Len(t, module.Bindings, 3)
	require.Equal(t, spirv.Binding{Set: 0, Binding: 1, Kind: backend.DescriptorCombinedImageSampler, Count: 1}, module.Bindings[0])
	require.Equal(t, spirv.Binding{Set: 0, Binding: 2, Kind: backend.DescriptorUniformBuffer, Count: 1}, module.Bindings[1])
	require.Equal(t, spirv.Binding{Set: 1, Binding: 0, Kind: backend.DescriptorStorageBuffer, Count: 1}, module.Bindings[2])
}

func TestReflectDuplicateBinding(t *testing.T) {
	b := spirvtest.NewBuilder()
	b.EntryPoint(spirvtest.ModelFragment, "main")
	b.UniformBuffer(0, 0)
	b.CombinedSampler(0, 0)

	_, err := spirv.Reflect(b.Bytes())
	require.ErrorIs(t, err, spirv.ErrMalformedModule)
}

func TestReflectPushConstants(t *testing.T) {
	testCases := map[string]struct {
		members        []spirvtest.PushConstantMember
		expectedOffset int
		expectedSize   int
	}{
		"two vec4 members": {
			members: []spirvtest.PushConstantMember{
				{Offset: 0, FloatCount: 4},
				{Offset: 16, FloatCount: 4},
			},
			expectedOffset: 0,
			expectedSize:   32,
		},
		"block starting past zero": {
			members: []spirvtest.PushConstantMember{
				{Offset: 64, FloatCount: 4},
			},
			expectedOffset: 64,
			expectedSize:   16,
		},
		"scalar tail": {
			members: []spirvtest.PushConstantMember{
				{Offset: 0, FloatCount: 4},
				{Offset: 16, FloatCount: 1},
			},
			expectedOffset: 0,
			expectedSize:   20,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			b := spirvtest.NewBuilder()
			b.EntryPoint(spirvtest.ModelMeshEXT, "main")
			b.PushConstants(testCase.members...)

			module, err := spirv.Reflect(b.Bytes())
			require.NoError(t, err)
			require.NotNil(t, module.PushConstants)
			require.Equal(t, testCase.expectedOffset, module.PushConstants.Offset)
			require.Equal(t, testCase.expectedSize, module.PushConstants.Size)
		})
	}
}

func TestReflectMalformed(t *testing.T) {
	truncated := spirvtest.NewBuilder()
	truncated.EntryPoint(spirvtest.ModelFragment, "main")
	// A word count that runs past the end of the binary
	truncated.RawWords(20<<16 | spirvtest.OpDecorate)

	noEntryPoints := spirvtest.NewBuilder()
	noEntryPoints.UniformBuffer(0, 0)

	missingSet := spirvtest.NewBuilder()
	missingSet.EntryPoint(spirvtest.ModelFragment, "main")
	f := missingSet.ID()
	missingSet.Instr(spirvtest.OpTypeFloat, f, 32)
	st := missingSet.ID()
	missingSet.Instr(spirvtest.OpTypeStruct, st, f)
	missingSet.DecorateFlag(st, spirvtest.DecorationBlock)
	ptr := missingSet.ID()
	missingSet.Instr(spirvtest.OpTypePointer, ptr, spirvtest.StorageUniform, st)
	v := missingSet.ID()
	missingSet.Instr(spirvtest.OpVariable, ptr, v, spirvtest.StorageUniform)
	missingSet.Decorate(v, spirvtest.DecorationBinding, 0)

	badMagic := truncatedHeader()
	badMagic[0] = 0xff

	testCases := map[string][]byte{
		"shorter than the header":  {1, 2, 3, 4},
		"length not a word stream": append(truncatedHeader(), 0xAA),
		"bad magic number":         badMagic,
		"truncated instruction":    truncated.Bytes(),
		"no entry points":          noEntryPoints.Bytes(),
		"binding without a set":    missingSet.Bytes(),
	}

	for name, code := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := spirv.Reflect(code)
			require.ErrorIs(t, err, spirv.ErrMalformedModule)
		})
	}
}

func TestReflectUnsupportedStage(t *testing.T) {
	b := spirvtest.NewBuilder()
	// Execution model 1 is tessellation control, which mesh pipelines never
	// run
	b.Instr(spirvtest.OpEntryPoint, 1, b.ID(), 0)

	_, err := spirv.Reflect(b.Bytes())
	require.ErrorIs(t, err, spirv.ErrUnsupportedStage)
}

func TestReflectUnsupportedBinding(t *testing.T) {
	b := spirvtest.NewBuilder()
	b.EntryPoint(spirvtest.ModelFragment, "main")
	// A bare sampler-less struct with no block decoration in
	// UniformConstant storage has no descriptor kind
	f := b.ID()
	b.Instr(spirvtest.OpTypeFloat, f, 32)
	st := b.ID()
	b.Instr(spirvtest.OpTypeStruct, st, f)
	ptr := b.ID()
	b.Instr(spirvtest.OpTypePointer, ptr, spirvtest.StorageUniformConstant, st)
	v := b.ID()
	b.Instr(spirvtest.OpVariable, ptr, v, spirvtest.StorageUniformConstant)
	b.Decorate(v, spirvtest.DecorationDescriptorSet, 0)
	b.Decorate(v, spirvtest.DecorationBinding, 0)

	_, err := spirv.Reflect(b.Bytes())
	require.ErrorIs(t, err, spirv.ErrUnsupportedBinding)
}

func truncatedHeader() []byte {
	b := spirvtest.NewBuilder()
	return b.Bytes()
}
