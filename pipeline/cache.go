package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mantle/backend"
	"github.com/vkngwrapper/mantle/internal/utils"
	"github.com/vkngwrapper/mantle/spirv"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
)

// CacheFlags indicate specific cache behaviors to activate or deactivate
type CacheFlags int32

var cacheFlagsMapping = newCacheFlagsMapping()

func newCacheFlagsMapping() map[CacheFlags]string {
	return map[CacheFlags]string{
		CacheExternallySynchronized: "CacheExternallySynchronized",
	}
}

func (f CacheFlags) String() string {
	if str, ok := cacheFlagsMapping[f]; ok {
		return str
	}
	return "UnknownCacheFlags"
}

const (
	// CacheExternallySynchronized disables the cache's internal locking.
	// The consumer must guarantee the cache is used from one goroutine at
	// a time; single-flight build collapsing stays active regardless.
	CacheExternallySynchronized CacheFlags = 1 << iota
)

// CacheOptions contains optional settings when creating a Cache
type CacheOptions struct {
	Flags CacheFlags
}

// Cache builds and memoizes pipelines keyed by Key. Pipelines live for the
// renderer's lifetime; there is no eviction, only explicit invalidation.
// At most one build per distinct key runs at a time; concurrent requests
// for a mid-build key wait for the in-flight result.
type Cache struct {
	logger  *slog.Logger
	device  backend.Device
	library *Library

	mutex     utils.OptionalRWMutex
	pipelines *swiss.Map[Key, *Handle]
	// layouts shares one device pipeline layout between every pipeline
	// whose reflected description digests identically
	layouts map[string]backend.PipelineLayout
	// modules shares one uploaded shader module per shader ID, tagged with
	// the library generation it was uploaded from
	modules map[ShaderID]shaderModuleEntry
	// shaderToPipeline indexes resident pipelines by the shaders they were
	// built from, for hot-reload invalidation
	shaderToPipeline map[ShaderID]map[Key]struct{}

	group singleflight.Group

	buildCount    atomic.Uint64
	hitCount      atomic.Uint64
	droppedBuilds atomic.Uint64
	buildNanos    atomic.Int64
}

// NewCache creates a pipeline cache that builds through the given device
// and resolves shader IDs through the given library
func NewCache(logger *slog.Logger, device backend.Device, library *Library, options CacheOptions) *Cache {
	return &Cache{
		logger:  logger,
		device:  device,
		library: library,

		mutex:            utils.OptionalRWMutex{UseMutex: options.Flags&CacheExternallySynchronized == 0},
		pipelines:        swiss.NewMap[Key, *Handle](42),
		layouts:          make(map[string]backend.PipelineLayout),
		modules:          make(map[ShaderID]shaderModuleEntry),
		shaderToPipeline: make(map[ShaderID]map[Key]struct{}),
	}
}

// GetOrBuild returns the resident pipeline for a key, building it on the
// first request. Structurally equal keys always return the same handle.
func (c *Cache) GetOrBuild(key Key) (*Handle, error) {
	c.mutex.RLock()
	handle, ok := c.pipelines.Get(key)
	c.mutex.RUnlock()
	if ok {
		c.hitCount.Add(1)
		return handle, nil
	}

	result, err, _ := c.group.Do(key.flightKey(), func() (interface{}, error) {
		// A single-flight winner may have inserted the handle between the
		// miss above and this callback
		c.mutex.RLock()
		handle, ok := c.pipelines.Get(key)
		c.mutex.RUnlock()
		if ok {
			c.hitCount.Add(1)
			return handle, nil
		}
		return c.build(key)
	})
	if err != nil {
		c.droppedBuilds.Add(1)
		return nil, err
	}
	return result.(*Handle), nil
}

// shaderModuleEntry is one uploaded device module and the library
// generation of the binary it was built from
type shaderModuleEntry struct {
	module     backend.ShaderModule
	generation uint64
}

func (c *Cache) build(key Key) (*Handle, error) {
	for {
		handle, stale, err := c.buildOnce(key)
		if err != nil {
			return nil, err
		}
		if !stale {
			return handle, nil
		}
		// A shader replacement landed while this build was in flight; the
		// result came from the old binary and must not become resident
		handle.destroy()
	}
}

func (c *Cache) buildOnce(key Key) (*Handle, bool, error) {
	buildStart := time.Now()

	stagePairs := key.stageShaders()
	stages := make([]StageModule, 0, len(stagePairs))
	stageInfos := make([]backend.ShaderStageInfo, 0, len(stagePairs))
	generations := make(map[ShaderID]uint64, len(stagePairs))

	for _, pair := range stagePairs {
		code, generation, ok := c.library.snapshot(pair.shader)
		if !ok {
			return nil, false, cerrors.Wrapf(ErrShaderNotFound, "shader %q", pair.shader)
		}
		generations[pair.shader] = generation

		module, err := spirv.Reflect(code)
		if err != nil {
			return nil, false, cerrors.Wrapf(err, "reflecting shader %q", pair.shader)
		}
		if !module.HasStage(pair.stage) {
			return nil, false, cerrors.Wrapf(ErrStageMismatch, "shader %q keyed as %s declares %s",
				pair.shader, pair.stage, module.Stages())
		}

		entryPoint := ""
		for _, entry := range module.EntryPoints {
			if entry.Stage == pair.stage {
				entryPoint = entry.Name
				break
			}
		}

		deviceModule, err := c.getOrCreateModule(pair.shader, code, generation)
		if err != nil {
			return nil, false, err
		}

		stages = append(stages, StageModule{Stage: pair.stage, Module: module})
		stageInfos = append(stageInfos, backend.ShaderStageInfo{
			Stage:      pair.stage,
			Module:     deviceModule,
			EntryPoint: entryPoint,
		})
	}

	desc, err := MergeStages(stages)
	if err != nil {
		return nil, false, cerrors.Wrapf(err, "merging layouts for %v", key.Shaders)
	}

	layout, err := c.getOrCreateLayout(desc)
	if err != nil {
		return nil, false, err
	}

	pipeline, err := c.device.NewMeshPipeline(backend.MeshPipelineInfo{
		Layout:      layout,
		Stages:      stageInfos,
		ColorFormat: key.ColorFormat,
		DepthFormat: key.DepthFormat,

		DepthTest:    key.State.DepthTest,
		DepthWrite:   key.State.DepthWrite,
		DepthCompare: key.State.DepthCompare,
		Cull:         key.State.Cull,
		Blend:        key.State.Blend,
	})
	if err != nil {
		return nil, false, cerrors.Wrapf(ErrPipelineBuild, "building pipeline for %v: %s", key.Shaders, err)
	}

	handle := newHandle(key, desc, layout, pipeline)

	c.mutex.Lock()
	stale := false
	for _, pair := range stagePairs {
		if c.library.generation(pair.shader) != generations[pair.shader] {
			stale = true
			break
		}
	}
	var existing *Handle
	if !stale {
		// A forgotten flight may have raced this one to residency
		if resident, ok := c.pipelines.Get(key); ok {
			existing = resident
		} else {
			c.pipelines.Put(key, handle)
			for _, pair := range stagePairs {
				keys := c.shaderToPipeline[pair.shader]
				if keys == nil {
					keys = make(map[Key]struct{})
					c.shaderToPipeline[pair.shader] = keys
				}
				keys[key] = struct{}{}
			}
		}
	}
	c.mutex.Unlock()

	buildTime := time.Since(buildStart)
	c.buildCount.Add(1)
	c.buildNanos.Add(int64(buildTime))

	if stale {
		return handle, true, nil
	}
	if existing != nil {
		handle.destroy()
		return existing, false, nil
	}

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "built pipeline",
		slog.String("mesh", string(key.Shaders.Mesh)),
		slog.String("fragment", string(key.Shaders.Fragment)),
		slog.Duration("buildTime", buildTime),
	)

	return handle, false, nil
}

func (c *Cache) getOrCreateModule(id ShaderID, code []byte, generation uint64) (backend.ShaderModule, error) {
	c.mutex.RLock()
	entry, ok := c.modules[id]
	c.mutex.RUnlock()
	if ok && entry.generation == generation {
		return entry.module, nil
	}

	module, err := c.device.NewShaderModule(code)
	if err != nil {
		return nil, cerrors.Wrapf(ErrPipelineBuild, "uploading shader %q: %s", id, err)
	}

	c.mutex.Lock()
	if existing, ok := c.modules[id]; ok {
		if existing.generation == generation {
			c.mutex.Unlock()
			module.Destroy()
			return existing.module, nil
		}
		// The resident module holds an older binary; no resident pipeline
		// needs it once built, so it can go now
		existing.module.Destroy()
	}
	c.modules[id] = shaderModuleEntry{module: module, generation: generation}
	c.mutex.Unlock()
	return module, nil
}

func (c *Cache) getOrCreateLayout(desc *LayoutDescription) (backend.PipelineLayout, error) {
	digest := desc.digest()

	c.mutex.RLock()
	layout, ok := c.layouts[digest]
	c.mutex.RUnlock()
	if ok {
		return layout, nil
	}

	layout, err := c.device.NewPipelineLayout(desc.Info())
	if err != nil {
		return nil, cerrors.Wrapf(ErrPipelineBuild, "creating pipeline layout: %s", err)
	}

	c.mutex.Lock()
	if existing, ok := c.layouts[digest]; ok {
		c.mutex.Unlock()
		layout.Destroy()
		return existing, nil
	}
	c.layouts[digest] = layout
	c.mutex.Unlock()
	return layout, nil
}

// Invalidate removes a key from the cache and destroys its pipeline. It
// blocks until no in-flight frame retains the handle, so it is safe to
// call while frames are rendering. It reports whether the key was
// resident.
func (c *Cache) Invalidate(key Key) bool {
	c.mutex.Lock()
	handle, ok := c.pipelines.Get(key)
	if ok {
		c.pipelines.Delete(key)
		for _, pair := range key.stageShaders() {
			delete(c.shaderToPipeline[pair.shader], key)
		}
	}
	c.mutex.Unlock()

	// Future GetOrBuild calls must not join a stale flight
	c.group.Forget(key.flightKey())

	if !ok {
		return false
	}

	handle.waitUnreferenced()
	handle.destroy()
	return true
}

// ReplaceShader registers a new binary for a shader ID and invalidates
// every resident pipeline built from the old one. A build in flight when
// the replacement lands discards its result and rebuilds from the new
// binary, so the reload always takes effect. Used for hot reload.
func (c *Cache) ReplaceShader(id ShaderID, code []byte) int {
	c.library.Register(id, code)

	c.mutex.RLock()
	keys := make([]Key, 0, len(c.shaderToPipeline[id]))
	for key := range c.shaderToPipeline[id] {
		keys = append(keys, key)
	}
	c.mutex.RUnlock()

	invalidated := 0
	for _, key := range keys {
		if c.Invalidate(key) {
			invalidated++
		}
	}

	// The uploaded module holds the old binary; rebuilds must not reuse it.
	// A build racing this replacement may already have uploaded the fresh
	// module, so only stale generations go.
	c.mutex.Lock()
	if entry, ok := c.modules[id]; ok && entry.generation != c.library.generation(id) {
		delete(c.modules, id)
		entry.module.Destroy()
	}
	c.mutex.Unlock()

	c.logger.LogAttrs(context.Background(), slog.LevelInfo, "replaced shader",
		slog.String("shader", string(id)),
		slog.Int("invalidatedPipelines", invalidated),
	)
	return invalidated
}

// Destroy tears down every resident pipeline, shared layout and shader
// module. Handles still retained by an in-flight frame are a consumer bug
// and are logged before being destroyed anyway.
func (c *Cache) Destroy() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.pipelines.Iter(func(key Key, handle *Handle) bool {
		if refs := handle.references(); refs != 0 {
			c.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED PIPELINE] pipeline destroyed while still referenced",
				slog.String("mesh", string(key.Shaders.Mesh)),
				slog.Int("references", refs),
			)
		}
		handle.destroy()
		return false
	})
	c.pipelines = swiss.NewMap[Key, *Handle](42)

	for _, layout := range c.layouts {
		layout.Destroy()
	}
	c.layouts = make(map[string]backend.PipelineLayout)

	for _, entry := range c.modules {
		entry.module.Destroy()
	}
	c.modules = make(map[ShaderID]shaderModuleEntry)
	c.shaderToPipeline = make(map[ShaderID]map[Key]struct{})
}

// CacheStatistics is a point-in-time snapshot of cache activity
type CacheStatistics struct {
	Builds        int
	Hits          int
	DroppedBuilds int
	Resident      int
	BuildTime     time.Duration
}

// Statistics returns a snapshot of cache counters
func (c *Cache) Statistics() CacheStatistics {
	c.mutex.RLock()
	resident := c.pipelines.Count()
	c.mutex.RUnlock()

	return CacheStatistics{
		Builds:        int(c.buildCount.Load()),
		Hits:          int(c.hitCount.Load()),
		DroppedBuilds: int(c.droppedBuilds.Load()),
		Resident:      resident,
		BuildTime:     time.Duration(c.buildNanos.Load()),
	}
}

// PrintStats writes the cache counters into a stats JSON object
func (c *Cache) PrintStats(json *jwriter.ObjectState) {
	stats := c.Statistics()
	json.Name("Builds").Int(stats.Builds)
	json.Name("Hits").Int(stats.Hits)
	json.Name("DroppedBuilds").Int(stats.DroppedBuilds)
	json.Name("Resident").Int(stats.Resident)
	json.Name("BuildTimeMs").Float64(float64(stats.BuildTime) / float64(time.Millisecond))
}
