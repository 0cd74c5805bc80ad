package pipeline

import (
	"sync"
)

type shaderEntry struct {
	code []byte
	// generation increments on every Register so builds can detect a
	// replacement that landed while they were in flight
	generation uint64
}

// Library holds compiled shader binaries by ID. The asset collaborator
// registers binaries here; the cache looks them up at build time and never
// validates provenance, only well-formedness via reflection.
type Library struct {
	mu      sync.RWMutex
	shaders map[ShaderID]shaderEntry
}

func NewLibrary() *Library {
	return &Library{
		shaders: make(map[ShaderID]shaderEntry),
	}
}

// Register stores a shader binary under the given ID, replacing any
// previous binary. Use Cache.ReplaceShader instead when pipelines may
// already have been built from the old binary.
func (l *Library) Register(id ShaderID, code []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shaders[id] = shaderEntry{
		code:       code,
		generation: l.shaders[id].generation + 1,
	}
}

// Lookup returns the registered binary for an ID
func (l *Library) Lookup(id ShaderID) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.shaders[id]
	return entry.code, ok
}

// snapshot returns the binary together with its registration generation
func (l *Library) snapshot(id ShaderID) ([]byte, uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.shaders[id]
	return entry.code, entry.generation, ok
}

// generation returns the registration generation of an ID; 0 means never
// registered
func (l *Library) generation(id ShaderID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shaders[id].generation
}

// Remove forgets a shader binary
func (l *Library) Remove(id ShaderID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.shaders, id)
}
