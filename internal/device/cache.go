package device

import (
	"crypto/sha256"
	"sync"
)

// ProgramKey identifies a build: kernel name plus the SHA-256 of its source.
type ProgramKey struct {
	Name string
	Hash [sha256.Size]byte
}

// KeyOf returns the cache key of (name, source).
func KeyOf(name, source string) ProgramKey {
	return ProgramKey{Name: name, Hash: sha256.Sum256([]byte(source))}
}

// ProgramCache memoizes compiled programs of one device.
type ProgramCache struct {
	mu       sync.RWMutex
	programs map[ProgramKey]Program
}

// GetOrBuild returns the program cached under key, calling build on a miss.
// Concurrent misses on the same key build once.
func (c *ProgramCache) GetOrBuild(key ProgramKey, build func() (Program, error)) (Program, error) {
	c.mu.RLock()
	if prg, ok := c.programs[key]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[key]; ok {
		return prg, nil
	}
	prg, err := build()
	if err != nil {
		return nil, err
	}
	if c.programs == nil {
		c.programs = make(map[ProgramKey]Program)
	}
	c.programs[key] = prg
	return prg, nil
}

// Remove drops key from the cache.
func (c *ProgramCache) Remove(key ProgramKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.programs, key)
}

// Len returns the number of cached programs.
func (c *ProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// Drain empties the cache and returns what it held, for the owner to release.
func (c *ProgramCache) Drain() []Program {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Program, 0, len(c.programs))
	for _, prg := range c.programs {
		result = append(result, prg)
	}
	c.programs = nil
	return result
}
