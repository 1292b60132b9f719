// Package parallel spreads the points of a launch grid over goroutines.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum points per goroutine.
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64,
	}
}

// chunks splits [0, n) into at most NumWorkers ranges of at least MinChunkSize points.
func (cfg Config) chunks(n int) [][2]int {
	workers := max(cfg.NumWorkers, 1)
	size := max((n+workers-1)/workers, cfg.MinChunkSize, 1)
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}

// ForErr calls f(i) for i in [0, n) and returns the first error. After a failure, points of other
// chunks that have not run yet are skipped.
func ForErr(n int, f func(i int) error, cfg Config) error {
	if !cfg.Enabled || n <= cfg.MinChunkSize {
		for i := range n {
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, c := range cfg.chunks(n) {
		g.Go(func() error {
			for i := c[0]; i < c[1]; i++ {
				if ctx.Err() != nil {
					return nil
				}
				if err := f(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ForGrid calls f for every point of a 3D grid, x varying fastest.
func ForGrid(dims [3]int, f func(x, y, z int) error, cfg Config) error {
	nx, ny := dims[0], dims[1]
	return ForErr(dims[0]*dims[1]*dims[2], func(k int) error {
		return f(k%nx, (k/nx)%ny, k/(nx*ny))
	}, cfg)
}
