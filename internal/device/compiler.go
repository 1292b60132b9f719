package device

import (
	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/ops"
	"github.com/storm-ml/storm/internal/renderer"
)

// Compiler implements the GetLin, Render and Renderer methods of Device. Backends embed it.
type Compiler struct {
	renderer renderer.Renderer
	opts     codegen.Options
}

// NewCompiler pairs a renderer with the linearizer options of a device.
func NewCompiler(r renderer.Renderer, opts codegen.Options) Compiler {
	return Compiler{renderer: r, opts: opts}
}

// GetLin returns a Linearizer for ast.
func (c *Compiler) GetLin(ast *ops.LazyOp) *codegen.Linearizer {
	return codegen.New(ast, c.opts)
}

// Render linearizes lin if needed and returns its kernel name and source.
func (c *Compiler) Render(lin *codegen.Linearizer) (name, source string, err error) {
	if err := lin.Linearize(); err != nil {
		return "", "", err
	}
	source, err = c.renderer.Render(lin.Name, lin.UOps)
	if err != nil {
		return "", "", errors.WithMessagef(err, "render %s", lin.Name)
	}
	return lin.Name, source, nil
}

// Renderer returns the source renderer.
func (c *Compiler) Renderer() renderer.Renderer {
	return c.renderer
}

// CodegenOptions returns the linearizer options.
func (c *Compiler) CodegenOptions() codegen.Options {
	return c.opts
}
