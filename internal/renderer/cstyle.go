package renderer

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

// DefaultTypeNames are the C spellings of element types.
var DefaultTypeNames = map[dtype.DType]string{
	dtype.Bool:    "bool",
	dtype.Int8:    "signed char",
	dtype.Uint8:   "unsigned char",
	dtype.Int16:   "short",
	dtype.Int32:   "int",
	dtype.Uint32:  "unsigned int",
	dtype.Int64:   "long",
	dtype.Float16: "half",
	dtype.Float32: "float",
	dtype.Float64: "double",
}

// CStyle is the C-family dialect. Its zero value renders plain C; set Opts for a concrete language.
type CStyle struct {
	Opts LanguageOpts
}

// Language implements Renderer.
func (c *CStyle) Language() string { return "c" }

// LangOpts implements Dialect and Renderer.
func (c *CStyle) LangOpts() *LanguageOpts { return &c.Opts }

// Render implements Renderer.
func (c *CStyle) Render(name string, uops []*codegen.UOp) (string, error) {
	return Generate(c, name, uops)
}

// RenderDType spells dt, appending the vector width when it is above 1.
func (c *CStyle) RenderDType(dt dtype.DType, width int) (string, error) {
	names := c.Opts.TypeNames
	if names == nil {
		names = DefaultTypeNames
	}
	name, ok := names[dt]
	if !ok {
		return "", errors.Errorf("type %s is not supported", dt)
	}
	if width > 1 {
		return fmt.Sprintf("%s%d", name, width), nil
	}
	return name, nil
}

// RenderConst formats a literal. Floats always carry a decimal point or exponent.
func (c *CStyle) RenderConst(v float64, dt dtype.DType, width int) (string, error) {
	var s string
	switch {
	case dt == dtype.Bool:
		s = "0"
		if v != 0 {
			s = "1"
		}
	case dt.IsInt():
		s = strconv.FormatInt(int64(v), 10)
		switch dt {
		case dtype.Uint8, dtype.Uint32:
			s += "u"
		case dtype.Int64:
			s += "l"
		}
		// The magnitude of the most negative value does not fit its type.
		switch {
		case dt == dtype.Int32 && v == math.MinInt32:
			s = "(-2147483647-1)"
		case dt == dtype.Int64 && v == math.MinInt64:
			s = "(-9223372036854775807l-1)"
		}
	case dt.IsFloat():
		s = FormatFloat(v, dt)
		switch dt {
		case dtype.Float32:
			if !math.IsInf(v, 0) && !math.IsNaN(v) {
				s += "f"
			}
		case dtype.Float16:
			s = "(half)" + s
		}
	default:
		return "", errors.Errorf("cannot render %s constant", dt)
	}
	if width == 1 {
		return s, nil
	}
	prefix := c.Opts.Float4
	if prefix == "" {
		typ, err := c.RenderDType(dt, width)
		if err != nil {
			return "", err
		}
		prefix = "(" + typ + ")"
	}
	return prefix + "(" + strings.Repeat(s+",", width-1) + s + ")", nil
}

// FormatFloat renders v in the shortest form that round-trips through dt, always with a decimal
// point or exponent. Infinities and NaN render as the C99 macros.
func FormatFloat(v float64, dt dtype.DType) string {
	switch {
	case math.IsInf(v, 1):
		return "INFINITY"
	case math.IsInf(v, -1):
		return "-INFINITY"
	case math.IsNaN(v):
		return "NAN"
	}
	bits := 64
	if dt != dtype.Float64 {
		bits = 32
	}
	s := strconv.FormatFloat(v, 'g', -1, bits)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// RenderCast converts x with a C cast.
func (c *CStyle) RenderCast(x string, from, to dtype.DType, width int) (string, error) {
	typ, err := c.RenderDType(to, width)
	if err != nil {
		return "", err
	}
	if width > 1 {
		return fmt.Sprintf("convert_%s(%s)", typ, x), nil
	}
	return fmt.Sprintf("(%s)(%s)", typ, x), nil
}

// RenderLoad reads element idx of buf, as a vector when width > 1.
func (c *CStyle) RenderLoad(buf, idx string, dt dtype.DType, width int, local bool) (string, error) {
	if width == 1 {
		return fmt.Sprintf("%s[%s]", buf, idx), nil
	}
	if c.Opts.UsesVload && !local {
		return fmt.Sprintf("vload%d(0, %s+%s)", width, buf, idx), nil
	}
	typ, err := c.RenderDType(dt, width)
	if err != nil {
		return "", err
	}
	prefix := c.Opts.BufferPrefix
	if local {
		prefix = c.Opts.SmemPrefix
	}
	return fmt.Sprintf("*((%s%s*)(%s+%s))", prefix, typ, buf, idx), nil
}

// RenderStore writes val to element idx of buf.
func (c *CStyle) RenderStore(buf, idx, val string, dt dtype.DType, width int, local bool) (string, error) {
	if width == 1 {
		return fmt.Sprintf("%s[%s] = %s;", buf, idx, val), nil
	}
	if c.Opts.UsesVload && !local {
		return fmt.Sprintf("vstore%d(%s, 0, %s+%s);", width, val, buf, idx), nil
	}
	addr, err := c.RenderLoad(buf, idx, dt, width, local)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s;", addr, val), nil
}

// RenderDeclare declares name with an initial value.
func (c *CStyle) RenderDeclare(name, typ, value string, mutable bool) string {
	return fmt.Sprintf("%s %s = %s;", typ, name, value)
}

// RenderLoop opens a counted loop.
func (c *CStyle) RenderLoop(name, start, end string, step int) string {
	inc := name + "++"
	if step != 1 {
		inc = fmt.Sprintf("%s += %d", name, step)
	}
	return fmt.Sprintf("for (int %s = %s; %s < %s; %s) {", name, start, name, end, inc)
}

// RenderIf opens a conditional block.
func (c *CStyle) RenderIf(cond string) string {
	return fmt.Sprintf("if (%s) {", cond)
}

// CodeForOp renders one ALU operation over already-rendered operands.
func (c *CStyle) CodeForOp(op ops.Op, in []string, dt dtype.DType) (string, error) {
	return CodeForOp(op, in)
}

// CodeForOp is the C spelling shared by C-family dialects.
func CodeForOp(op ops.Op, in []string) (string, error) {
	switch op {
	case ops.Neg:
		return fmt.Sprintf("(-%s)", in[0]), nil
	case ops.Exp2:
		return fmt.Sprintf("exp2(%s)", in[0]), nil
	case ops.Log2:
		return fmt.Sprintf("log2(%s)", in[0]), nil
	case ops.Sin:
		return fmt.Sprintf("sin(%s)", in[0]), nil
	case ops.Sqrt:
		return fmt.Sprintf("sqrt(%s)", in[0]), nil
	case ops.Recip:
		return fmt.Sprintf("(1/%s)", in[0]), nil
	case ops.Add:
		return fmt.Sprintf("(%s+%s)", in[0], in[1]), nil
	case ops.Sub:
		return fmt.Sprintf("(%s-%s)", in[0], in[1]), nil
	case ops.Mul:
		return fmt.Sprintf("(%s*%s)", in[0], in[1]), nil
	case ops.Div:
		return fmt.Sprintf("(%s/%s)", in[0], in[1]), nil
	case ops.Max:
		return fmt.Sprintf("max(%s,%s)", in[0], in[1]), nil
	case ops.Mod:
		return fmt.Sprintf("(%s%%%s)", in[0], in[1]), nil
	case ops.CmpLT:
		return fmt.Sprintf("(%s<%s)", in[0], in[1]), nil
	case ops.CmpEq:
		return fmt.Sprintf("(%s==%s)", in[0], in[1]), nil
	case ops.Where:
		return fmt.Sprintf("(%s?%s:%s)", in[0], in[1], in[2]), nil
	case ops.MulAcc:
		return fmt.Sprintf("((%s*%s)+%s)", in[0], in[1], in[2]), nil
	}
	return "", errors.Errorf("no code for op %s", op)
}

// RenderKernel wraps the body into a kernel function.
func (c *CStyle) RenderKernel(k *Kernel) (string, error) {
	var sb strings.Builder
	for _, line := range c.Opts.Prekernel {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if k.UsesHalf && c.Opts.HalfPrekernel != "" {
		sb.WriteString(c.Opts.HalfPrekernel)
		sb.WriteByte('\n')
	}

	params := make([]string, len(k.Params))
	for i, p := range k.Params {
		if !p.Buffer {
			prefix := c.Opts.ArgIntPrefix
			if prefix == "" {
				prefix = "const int"
			}
			params[i] = fmt.Sprintf("%s %s", prefix, p.Name)
			continue
		}
		typ, err := c.RenderDType(p.DType, 1)
		if err != nil {
			return "", err
		}
		params[i] = fmt.Sprintf("%s%s* %s", c.Opts.BufferPrefix, typ, p.Name)
	}
	fmt.Fprintf(&sb, "%svoid %s(%s) {\n", c.Opts.KernelPrefix, k.Name, strings.Join(params, ", "))
	for _, l := range k.Locals {
		typ, err := c.RenderDType(l.DType, 1)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "  %s%s%s %s[%d];\n", c.Opts.SmemAlign, c.Opts.SmemPrefix, typ, l.Name, l.Size)
	}
	for _, line := range k.Body {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteString("}\n")
	return sb.String(), nil
}
