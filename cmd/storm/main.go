// Package main provides the storm CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/storm-ml/storm/device"
	idevice "github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/renderer/opencl"
	"github.com/storm-ml/storm/internal/renderer/wgsl"
	"github.com/storm-ml/storm/tensor"
)

const version = "v0.1.0-dev"

func usage() {
	fmt.Fprintf(os.Stderr, `storm %s - accelerator runtime

Usage:
  storm [flags] <command>

Commands:
  version            Show version
  devices            List backends and whether they open
  render [-lang L]   Print the kernel source of a demo reduction (L: opencl, wgsl)
  add                Add two vectors on the selected device

Flags:
`, version)
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	dev := flag.String("device", "", "device configuration \"<backend>:<options>\", overrides "+device.EnvDevice)
	lang := flag.String("lang", "opencl", "kernel language for render")
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if *dev != "" {
		device.SetDefaultConfig(*dev)
		os.Unsetenv(device.EnvDevice)
	}

	var err error
	switch flag.Arg(0) {
	case "version":
		fmt.Printf("storm %s\n", version)
	case "devices":
		listDevices()
	case "render":
		err = render(*lang)
	case "add":
		err = add()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		klog.Errorf("%s: %v", flag.Arg(0), err)
		klog.Flush()
		os.Exit(1)
	}
}

func listDevices() {
	for _, name := range device.Backends() {
		d, err := device.Open(name)
		if err != nil {
			fmt.Printf("%-8s unavailable: %v\n", name, err)
			continue
		}
		stats := d.MemoryStats()
		fmt.Printf("%-8s ok (%s in use)\n", name, humanize.IBytes(stats.AllocatedBytes))
		if err := d.Close(); err != nil {
			klog.Warningf("closing %s: %v", name, err)
		}
	}
}

// demoAST sums the rows of a [16,64] float32 matrix.
func demoAST() *tensor.LazyOp {
	x := tensor.NewLoad(1, tensor.Float32, tensor.Contiguous(16, 64))
	return tensor.NewStore(0, tensor.Float32, tensor.Contiguous(16, 1), tensor.Reduce(tensor.Sum, x, 16, 1))
}

func render(lang string) error {
	var c idevice.Compiler
	switch strings.ToLower(lang) {
	case "opencl":
		c = idevice.NewCompiler(opencl.New(), opencl.CodegenOptions())
	case "wgsl":
		c = idevice.NewCompiler(wgsl.New(), wgsl.CodegenOptions())
	default:
		return fmt.Errorf("unknown language %q", lang)
	}
	lin := c.GetLin(demoAST())
	_, src, err := c.Render(lin)
	if err != nil {
		return err
	}
	klog.V(1).Infof("global %v local %v", lin.GlobalSize, lin.LocalSize)
	fmt.Println(src)
	return nil
}

func add() error {
	d, err := device.Default()
	if err != nil {
		return err
	}
	defer d.Close()
	klog.Infof("using %s", d.Name())

	a := tensor.NewLoad(1, tensor.Float32, tensor.Contiguous(4))
	b := tensor.NewLoad(2, tensor.Float32, tensor.Contiguous(4))
	lin := d.GetLin(tensor.NewStore(0, tensor.Float32, tensor.Contiguous(4), tensor.Binary(tensor.Add, a, b)))
	name, src, err := d.Render(lin)
	if err != nil {
		return err
	}
	prg, err := d.Build(name, src)
	if err != nil {
		return err
	}

	bufs := make([]device.Buffer, 3)
	for i := range bufs {
		if bufs[i], err = d.Alloc(4, tensor.Float32); err != nil {
			return err
		}
		defer bufs[i].Release()
	}
	if err := bufs[1].FromCPU(tensor.Float32Bytes([]float32{1, 2, 3, 4})); err != nil {
		return err
	}
	if err := bufs[2].FromCPU(tensor.Float32Bytes([]float32{10, 20, 30, 40})); err != nil {
		return err
	}
	if err := prg.Run(bufs, lin.GlobalSize, lin.LocalSize, nil, nil); err != nil {
		return err
	}
	out, err := bufs[0].ToCPU()
	if err != nil {
		return err
	}
	fmt.Println(tensor.BytesToFloat32(out))
	fmt.Println(d.MemoryStats())
	return nil
}
