// batchflow_info validates a serialized graph blob and prints a summary of
// the pipeline it describes.
//
// Usage:
//
//	batchflow_info --graph=pipeline.bfg
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/gomlx/batchflow/graphdef"
)

var (
	flagGraph = flag.String("graph", "",
		"Path of the serialized graph blob to inspect.")
	flagCheckOnly = flag.Bool("check", false,
		"Only report whether the blob deserializes; exit status 1 if it doesn't.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagGraph == "" {
		fmt.Println("--graph is required")
		flag.PrintDefaults()
		os.Exit(2)
	}
	blob, err := os.ReadFile(*flagGraph)
	if err != nil {
		fmt.Printf("reading %s: %v\n", *flagGraph, err)
		os.Exit(1)
	}

	if *flagCheckOnly {
		if !graphdef.IsDeserializable(blob) {
			fmt.Printf("%s: not a valid serialized graph\n", *flagGraph)
			os.Exit(1)
		}
		fmt.Printf("%s: ok\n", *flagGraph)
		return
	}

	def, err := graphdef.Parse(blob)
	if err != nil {
		fmt.Printf("%s: %v\n", *flagGraph, err)
		os.Exit(1)
	}
	hash, err := def.Hash()
	if err != nil {
		fmt.Printf("%s: %v\n", *flagGraph, err)
		os.Exit(1)
	}

	fmt.Printf("Graph %q (%s serialized)\n", def.Name, humanize.IBytes(uint64(len(blob))))
	fmt.Printf("  hash:           %s\n", hash)
	fmt.Printf("  max batch size: %d\n", def.MaxBatchSize)
	if def.NumThreads > 0 {
		fmt.Printf("  num threads:    %d\n", def.NumThreads)
	}
	fmt.Printf("  device:         #%d\n", def.DeviceNum)
	if def.Seed != 0 {
		fmt.Printf("  seed:           %d\n", def.Seed)
	}

	fmt.Printf("  operators (%d):\n", len(def.Ops))
	for _, op := range def.Ops {
		line := fmt.Sprintf("    %-20s %-16s %s", op.Name, op.Kind, op.Backend)
		if len(op.Inputs) > 0 {
			line += fmt.Sprintf("  <- %v", op.Inputs)
		}
		if op.DType != "" {
			line += fmt.Sprintf("  dtype=%s", op.DType)
		}
		if op.Ndim > 0 {
			line += fmt.Sprintf(" ndim=%d", op.Ndim)
		}
		fmt.Println(line)
	}

	fmt.Printf("  outputs (%d):\n", len(def.Outputs))
	for _, out := range def.Outputs {
		fmt.Printf("    %-20s on %s\n", out.Op, out.Device)
	}
}
