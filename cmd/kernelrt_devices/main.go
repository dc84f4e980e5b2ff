// kernelrt_devices prints the compute device selected by $KERNELRT_DEVICE and its dispatch limits.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/kernelrt/mtl"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var flagHost = flag.Bool("host", false, "Print the portable host device instead of the one selected by $KERNELRT_DEVICE")

func main() {
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	var device *mtl.Device
	if *flagHost {
		device = mtl.CreateHostDevice()
	} else {
		device = must.M1(mtl.CreateDevice())
	}
	defer device.Release()

	fmt.Printf("Device:\t%s\n", device.Name())
	fmt.Printf("\tHost driver:\t%v\n", device.IsHost())
	fmt.Printf("\tMax threads per threadgroup:\t%s\n", device.MaxThreadsPerThreadgroup())
	fmt.Printf("\tBuffer slots:\t%d\n", mtl.MaxBufferSlots)
}
