//go:build !kernelrt_debug

package abi

// Debug enables bounds assertions in Locate and validation in Trusted. Build with -tags kernelrt_debug.
const Debug = false
