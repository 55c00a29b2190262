//go:build !gpudrv_level0
// +build !gpudrv_level0

package driver

import "fmt"

// NewRealDriver always returns a "not enabled" error. This file is compiled
// only without the gpudrv_level0 tag, and no file in this module provides
// NewRealDriver under that tag.
func NewRealDriver() (Capability, error) {
	return nil, fmt.Errorf("gpudrv_level0 not enabled; build with -tags gpudrv_level0")
}
