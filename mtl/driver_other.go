//go:build !(darwin && cgo)

package mtl

import (
	"runtime"

	"github.com/pkg/errors"
)

const metalAvailable = false

func newMetalDriver() (deviceDriver, error) {
	return nil, errors.Errorf("Metal is not available on %s/%s builds", runtime.GOOS, runtime.GOARCH)
}
