//go:build !linux

package region

import "errors"

var errUnsupported = errors.New("region: exact-address reservation requires linux")

func reserve(win *Window) error { return errUnsupported }

func release(win *Window) error { return nil }
