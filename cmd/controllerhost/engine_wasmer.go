//go:build (amd64 || arm64) && !windows && cgo

package main

import "github.com/wapc/controller-host/engines/wasmer"

func init() {
	engines["wasmer"] = wasmer.Engine
}
