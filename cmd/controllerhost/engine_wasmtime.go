//go:build (((amd64 || arm64) && !windows) || (amd64 && windows)) && cgo

package main

import "github.com/wapc/controller-host/engines/wasmtime"

func init() {
	engines["wasmtime"] = wasmtime.Engine
}
