// Command controllerhost loads a kubeconfig, starts the supervisor, and
// runs each configured controller module until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	host "github.com/wapc/controller-host"
	"github.com/wapc/controller-host/engines/wazero"
	"github.com/wapc/controller-host/supervisor"
)

// engines maps an engine-backend name to its constructor. wazero is
// always available since it is pure Go; engine_wasmtime.go and
// engine_wasmer.go register their backends from init() only when built
// with cgo on a supported arch/os.
var engines = map[string]func() host.Engine{
	"wazero": wazero.Engine,
}

// moduleFlag accumulates repeated "-module name=path[:engine]" flags into
// ready-to-load supervisor.ModuleSpecs.
type moduleFlag []supervisor.ModuleSpec

func (m *moduleFlag) String() string {
	names := make([]string, len(*m))
	for i, s := range *m {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}

func (m *moduleFlag) Set(value string) error {
	name, rest, ok := strings.Cut(value, "=")
	if !ok || name == "" {
		return fmt.Errorf("malformed -module %q, want name=path[:engine]", value)
	}
	path, engineName, hasEngine := strings.Cut(rest, ":")
	if !hasEngine {
		engineName = "wazero"
	}
	ctor, ok := engines[engineName]
	if !ok {
		return fmt.Errorf("-module %q: unknown engine %q (binary built without it?)", value, engineName)
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("-module %q: reading %s: %w", value, path, err)
	}
	*m = append(*m, supervisor.ModuleSpec{Name: name, Code: code, Engine: ctor()})
	return nil
}

func main() {
	var kubeconfigPath string
	var modules moduleFlag

	flag.StringVar(&kubeconfigPath, "kubeconfig", "", "path to kubeconfig, used when in-cluster config is unavailable; empty uses KUBECONFIG or ~/.kube/config")
	flag.Var(&modules, "module", "controller module descriptor name=path/to/module.wasm[:engine] (repeatable)")
	flag.Parse()

	if len(modules) == 0 {
		fmt.Fprintln(os.Stderr, "at least one -module is required")
		flag.PrintDefaults()
		os.Exit(1)
	}

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, kubeconfigPath, modules, log); err != nil {
		log.Fatal("controller host exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, kubeconfigPath string, modules []supervisor.ModuleSpec, log *zap.Logger) error {
	sup, err := supervisor.New(ctx, kubeconfigPath, log)
	if err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	if err := sup.LoadModules(ctx, modules); err != nil {
		return fmt.Errorf("loading modules: %w", err)
	}
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
