package main

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/plugins"

	"github.com/contractvm/wasm-engine/wasm"
	_ "github.com/contractvm/wasm-engine/wasm/engines/wasmtime"
	_ "github.com/contractvm/wasm-engine/wasm/engines/wazero"
)

func main() {
	// Serve the plugin
	plugins.Serve(factory)
}

// factory returns a new instance of a nomad driver plugin.
func factory(log hclog.Logger) interface{} {
	return wasm.NewPlugin(log)
}
