package main

//go:generate tinygo build -o controller.wasm -target=wasi --no-debug .
