package main

import "github.com/ozanturksever/go-storemaster/cmd/storemaster/cmd"

func main() {
	cmd.Execute()
}
