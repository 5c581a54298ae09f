package main

import (
	"github.com/roehann/cota/cmd/cota-agent/cmd"
)

func main() {
	cmd.Execute()
}
