package main

import (
	"github.com/sidkik/kpublish/cmd"
	"github.com/sidkik/kpublish/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
