package main

import (
	"github.com/robotalks/usbgpio/pkg/cli/sh"
	"github.com/robotalks/usbgpio/pkg/env"
)

//go-build: CGO_ENABLED=0

func init() {
	env.SetupFlags()
}

func main() {
	sh.Main()
}
