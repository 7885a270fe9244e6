package main

//go-build: CGO_ENABLED=0

import (
	"flag"
	"log"

	"github.com/golang/glog"

	"github.com/robotalks/usbgpio/pkg/bridge"
	"github.com/robotalks/usbgpio/pkg/framework"
)

func init() {
	bridge.SetupFlags()
}

func main() {
	flag.Parse()
	defer glog.Flush()

	env := bridge.NewConfig().MustNewEnv()
	runner := framework.NewRunner().HandleSignals().Go(framework.NamedRun("loop", env.Loop))
	err := runner.Wait()
	if cerr := env.Close(); cerr != nil {
		glog.Warningf("close: %v", cerr)
	}
	if err != nil {
		log.Fatalln(err)
	}
}
