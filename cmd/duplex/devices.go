package main

import (
	"flag"
	"fmt"

	"pipelined.dev/duplex/device"
)

type devicesCommand struct{}

func (cmd *devicesCommand) Name() string {
	return "devices"
}

func (cmd *devicesCommand) Help() string {
	return "Show the list of available audio devices"
}

func (cmd *devicesCommand) Register(*flag.FlagSet) {}

func (cmd *devicesCommand) Run() error {
	if err := device.Init(); err != nil {
		return err
	}
	defer device.Terminate()
	devices, err := device.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\tin: %d\tout: %d\t%.0f Hz\n", d.Name, d.API, d.Inputs, d.Outputs, d.SampleRate)
	}
	return nil
}
