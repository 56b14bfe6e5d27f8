package main

import (
	"flag"
	"fmt"

	"pipelined.dev/duplex"
)

type describeCommand struct {
	sessionFlags
	ip string
}

func (cmd *describeCommand) Name() string {
	return "describe"
}

func (cmd *describeCommand) Help() string {
	return "Print SDP of the local endpoint to share with remote"
}

func (cmd *describeCommand) Register(fs *flag.FlagSet) {
	cmd.sessionFlags.Register(fs)
	fs.StringVar(&cmd.ip, "ip", "127.0.0.1", "address the remote endpoint reaches this host at")
}

func (cmd *describeCommand) Run() error {
	c, err := cmd.Config()
	if err != nil {
		return err
	}
	s, err := duplex.Build(c)
	if err != nil {
		return err
	}
	defer s.Stop()
	d, err := s.Describe(cmd.ip)
	if err != nil {
		return err
	}
	raw, err := d.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(raw))
	return nil
}
