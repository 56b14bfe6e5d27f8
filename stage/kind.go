package stage

import "fmt"

// Kind identifies the role of a stage in the graph.
type Kind int

// Kinds of stages.
const (
	Source Kind = iota
	Filter
	Transcoder
	Sink
	NetworkSink
	NetworkSource
)

var kindNames = map[Kind]string{
	Source:        "source",
	Filter:        "filter",
	Transcoder:    "transcoder",
	Sink:          "sink",
	NetworkSink:   "network-sink",
	NetworkSource: "network-source",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Ports returns the number of input and output ports the kind must expose.
func (k Kind) Ports() (in, out int) {
	switch k {
	case Source, NetworkSource:
		return 0, 1
	case Filter, Transcoder:
		return 1, 1
	case Sink, NetworkSink:
		return 1, 0
	}
	return 0, 0
}

// Terminal reports if stage of this kind ends a branch.
func (k Kind) Terminal() bool {
	_, out := k.Ports()
	return out == 0
}

// Initial reports if stage of this kind starts a branch.
func (k Kind) Initial() bool {
	in, _ := k.Ports()
	return in == 0
}

// Branch is a half of the duplex graph.
type Branch int

// Branches of the graph.
const (
	Send Branch = iota
	Receive
)

func (b Branch) String() string {
	switch b {
	case Send:
		return "send"
	case Receive:
		return "receive"
	}
	return fmt.Sprintf("branch(%d)", int(b))
}

// State is the activation state of a single stage.
type State int

// Stage states.
const (
	Null State = iota
	Ready
	Playing
)

func (s State) String() string {
	switch s {
	case Null:
		return "null"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
