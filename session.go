package duplex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/aec"
	"pipelined.dev/duplex/audio"
	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/device"
	"pipelined.dev/duplex/graph"
	"pipelined.dev/duplex/internal/runtime"
	"pipelined.dev/duplex/log"
	"pipelined.dev/duplex/metric"
	"pipelined.dev/duplex/rtp"
	"pipelined.dev/duplex/stage"
	"pipelined.dev/duplex/udp"
)

// State of the session.
type State string

// States of the session.
const (
	Unconfigured State = "unconfigured"
	Built        State = "built"
	Playing      State = "playing"
	Stopping     State = "stopping"
	Stopped      State = "stopped"
	Failed       State = "error"
)

// Terminal reports if no transitions are possible from the state.
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

// session events
const (
	evBuild  = "build"
	evStart  = "start"
	evFail   = "fail"
	evStop   = "stop"
	evFinish = "finish"
	evAbort  = "abort"
)

// Stage names of the session graph.
const (
	StageCapture     = "capture"
	StageConvertIn   = "convert-in"
	StageResampleIn  = "resample-in"
	StageCapsIn      = "caps-in"
	StageDSP         = "dsp"
	StageEncoder     = "encoder"
	StagePay         = "pay"
	StageNetSink     = "netsink"
	StageNetSrc      = "netsrc"
	StageJitter      = "jitter"
	StageDepay       = "depay"
	StageDecoder     = "decoder"
	StageConvertOut  = "convert-out"
	StageResampleOut = "resample-out"
	StageProbe       = "probe"
	StageRender      = "render"
)

// Session is a bidirectional voice chat between two endpoints. It owns
// the graph and drives its state machine from the goroutine that calls
// Run.
type Session struct {
	id       xid.ID
	config   Config
	log      logrus.FieldLogger
	registry *stage.Registry
	graph    *graph.Graph
	fsm      *fsm.FSM
	bus      *Bus
	runtime  *runtime.Runtime

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	err      error
	stopErr  error
	warnings []Message
}

// Build validates the config and builds the graph. Returned session is
// in Built state.
func Build(c Config, options ...Option) (*Session, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:     xid.New(),
		config: c,
		log:    log.Discard(),
		bus:    newBus(),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	}
	if s.registry == nil {
		r, err := NewRegistry()
		if err != nil {
			return nil, &BuildError{Err: err}
		}
		s.registry = r
	}
	s.log = s.log.WithField("session", s.id.String())
	s.fsm = s.newFSM()
	if err := s.build(); err != nil {
		return nil, err
	}
	if err := s.event(evBuild); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"local":  c.LocalPort,
		"remote": fmt.Sprintf("%s:%d", c.RemoteHost, c.RemotePort),
		"role":   c.Role,
	}).Info("session built")
	return s, nil
}

func (s *Session) newFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(Unconfigured),
		fsm.Events{
			{Name: evBuild, Src: []string{string(Unconfigured)}, Dst: string(Built)},
			{Name: evStart, Src: []string{string(Built)}, Dst: string(Playing)},
			{Name: evFail, Src: []string{string(Built), string(Playing)}, Dst: string(Failed)},
			{Name: evStop, Src: []string{string(Built), string(Playing)}, Dst: string(Stopping)},
			{Name: evFinish, Src: []string{string(Stopping)}, Dst: string(Stopped)},
			{Name: evAbort, Src: []string{string(Stopping)}, Dst: string(Failed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metric.Transitions.WithLabelValues(e.Src, e.Dst).Inc()
				s.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("session state changed")
			},
		},
	)
}

func (s *Session) event(name string) error {
	if err := s.fsm.Event(context.Background(), name); err != nil {
		return fmt.Errorf("%w: %s in %s state: %v", ErrInvalidState, name, s.fsm.Current(), err)
	}
	return nil
}

type link struct {
	name   string
	typ    string
	params map[string]interface{}
}

// branches returns the send and receive stages in the order of data
// flow.
func (s *Session) branches() (send, receive []link) {
	c := s.config
	send = []link{
		{StageCapture, device.CaptureName, c.Capture.params(true)},
		{StageConvertIn, audio.ConvertName, nil},
		{StageResampleIn, audio.ResampleName, nil},
		{StageCapsIn, audio.CapsName, map[string]interface{}{
			audio.ParamRate:     aec.SampleRate,
			audio.ParamChannels: 1,
			audio.ParamFormat:   "S16",
		}},
		{StageDSP, aec.CancelName, c.Echo.params()},
		{StageEncoder, codec.EncoderName, map[string]interface{}{codec.ParamEncoding: string(c.codec())}},
		{StagePay, rtp.PayName, nil},
		{StageNetSink, udp.SinkName, map[string]interface{}{
			udp.ParamHost: c.RemoteHost,
			udp.ParamPort: c.RemotePort,
		}},
	}
	jitter := map[string]interface{}{rtp.ParamDoLost: true}
	if c.JitterLatency > 0 {
		jitter[rtp.ParamLatency] = c.JitterLatency
	}
	var depay map[string]interface{}
	if c.ReceivePayloadType > 0 {
		depay = map[string]interface{}{rtp.ParamPayloadType: c.ReceivePayloadType}
	}
	receive = []link{
		{StageNetSrc, udp.SourceName, map[string]interface{}{
			udp.ParamPort:     c.LocalPort,
			udp.ParamEncoding: string(c.receiveCodec()),
		}},
		{StageJitter, rtp.JitterName, jitter},
		{StageDepay, rtp.DepayName, depay},
		{StageDecoder, codec.DecoderName, map[string]interface{}{codec.ParamEncoding: string(c.receiveCodec())}},
		{StageConvertOut, audio.ConvertName, nil},
		{StageResampleOut, audio.ResampleName, nil},
		{StageProbe, aec.ProbeName, nil},
		{StageRender, device.RenderName, c.Render.params(false)},
	}
	return send, receive
}

// build adds both branches, links them, couples the echo reference and
// negotiates formats.
func (s *Session) build() error {
	s.graph = graph.New(s.registry)
	send, receive := s.branches()
	for _, b := range []struct {
		branch stage.Branch
		links  []link
	}{
		{stage.Send, send},
		{stage.Receive, receive},
	} {
		var prev graph.Handle
		for _, l := range b.links {
			h, err := s.graph.AddStage(stage.Descriptor{
				Name:   l.name,
				Type:   l.typ,
				Branch: b.branch,
				Params: l.params,
			})
			if err != nil {
				return &BuildError{Stage: l.name, Err: err}
			}
			if prev.Valid() {
				if err := s.graph.Link(prev, h); err != nil {
					return &BuildError{Stage: l.name, Err: err}
				}
			}
			prev = h
		}
	}
	dsp, _ := s.graph.Lookup(StageDSP)
	probe, _ := s.graph.Lookup(StageProbe)
	if err := s.graph.CoupleReference(dsp, probe); err != nil {
		return &BuildError{Stage: StageDSP, Err: err}
	}
	if err := s.graph.Validate(); err != nil {
		return &BuildError{Err: err}
	}
	if err := s.graph.Negotiate(); err != nil {
		return &BuildError{Err: err}
	}
	return nil
}

// ID returns unique session id.
func (s *Session) ID() string {
	return s.id.String()
}

// State returns current state.
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// Graph returns the session graph. It must not be mutated after Start.
func (s *Session) Graph() *graph.Graph {
	return s.graph
}

// Bus returns the session bus.
func (s *Session) Bus() *Bus {
	return s.bus
}

// Config returns the session config.
func (s *Session) Config() Config {
	return s.config
}

// Warnings returns dispatched warnings.
func (s *Session) Warnings() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.warnings...)
}

// Err returns the error that moved session into the error state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start activates the graph and starts every stage in construction
// order. If any stage fails, already started ones are stopped in
// reverse order and the session moves to error state.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Built {
		return fmt.Errorf("%w: start in %s state", ErrInvalidState, s.State())
	}
	if err := s.graph.Activate(); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrActivationFailed, err))
	}
	s.dumpDot()
	rt, err := runtime.New(s.graph, reporter{s.bus}, s.log)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrActivationFailed, err))
	}
	if err := rt.Start(context.Background()); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrActivationFailed, err))
	}
	s.runtime = rt
	if err := s.event(evStart); err != nil {
		return err
	}
	metric.Sessions.Inc()
	s.log.Info("session playing")
	return nil
}

// fail moves built session into error state.
func (s *Session) fail(err error) error {
	s.bus.seal()
	s.err = err
	if evErr := s.event(evFail); evErr != nil {
		s.log.WithError(evErr).Warn("failed transition")
	}
	s.log.WithError(err).Error("session failed")
	return err
}

func (s *Session) dumpDot() {
	if s.config.DotDir == "" {
		return
	}
	path := filepath.Join(s.config.DotDir, fmt.Sprintf("duplex-%s.dot", s.id))
	f, err := os.Create(path)
	if err != nil {
		s.log.WithError(err).Warn("cannot dump graph")
		return
	}
	defer f.Close()
	if err := s.graph.WriteDot(f); err != nil {
		s.log.WithError(err).Warn("cannot dump graph")
		return
	}
	s.log.WithField("path", path).Debug("graph dumped")
}

// Stop tears the session down. When Run is active, the stop request is
// posted to the bus and Stop waits until Run returns. Stopping already
// stopped or failed session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.running {
		done := s.done
		s.mu.Unlock()
		s.bus.Post(Message{Kind: stopRequest})
		<-done
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	}
	defer s.mu.Unlock()
	switch s.State() {
	case Stopped, Failed:
		return s.stopErr
	case Built, Playing:
		return s.teardown(nil)
	}
	return fmt.Errorf("%w: stop in %s state", ErrInvalidState, s.State())
}

// Run dispatches bus messages until the session is stopped. It returns
// nil after end of stream or stop request and the error when a stage
// failed. Cancellation of context is a stop request.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	switch state := s.State(); {
	case s.running:
		s.mu.Unlock()
		return fmt.Errorf("%w: already running", ErrInvalidState)
	case state == Stopped:
		s.mu.Unlock()
		return nil
	case state == Failed:
		defer s.mu.Unlock()
		return s.err
	case state != Playing:
		s.mu.Unlock()
		return fmt.Errorf("%w: run in %s state", ErrInvalidState, state)
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			cancelled = nil
			s.log.Debug("context is done")
			s.bus.Post(Message{Kind: stopRequest})
		case <-s.bus.notify:
		}
		for {
			m, ok := s.bus.pop()
			if !ok {
				break
			}
			if s.dispatch(m) {
				return s.Err()
			}
		}
	}
}

// dispatch handles a single message and reports if the session is over.
func (s *Session) dispatch(m Message) bool {
	metric.BusMessages.WithLabelValues(m.Kind.String()).Inc()
	l := s.log.WithField("message", m.Kind.String())
	switch m.Kind {
	case EndOfStream:
		l.Info("end of stream")
		s.teardownLocked(nil)
		return true
	case Error:
		err := fmt.Errorf("%w: %w", ErrRuntime, &stage.Error{Stage: m.Stage, Err: m.Err})
		l.WithError(err).Error("stage error")
		s.teardownLocked(err)
		return true
	case stopRequest:
		l.Info("stop requested")
		s.teardownLocked(nil)
		return true
	case Warning:
		l.WithField("stage", m.Stage).WithError(m.Err).Warn("stage warning")
		s.mu.Lock()
		s.warnings = append(s.warnings, m)
		s.mu.Unlock()
	case StateChanged:
		l.WithFields(logrus.Fields{"stage": m.Stage, "from": m.From, "to": m.To}).Debug("stage state changed")
	}
	return false
}

func (s *Session) teardownLocked(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.teardown(cause)
}

// teardown stops the runtime and moves session to the terminal state.
// The session mutex must be held.
func (s *Session) teardown(cause error) error {
	wasPlaying := s.State() == Playing
	if err := s.event(evStop); err != nil {
		return err
	}
	s.bus.seal()
	start := time.Now()
	if s.runtime != nil {
		s.stopErr = s.runtime.Stop(context.Background())
	}
	if s.stopErr != nil {
		s.log.WithError(s.stopErr).Warn("stages failed to stop")
	}
	if wasPlaying {
		metric.Sessions.Dec()
	}
	if cause != nil {
		s.err = cause
		if err := s.event(evAbort); err != nil {
			return err
		}
		s.log.WithError(cause).WithField("teardown", time.Since(start)).Info("session failed")
		return s.stopErr
	}
	if err := s.event(evFinish); err != nil {
		return err
	}
	s.log.WithField("teardown", time.Since(start)).Info("session stopped")
	return s.stopErr
}
