package rtp

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/metric"
	"pipelined.dev/duplex/stage"
)

// tickInterval is how often the jitter buffer checks for packets due.
const tickInterval = 5 * time.Millisecond

// Stream discontinuity limits. A packet outside of them restarts the
// stream.
const (
	maxDropout  = 3000
	maxMisorder = 100
	maxJump     = 2 * time.Second
)

// Jitter returns the jitter buffer type. Packets are reordered by
// sequence number and released after the target latency.
func Jitter() *stage.Type {
	return &stage.Type{
		Name:    JitterName,
		Kind:    stage.Filter,
		Inputs:  []stage.Port{{Name: "sink", Format: anyRTP}},
		Outputs: []stage.Port{{Name: "src", Format: anyRTP}},
		Params: []stage.ParamSpec{
			{Key: ParamLatency, Kind: stage.Duration, Default: 50 * time.Millisecond, Min: 0, Max: int64(2 * time.Second), Doc: "target latency"},
			{Key: ParamDoLost, Kind: stage.Bool, Default: true, Doc: "emit gaps for lost packets"},
			{Key: ParamMaxPackets, Kind: stage.Int, Default: 200, Min: 1, Max: 10000, Doc: "overflow limit"},
		},
		New: func(s stage.Setup) (interface{}, error) {
			jb := NewJitterBuffer(s.Name, s.Output, s.Params.Duration(ParamLatency), s.Params.Bool(ParamDoLost), s.Params.Int(ParamMaxPackets))
			if s.Logger != nil {
				jb.log = s.Logger
			}
			return jb, nil
		},
	}
}

// Stats are counters of jitter buffer.
type Stats struct {
	Received uint64
	Lost     uint64
	Late     uint64
	Dropped  uint64
	Resyncs  uint64
}

type entry struct {
	packet  *rtp.Packet
	frames  int
	arrival time.Time
}

// packetHeap orders packets by sequence number.
type packetHeap []*entry

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	return seqLess(h[i].packet.SequenceNumber, h[j].packet.SequenceNumber)
}
func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x interface{}) {
	*h = append(*h, x.(*entry))
}

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// JitterBuffer compensates network jitter. Playout time of the packet is
// the arrival of the first packet plus its media time plus the latency.
type JitterBuffer struct {
	name    string
	log     logrus.FieldLogger
	format  stage.Format
	latency time.Duration
	doLost  bool
	max     int
	perTick int

	mu       sync.Mutex
	packets  packetHeap
	started  bool
	ssrc     uint32
	base     time.Time
	baseTS   uint32
	nextSeq  uint16
	nextTS   uint32
	released bool
	stats    Stats
}

// NewJitterBuffer returns jitter buffer of RTP format.
func NewJitterBuffer(name string, f stage.Format, latency time.Duration, doLost bool, max int) *JitterBuffer {
	return &JitterBuffer{
		name:    name,
		log:     logrus.StandardLogger(),
		format:  f,
		latency: latency,
		doLost:  doLost,
		max:     max,
		perTick: codec.BytesPerTick(f.Encoding),
	}
}

// Interval implements stage.Ticker.
func (jb *JitterBuffer) Interval() time.Duration {
	return tickInterval
}

// Tick implements stage.Ticker.
func (jb *JitterBuffer) Tick(now time.Time) ([]stage.Buffer, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.release(now, false), nil
}

// Drain implements stage.Drainer. All buffered packets are released.
func (jb *JitterBuffer) Drain() ([]stage.Buffer, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.release(time.Time{}, true), nil
}

// Process implements stage.Processor.
func (jb *JitterBuffer) Process(b stage.Buffer) ([]stage.Buffer, error) {
	if b.Packet == nil {
		return nil, nil
	}
	now := time.Now()
	jb.mu.Lock()
	defer jb.mu.Unlock()
	out := jb.push(b, now)
	return append(out, jb.release(now, false)...), nil
}

// push queues the packet. Packets of the previous stream are returned
// if the packet restarts the stream.
func (jb *JitterBuffer) push(b stage.Buffer, now time.Time) (flushed []stage.Buffer) {
	p := b.Packet
	jb.stats.Received++
	if jb.started {
		if reason := jb.discontinuity(p, now); reason != "" {
			flushed = jb.release(time.Time{}, true)
			jb.resync(reason, p)
		}
	}
	if !jb.started {
		jb.started = true
		jb.ssrc = p.SSRC
		jb.base = now
		jb.baseTS = p.Timestamp
		jb.nextSeq = p.SequenceNumber
		jb.nextTS = p.Timestamp
	}
	if jb.released && seqLess(p.SequenceNumber, jb.nextSeq) {
		jb.stats.Late++
		metric.PacketsLate.WithLabelValues(jb.name).Inc()
		return flushed
	}
	for _, e := range jb.packets {
		if e.packet.SequenceNumber == p.SequenceNumber {
			jb.drop()
			return flushed
		}
	}
	if len(jb.packets) >= jb.max {
		oldest := heap.Pop(&jb.packets).(*entry)
		jb.drop()
		jb.skip(oldest)
	}
	if !jb.released && seqLess(p.SequenceNumber, jb.nextSeq) {
		// reordered before the first released packet
		jb.nextSeq = p.SequenceNumber
		jb.nextTS = p.Timestamp
	}
	frames := b.Frames
	if jb.perTick > 0 {
		frames = len(p.Payload) / jb.perTick
	}
	heap.Push(&jb.packets, &entry{packet: p, frames: frames, arrival: now})
	return flushed
}

// discontinuity returns the reason why packet can't belong to the
// current stream or empty string.
func (jb *JitterBuffer) discontinuity(p *rtp.Packet, now time.Time) string {
	if p.SSRC != jb.ssrc {
		return "ssrc"
	}
	if d := int(int16(p.SequenceNumber - jb.nextSeq)); d > maxDropout || d < -maxMisorder {
		return "sequence"
	}
	// skew is zero for a packet that arrives exactly in time
	if skew := jb.playout(p).Sub(now.Add(jb.latency)); skew > maxJump || skew < -maxJump {
		return "timestamp"
	}
	return ""
}

// resync forgets the stream, the next packet starts a new one.
func (jb *JitterBuffer) resync(reason string, p *rtp.Packet) {
	jb.started = false
	jb.released = false
	jb.stats.Resyncs++
	metric.StreamResyncs.WithLabelValues(jb.name, reason).Inc()
	jb.log.WithFields(logrus.Fields{
		"reason": reason,
		"ssrc":   p.SSRC,
		"seq":    p.SequenceNumber,
	}).Info("stream resynchronized")
}

func (jb *JitterBuffer) drop() {
	jb.stats.Dropped++
	metric.PacketsDropped.WithLabelValues(jb.name).Inc()
}

// skip moves expectations past the packet.
func (jb *JitterBuffer) skip(e *entry) {
	jb.released = true
	jb.nextSeq = e.packet.SequenceNumber + 1
	jb.nextTS = e.packet.Timestamp + uint32(e.frames)
}

// playout returns the time when packet is due.
func (jb *JitterBuffer) playout(p *rtp.Packet) time.Time {
	media := time.Duration(int32(p.Timestamp-jb.baseTS)) * time.Second / time.Duration(jb.format.SampleRate)
	return jb.base.Add(media + jb.latency)
}

// release returns packets due at now in sequence order. Missing packets
// are declared lost and replaced with gaps.
func (jb *JitterBuffer) release(now time.Time, all bool) []stage.Buffer {
	var out []stage.Buffer
	for jb.packets.Len() > 0 {
		top := jb.packets[0]
		if !all && now.Before(jb.playout(top.packet)) {
			break
		}
		heap.Pop(&jb.packets)
		p := top.packet
		if missing := int(uint16(p.SequenceNumber - jb.nextSeq)); jb.released && missing > 0 {
			jb.stats.Lost += uint64(missing)
			metric.PacketsLost.WithLabelValues(jb.name).Add(float64(missing))
			jb.log.WithFields(logrus.Fields{"seq": jb.nextSeq, "missing": missing}).Debug("packets lost")
			if jb.doLost {
				out = append(out, jb.gaps(missing, p.Timestamp)...)
			}
		}
		out = append(out, stage.Buffer{
			Format:    jb.format,
			Packet:    p,
			Timestamp: p.Timestamp,
			Frames:    top.frames,
		})
		jb.skip(top)
	}
	return out
}

// gaps splits media time between expected and actual timestamp into
// missing gap buffers.
func (jb *JitterBuffer) gaps(missing int, ts uint32) []stage.Buffer {
	span := int(int32(ts - jb.nextTS))
	if span < 0 {
		span = 0
	}
	out := make([]stage.Buffer, missing)
	for i := range out {
		frames := span / missing
		if i == missing-1 {
			frames = span - frames*(missing-1)
		}
		out[i] = stage.Buffer{
			Format:    jb.format,
			Gap:       true,
			Timestamp: jb.nextTS,
			Frames:    frames,
		}
		jb.nextTS += uint32(frames)
	}
	return out
}

// Stats returns counters.
func (jb *JitterBuffer) Stats() Stats {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.stats
}
