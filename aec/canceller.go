package aec

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/metric"
	"pipelined.dev/duplex/stage"
)

// blockSize is the analysis block of noise gate, gain control and voice
// detection: 10ms.
const blockSize = SampleRate / 100

// maxDelay is the longest render to capture delay in samples.
const maxDelay = SampleRate / 2

// Canceller removes the far-end echo from the captured signal.
type Canceller struct {
	name string
	log  logrus.FieldLogger

	mu        sync.Mutex
	reference stage.Reference

	echo     *nlms
	residual float64
	noise    *noiseGate
	gain     *autoGain
	voice    *voiceDetector

	ref  []int16
	erle float64
	// line keeps the fetched reference to delay it by up to maxDelay.
	line     []int16
	delay    int
	estimate *delayEstimator
	taps     int
}

// NewCanceller creates canceller with setup parameters.
func NewCanceller(s stage.Setup) *Canceller {
	p := s.Params
	l := s.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	c := Canceller{
		name:  s.Name,
		log:   l,
		delay: samples(p.Duration(ParamDelay)),
	}
	if p.Bool(ParamEchoCancel) {
		c.taps = samples(p.Duration(ParamFilterLength))
		c.echo = newNLMS(c.taps)
		c.residual = echoAttenuation[p.String(ParamEchoSuppressionLevel)]
		if c.delay == 0 {
			c.estimate = newDelayEstimator()
		}
	}
	if p.Bool(ParamNoiseSuppression) {
		c.noise = newNoiseGate(noiseAttenuation[p.String(ParamNoiseSuppressionLevel)])
	}
	if p.Bool(ParamGainControl) {
		c.gain = newAutoGain()
	}
	if p.Bool(ParamVoiceDetection) {
		c.voice = &voiceDetector{}
	}
	return &c
}

// BindReference implements stage.ReferenceSink.
func (c *Canceller) BindReference(r stage.Reference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reference = r
}

// fetch fills the reference for n captured samples.
func (c *Canceller) fetch(n int) []int16 {
	if cap(c.ref) < n {
		c.ref = make([]int16, n)
	}
	ref := c.ref[:n]
	c.mu.Lock()
	r := c.reference
	c.mu.Unlock()
	if r == nil {
		for i := range ref {
			ref[i] = 0
		}
		return ref
	}
	for i := r.Fetch(ref); i < n; i++ {
		ref[i] = 0
	}
	return ref
}

// delayed appends the fetched reference to the delay line and returns it
// shifted by the current delay.
func (c *Canceller) delayed(ref []int16) []int16 {
	n := len(ref)
	if len(c.line) > 2*maxDelay+n {
		c.line = append(c.line[:0], c.line[len(c.line)-maxDelay:]...)
	}
	c.line = append(c.line, ref...)
	if c.delay == 0 {
		return ref
	}
	out := make([]int16, n)
	start := len(c.line) - n - c.delay
	for i := range out {
		if j := start + i; j >= 0 {
			out[i] = c.line[j]
		}
	}
	return out
}

// track updates the delay with the estimate. The filter restarts when the
// delay changes.
func (c *Canceller) track(far, near []int16) {
	for i := range near {
		lag, ok := c.estimate.push(far[i], near[i])
		if !ok {
			continue
		}
		delay := (lag - delayMargin) * estimateBlock
		if delay < 0 {
			delay = 0
		}
		if delay == c.delay {
			continue
		}
		c.delay = delay
		c.echo = newNLMS(c.taps)
		metric.EchoDelay.WithLabelValues(c.name).Set(c.Delay().Seconds())
		c.log.WithField("delay", c.Delay()).Debug("echo delay changed")
	}
}

// Delay returns the render to capture delay compensated before the
// adaptive filter.
func (c *Canceller) Delay() time.Duration {
	return time.Duration(c.delay) * time.Second / SampleRate
}

// Process implements stage.Processor.
func (c *Canceller) Process(b stage.Buffer) ([]stage.Buffer, error) {
	if b.Audio == nil {
		return []stage.Buffer{b}, nil
	}
	near := stage.PCM16(b.Audio)
	out := make([]float64, len(near))
	for i, v := range near {
		out[i] = float64(v)
	}
	if c.echo != nil {
		ref := c.fetch(len(near))
		if c.estimate != nil {
			c.track(ref, near)
		}
		ref = c.delayed(ref)
		var inEnergy, outEnergy float64
		for i := range out {
			d := out[i]
			y, talk := c.echo.filter(float64(ref[i]), d)
			e := d - y
			// residual echo is suppressed only while far end talks alone
			if !talk && math.Abs(y) > math.Abs(e) {
				e *= c.residual
			}
			inEnergy += d * d
			outEnergy += e * e
			out[i] = e
		}
		c.updateERLE(inEnergy, outEnergy)
	}
	for start := 0; start < len(out); start += blockSize {
		end := start + blockSize
		if end > len(out) {
			end = len(out)
		}
		block := out[start:end]
		level := rms(block)
		if c.voice != nil {
			c.voice.detect(level, c)
		}
		if c.noise != nil {
			c.noise.apply(block, level)
		}
		if c.gain != nil {
			c.gain.apply(block)
		}
	}
	pcm := make([]int16, len(out))
	for i, v := range out {
		pcm[i] = clamp(v)
	}
	res := b
	res.Audio = stage.NewPCM16(pcm, SampleRate, 1)
	return []stage.Buffer{res}, nil
}

// updateERLE smooths the echo return loss enhancement.
func (c *Canceller) updateERLE(in, out float64) {
	if in < 1 {
		return
	}
	erle := 10 * math.Log10(in/(out+1))
	c.erle += (erle - c.erle) * 0.1
	metric.EchoReturnLoss.WithLabelValues(c.name).Set(c.erle)
}

// ERLE returns the smoothed echo return loss enhancement in dB.
func (c *Canceller) ERLE() float64 {
	return c.erle
}

// Voice reports if voice was detected in the last block.
func (c *Canceller) Voice() bool {
	return c.voice != nil && c.voice.active
}

func clamp(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}

func rms(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(s)))
}

const (
	// estimateBlock is the envelope block of delay estimation: 1ms.
	estimateBlock = SampleRate / 1000
	// estimateWindow is the number of blocks correlated for every lag.
	estimateWindow = 500
	// estimateLags is the number of lags tried, up to maxDelay.
	estimateLags = maxDelay / estimateBlock
	// estimateInterval is the number of blocks between estimates.
	estimateInterval = 100
	// minCorrelation rejects estimates of unrelated signals.
	minCorrelation = 0.6
	// delayMargin keeps the echo onset inside the filter.
	delayMargin = 2
)

// delayEstimator finds the bulk delay between far and near signals as the
// lag of the highest correlation of their envelopes.
type delayEstimator struct {
	far, near       []float64
	sumFar, sumNear float64
	count           int
	blocks          int
}

func newDelayEstimator() *delayEstimator {
	size := estimateWindow + estimateLags
	return &delayEstimator{
		far:  make([]float64, 0, 2*size),
		near: make([]float64, 0, 2*size),
	}
}

// push adds a pair of samples. It returns the lag in blocks when a new
// estimate is available.
func (e *delayEstimator) push(far, near int16) (int, bool) {
	e.sumFar += math.Abs(float64(far))
	e.sumNear += math.Abs(float64(near))
	e.count++
	if e.count < estimateBlock {
		return 0, false
	}
	size := estimateWindow + estimateLags
	if len(e.far) == cap(e.far) {
		e.far = append(e.far[:0], e.far[len(e.far)-size:]...)
		e.near = append(e.near[:0], e.near[len(e.near)-size:]...)
	}
	e.far = append(e.far, e.sumFar/estimateBlock)
	e.near = append(e.near, e.sumNear/estimateBlock)
	e.sumFar, e.sumNear, e.count = 0, 0, 0
	e.blocks++
	if e.blocks < estimateInterval || len(e.far) < size {
		return 0, false
	}
	e.blocks = 0
	return e.correlate()
}

func (e *delayEstimator) correlate() (int, bool) {
	end := len(e.near)
	near := e.near[end-estimateWindow:]
	best, lag := minCorrelation, -1
	for l := 0; l < estimateLags; l++ {
		far := e.far[end-estimateWindow-l : end-l]
		if r := pearson(far, near); r > best {
			best, lag = r, l
		}
	}
	return lag, lag >= 0
}

// pearson returns the correlation coefficient of a and b, zero if any of
// them is constant.
func pearson(a, b []float64) float64 {
	n := float64(len(a))
	var sa, sb, saa, sbb, sab float64
	for i := range a {
		sa += a[i]
		sb += b[i]
		saa += a[i] * a[i]
		sbb += b[i] * b[i]
		sab += a[i] * b[i]
	}
	va := saa - sa*sa/n
	vb := sbb - sb*sb/n
	if va < 1e-9 || vb < 1e-9 {
		return 0
	}
	return (sab - sa*sb/n) / math.Sqrt(va*vb)
}

// nlms is the normalized least mean squares adaptive filter with the
// Geigel double talk detector.
type nlms struct {
	taps    int
	weights []float64
	// history holds reference twice so the window is contiguous
	history []float64
	pos     int
	power   float64
	step    float64
}

func newNLMS(taps int) *nlms {
	return &nlms{
		taps:    taps,
		weights: make([]float64, taps),
		history: make([]float64, 2*taps),
		step:    0.5,
	}
}

// filter pushes reference sample, returns echo estimate for near-end
// sample d and adapts the weights unless double talk is detected.
func (f *nlms) filter(x, d float64) (float64, bool) {
	// the new sample replaces the oldest one
	f.pos = (f.pos - 1 + f.taps) % f.taps
	old := f.history[f.pos]
	f.power += x*x - old*old
	if f.power < 0 {
		f.power = 0
	}
	f.history[f.pos] = x
	f.history[f.pos+f.taps] = x
	window := f.history[f.pos : f.pos+f.taps]

	var y, peak float64
	for k, w := range f.weights {
		y += w * window[k]
		if a := math.Abs(window[k]); a > peak {
			peak = a
		}
	}
	talk := math.Abs(d) > 0.5*peak
	if talk || f.power < 1 {
		return y, talk
	}
	mu := f.step * (d - y) / (f.power + 1)
	for k := range f.weights {
		f.weights[k] += mu * window[k]
	}
	return y, talk
}

// noiseGate attenuates blocks close to the estimated noise floor.
type noiseGate struct {
	attenuation float64
	floor       float64
}

func newNoiseGate(attenuation float64) *noiseGate {
	return &noiseGate{attenuation: attenuation}
}

func (g *noiseGate) apply(block []float64, level float64) {
	// floor follows quiet blocks quickly and loud ones slowly
	switch {
	case g.floor == 0:
		g.floor = level
	case level < g.floor:
		g.floor += (level - g.floor) * 0.2
	default:
		g.floor += (level - g.floor) * 0.002
	}
	if level > 2*g.floor+1 {
		return
	}
	for i := range block {
		block[i] *= g.attenuation
	}
}

// autoGain keeps the peak level close to the target.
type autoGain struct {
	target  float64
	gain    float64
	peak    float64
	attack  float64
	release float64
	min     float64
	max     float64
}

func newAutoGain() *autoGain {
	return &autoGain{
		target:  0.3,
		gain:    1,
		attack:  0.001,
		release: 0.0001,
		min:     0.1,
		max:     4,
	}
}

func (a *autoGain) apply(block []float64) {
	var peak float64
	for _, v := range block {
		if p := math.Abs(v) / 32768; p > peak {
			peak = p
		}
	}
	if peak > a.peak {
		a.peak += (peak - a.peak) * 0.1
	} else {
		a.peak += (peak - a.peak) * 0.01
	}

	desired := a.max
	if a.peak > 0.001 {
		desired = a.target / a.peak
	}
	desired = math.Max(a.min, math.Min(a.max, desired))

	if desired > a.gain {
		a.gain = math.Min(desired, a.gain+a.attack*float64(len(block)))
	} else {
		a.gain = math.Max(desired, a.gain-a.release*float64(len(block)))
	}
	for i := range block {
		block[i] *= a.gain
	}
}

// voiceDetector flags blocks well above the slowly tracked floor.
type voiceDetector struct {
	floor  float64
	active bool
}

// voiceThreshold is the minimal level of voice, about -50 dBFS.
const voiceThreshold = 100

func (v *voiceDetector) detect(level float64, c *Canceller) {
	if v.floor == 0 || level < v.floor {
		v.floor = level
	} else {
		v.floor += (level - v.floor) * 0.001
	}
	active := level > voiceThreshold && level > 3*v.floor
	if active == v.active {
		return
	}
	v.active = active
	value := 0.0
	if active {
		value = 1
	}
	metric.VoiceActivity.WithLabelValues(c.name).Set(value)
	c.log.WithField("voice", active).Debug("voice activity changed")
}
