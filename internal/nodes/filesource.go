package nodes

import (
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/wavegraph/engine/internal/graph"
)

// fileSource streams decoded PCM from a WAV file: builtin:file-source. It
// backs play_file(path) (spec.md §6): the control surface creates one of
// these, wires it to the sink, and removes it once AtEnd reports true.
type fileSource struct {
	mu      sync.Mutex
	samples []float32 // de-interleaved mono, decoded once at open time
	pos     int
	atEnd   bool
}

// FileSourceDescriptor describes builtin:file-source's static shape.
func FileSourceDescriptor() graph.Descriptor {
	return graph.Descriptor{
		URI:            "builtin:file-source",
		Classification: graph.Source,
		Outputs: []graph.PortDecl{
			{Name: "out", Direction: graph.Out, Type: graph.AudioMono},
		},
		Parameters: []graph.ParameterDecl{
			// path is carried as a parameter-free side channel: Open sets the
			// backing sample buffer directly, so no parameter holds the path.
		},
	}
}

// NewFileSource constructs an unopened file-source instance. Open must be
// called (by the control surface, outside the audio thread) before its
// program generation is made active.
func NewFileSource(params map[string]float64) Instance {
	return &fileSource{}
}

// Open decodes path as a WAV file into the instance's sample buffer. Must be
// called from the control thread before the node's generation goes live;
// ProcessBlock performs no I/O.
func (f *fileSource) Open(path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	dec := wav.NewDecoder(fh)
	dec.ReadInfo()
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return err
	}

	mono := downmixToMono(buf)

	f.mu.Lock()
	f.samples = mono
	f.pos = 0
	f.atEnd = len(mono) == 0
	f.mu.Unlock()
	return nil
}

// downmixToMono averages all channels of an audio.IntBuffer into a single
// float32 stream normalized to [-1, 1].
func downmixToMono(buf *audio.IntBuffer) []float32 {
	ch := buf.Format.NumChannels
	if ch < 1 {
		ch = 1
	}
	n := len(buf.Data) / ch
	out := make([]float32, n)
	scale := float32(1.0 / 32768.0)
	for i := 0; i < n; i++ {
		var sum int
		for c := 0; c < ch; c++ {
			sum += buf.Data[i*ch+c]
		}
		out[i] = (float32(sum) / float32(ch)) * scale
	}
	return out
}

func (f *fileSource) Setup(sampleRate, blockSize int) error { return nil }

func (f *fileSource) ProcessBlock(ctx *BlockContext) error {
	out := ctx.OutputChannel("out", 0)

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range out {
		if f.pos >= len(f.samples) {
			out[i] = 0
			f.atEnd = true
			continue
		}
		out[i] = f.samples[f.pos]
		f.pos++
	}
	return nil
}

func (f *fileSource) SetParameter(name string, value graph.ParamValue) {}

func (f *fileSource) Cleanup() {
	f.mu.Lock()
	f.samples = nil
	f.mu.Unlock()
}

// AtEnd reports whether playback has consumed every decoded sample.
func (f *fileSource) AtEnd() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.atEnd
}

var _ EndOfStreamReporter = (*fileSource)(nil)
