package providers

import "context"

// Capability names an optional adapter operation
type Capability string

const (
	CapabilityEmbedding       Capability = "embedding"
	CapabilityImageAnalysis   Capability = "image_analysis"
	CapabilitySpeechSynthesis Capability = "speech_synthesis"
)

// Capabilities is the flags record an adapter uses to declare optional operations.
// A flag set to true promises that the adapter also implements the matching interface.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	Embedding       bool `json:"embedding"`
	ImageAnalysis   bool `json:"image_analysis"`
	SpeechSynthesis bool `json:"speech_synthesis"`
}

// Supports reports whether the capability flag is set
func (c Capabilities) Supports(capability Capability) bool {
	switch capability {
	case CapabilityEmbedding:
		return c.Embedding
	case CapabilityImageAnalysis:
		return c.ImageAnalysis
	case CapabilitySpeechSynthesis:
		return c.SpeechSynthesis
	default:
		return false
	}
}

// EmbeddingRequest asks for vector embeddings of the inputs
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingResponse holds one vector per input
type EmbeddingResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
	Usage      Usage       `json:"usage"`
}

// ImageAnalysisRequest asks the model to describe or answer about an image
type ImageAnalysisRequest struct {
	Model    string `json:"model"`
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt"`
}

// SpeechRequest asks for synthesized audio of a text
type SpeechRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

// Embedder is implemented by adapters declaring CapabilityEmbedding
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ImageAnalyzer is implemented by adapters declaring CapabilityImageAnalysis
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, req *ImageAnalysisRequest) (*ChatResponse, error)
}

// SpeechSynthesizer is implemented by adapters declaring CapabilitySpeechSynthesis
type SpeechSynthesizer interface {
	SynthesizeSpeech(ctx context.Context, req *SpeechRequest) ([]byte, error)
}

// Embed invokes the embedding capability after checking the flags record
func Embed(ctx context.Context, p Provider, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	e, ok := p.(Embedder)
	if !p.Capabilities().Embedding || !ok {
		return nil, NotSupportedError(p.Name(), CapabilityEmbedding)
	}
	return e.Embed(ctx, req)
}

// AnalyzeImage invokes the image analysis capability after checking the flags record
func AnalyzeImage(ctx context.Context, p Provider, req *ImageAnalysisRequest) (*ChatResponse, error) {
	a, ok := p.(ImageAnalyzer)
	if !p.Capabilities().ImageAnalysis || !ok {
		return nil, NotSupportedError(p.Name(), CapabilityImageAnalysis)
	}
	return a.AnalyzeImage(ctx, req)
}

// SynthesizeSpeech invokes the speech capability after checking the flags record
func SynthesizeSpeech(ctx context.Context, p Provider, req *SpeechRequest) ([]byte, error) {
	s, ok := p.(SpeechSynthesizer)
	if !p.Capabilities().SpeechSynthesis || !ok {
		return nil, NotSupportedError(p.Name(), CapabilitySpeechSynthesis)
	}
	return s.SynthesizeSpeech(ctx, req)
}
