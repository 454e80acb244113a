//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/visionquery/pkg/utils"
)

var ortInit sync.Mutex

// CLIPProvider runs the CLIP vision and text towers exported as two ONNX models.
// It requires CGO and the onnxruntime shared library.
type CLIPProvider struct {
	dimensions    int
	contextLength int
	tokenizer     Tokenizer

	visionMu      sync.Mutex
	visionSession *ort.AdvancedSession
	pixelTensor   *ort.Tensor[float32]
	imageOut      *ort.Tensor[float32]

	textMu        sync.Mutex
	textSession   *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	textOut       *ort.Tensor[float32]
}

// CLIPOptions locates the exported models.
type CLIPOptions struct {
	VisionModelPath   string
	TextModelPath     string
	SharedLibraryPath string
	Dimensions        int
	ContextLength     int
}

// NewCLIPProvider loads both towers. InitializeEnvironment is called if not already done.
func NewCLIPProvider(opts CLIPOptions) (*CLIPProvider, error) {
	if opts.Dimensions <= 0 {
		return nil, errors.New("clip: dimensions must be positive")
	}
	if opts.ContextLength <= 0 {
		opts.ContextLength = ContextLength
	}
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	p := &CLIPProvider{
		dimensions:    opts.Dimensions,
		contextLength: opts.ContextLength,
		tokenizer:     &SimpleTokenizer{},
	}
	if err := p.initVision(opts.VisionModelPath); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.initText(opts.TextModelPath); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func initEnvironment(libPath string) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	return nil
}

func (p *CLIPProvider) initVision(modelPath string) error {
	var err error
	pixels := make([]float32, 3*ImageSize*ImageSize)
	p.pixelTensor, err = ort.NewTensor(ort.NewShape(1, 3, ImageSize, ImageSize), pixels)
	if err != nil {
		return fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	p.imageOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(p.dimensions)))
	if err != nil {
		return fmt.Errorf("failed to create image_embeds tensor: %w", err)
	}
	p.visionSession, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{p.pixelTensor},
		[]ort.ArbitraryTensor{p.imageOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create vision session: %w", err)
	}
	return nil
}

func (p *CLIPProvider) initText(modelPath string) error {
	ids, mask := p.tokenizer.Tokenize("", p.contextLength)
	shape := ort.NewShape(1, int64(p.contextLength))
	var err error
	p.inputIDs, err = ort.NewTensor(shape, ids)
	if err != nil {
		return fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	p.attentionMask, err = ort.NewTensor(shape, mask)
	if err != nil {
		return fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	p.textOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(p.dimensions)))
	if err != nil {
		return fmt.Errorf("failed to create text_embeds tensor: %w", err)
	}
	p.textSession, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"text_embeds"},
		[]ort.ArbitraryTensor{p.inputIDs, p.attentionMask},
		[]ort.ArbitraryTensor{p.textOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create text session: %w", err)
	}
	return nil
}

// EncodeImage decodes, preprocesses and embeds an image.
func (p *CLIPProvider) EncodeImage(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, invalidInput("encode image", ErrEmptyInput)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, invalidInput("encode image", err)
	}
	pixels := PixelValues(img, ImageSize)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.visionMu.Lock()
	defer p.visionMu.Unlock()
	if p.visionSession == nil {
		return nil, modelUnavailable("encode image", errors.New("vision session closed"))
	}
	copy(p.pixelTensor.GetData(), pixels)
	if err := p.visionSession.Run(); err != nil {
		return nil, modelUnavailable("encode image", fmt.Errorf("inference failed: %w", err))
	}
	return p.readOutput("encode image", p.imageOut)
}

// EncodeText tokenizes and embeds a query.
func (p *CLIPProvider) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if len(SplitWords(text)) == 0 {
		return nil, invalidInput("encode text", ErrEmptyInput)
	}
	ids, mask := p.tokenizer.Tokenize(text, p.contextLength)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.textMu.Lock()
	defer p.textMu.Unlock()
	if p.textSession == nil {
		return nil, modelUnavailable("encode text", errors.New("text session closed"))
	}
	copy(p.inputIDs.GetData(), ids)
	copy(p.attentionMask.GetData(), mask)
	if err := p.textSession.Run(); err != nil {
		return nil, modelUnavailable("encode text", fmt.Errorf("inference failed: %w", err))
	}
	return p.readOutput("encode text", p.textOut)
}

func (p *CLIPProvider) readOutput(op string, t *ort.Tensor[float32]) ([]float32, error) {
	emb := make([]float32, p.dimensions)
	copy(emb, t.GetData()[:p.dimensions])
	if utils.NormalizeL2(emb) == 0 {
		return nil, modelUnavailable(op, errors.New("model returned a zero embedding"))
	}
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (p *CLIPProvider) Dimensions() int {
	return p.dimensions
}

// Close destroys both sessions and their tensors.
func (p *CLIPProvider) Close() error {
	p.visionMu.Lock()
	defer p.visionMu.Unlock()
	p.textMu.Lock()
	defer p.textMu.Unlock()

	var errs []error
	if p.visionSession != nil {
		errs = append(errs, p.visionSession.Destroy())
		p.visionSession = nil
	}
	if p.textSession != nil {
		errs = append(errs, p.textSession.Destroy())
		p.textSession = nil
	}
	destroyTensor(p.pixelTensor)
	destroyTensor(p.imageOut)
	destroyTensor(p.textOut)
	destroyTensor(p.inputIDs)
	destroyTensor(p.attentionMask)
	p.pixelTensor, p.imageOut, p.textOut = nil, nil, nil
	p.inputIDs, p.attentionMask = nil, nil
	return errors.Join(errs...)
}

func destroyTensor[T ort.TensorData](t *ort.Tensor[T]) {
	if t != nil {
		_ = t.Destroy()
	}
}
