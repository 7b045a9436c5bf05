package model

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"nano-qlora-go/tensor"
)

// ONNXScanKernel runs the selective scan through an exported ONNX graph, the
// accelerator-backed ScanKernel collaborator. The graph takes inputs
// {x, delta, a, b, c, d} and produces {y} with the shapes of the ScanKernel
// contract. Kernel submission awaits completion before the output is read, so
// callers observe strictly sequential semantics.
type ONNXScanKernel struct {
	modelPath string
	options   *ort.SessionOptions
}

// NewONNXScanKernel initializes the ONNX runtime environment once and prepares
// session options for the scan graph at modelPath.
func NewONNXScanKernel(modelPath string, threads int) (*ONNXScanKernel, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	return &ONNXScanKernel{modelPath: modelPath, options: options}, nil
}

// Close releases the session options.
func (k *ONNXScanKernel) Close() error {
	if k.options != nil {
		k.options.Destroy()
		k.options = nil
	}
	return nil
}

// Run submits the scan to ONNX runtime and blocks until the output tensor is
// filled.
func (k *ONNXScanKernel) Run(x, delta, a, bssm, cssm, dskip *tensor.Tensor) (*tensor.Tensor, error) {
	batch := int64(x.Shape[0])
	seqLen := int64(x.Shape[1])
	dInner := int64(x.Shape[2])
	dState := int64(a.Shape[1])

	makeInput := func(t *tensor.Tensor, dims ...int64) (*ort.Tensor[float32], error) {
		data := make([]float32, len(t.Data))
		copy(data, t.Data)
		return ort.NewTensor(ort.NewShape(dims...), data)
	}

	xT, err := makeInput(x, batch, seqLen, dInner)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan input: %w", err)
	}
	defer xT.Destroy()

	deltaT, err := makeInput(delta, batch, seqLen, dInner)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan input: %w", err)
	}
	defer deltaT.Destroy()

	aT, err := makeInput(a, dInner, dState)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan input: %w", err)
	}
	defer aT.Destroy()

	bT, err := makeInput(bssm, batch, seqLen, dState)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan input: %w", err)
	}
	defer bT.Destroy()

	cT, err := makeInput(cssm, batch, seqLen, dState)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan input: %w", err)
	}
	defer cT.Destroy()

	dT, err := makeInput(dskip, dInner)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan input: %w", err)
	}
	defer dT.Destroy()

	outData := make([]float32, x.Size())
	outT, err := ort.NewTensor(ort.NewShape(batch, seqLen, dInner), outData)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan output: %w", err)
	}
	defer outT.Destroy()

	session, err := ort.NewAdvancedSession(
		k.modelPath,
		[]string{"x", "delta", "a", "b", "c", "d"},
		[]string{"y"},
		[]ort.Value{xT, deltaT, aT, bT, cT, dT},
		[]ort.Value{outT},
		k.options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("scan inference failed: %w", err)
	}

	y := tensor.New(x.Shape...)
	copy(y.Data, outT.GetData())
	return y, nil
}

var _ ScanKernel = (*ONNXScanKernel)(nil)
