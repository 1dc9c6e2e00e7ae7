// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package mobilenet implements the MobileNetV2 (alpha=1.0) convolutional backbone, without the
// classification top, optionally initialized with the Keras ImageNet weights.
//
// Layers are named as in Keras, so a given number of the last Keras layers can be unfrozen
// for fine-tuning. See New.
package mobilenet

import (
	"fmt"
	"strings"

	"github.com/cropdoc/cropdisease/internal/pretrained"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// Scope under which the backbone variables are created.
	Scope = "mobilenet_v2"

	// FeatureChannels is the number of channels of the backbone output.
	FeatureChannels = 1280

	// Name of the backbone in saved models.
	Name = "mobilenet_v2_1.0"

	firstFilters = 32
	lastFilters  = 1280

	bnEpsilon  = 1e-3
	bnMomentum = 0.999

	// pretrainedAvgWeight is the number of steps the pretrained moving averages are assumed to have seen,
	// so fine-tuning updates them with the full momentum.
	pretrainedAvgWeight = 1e6
)

// block is an inverted residual block.
type block struct {
	filters, stride, expansion int
}

var blocks = []block{
	{16, 1, 1},
	{24, 2, 6}, {24, 1, 6},
	{32, 2, 6}, {32, 1, 6}, {32, 1, 6},
	{64, 2, 6}, {64, 1, 6}, {64, 1, 6}, {64, 1, 6},
	{96, 1, 6}, {96, 1, 6}, {96, 1, 6},
	{160, 2, 6}, {160, 1, 6}, {160, 1, 6},
	{320, 1, 6},
}

func blockPrefix(id int) string {
	if id == 0 {
		return "expanded_conv_"
	}
	return fmt.Sprintf("block_%d_", id)
}

// LayerNames returns the names of the Keras layers of the backbone in order, including the input
// and the layers without weights (activations, paddings and additions).
func LayerNames() []string {
	names := []string{"input_1", "Conv1", "bn_Conv1", "Conv1_relu"}
	inChannels := firstFilters
	for id, blk := range blocks {
		prefix := blockPrefix(id)
		if id > 0 {
			names = append(names, prefix+"expand", prefix+"expand_BN", prefix+"expand_relu")
		}
		if blk.stride == 2 {
			names = append(names, prefix+"pad")
		}
		names = append(names, prefix+"depthwise", prefix+"depthwise_BN", prefix+"depthwise_relu",
			prefix+"project", prefix+"project_BN")
		if blk.stride == 1 && inChannels == blk.filters {
			names = append(names, prefix+"add")
		}
		inChannels = blk.filters
	}
	return append(names, "Conv_1", "Conv_1_bn", "out_relu")
}

// Config of the backbone. Create it with New, and call Done to build it.
type Config struct {
	ctx             *context.Context
	images          *Node
	weightsDir      string
	trainableLayers int
	frozen          map[string]bool
}

// New configures a MobileNetV2 backbone over images shaped [batch_size, height, width, 3], normalized
// to [-1, 1] (or [0, 1], if the model is trained from scratch that way).
//
// Variables are created under Scope. If they already exist (e.g. loaded from a saved model) they are reused.
// By default, all layers are trainable and initialized randomly.
func New(ctx *context.Context, images *Node) *Config {
	return &Config{ctx: ctx, images: images, trainableLayers: -1}
}

// PretrainedWeights initializes the variables not yet set with the unpacked Keras weights in weightsDir.
// See pretrained.DownloadAndUnpack.
func (cfg *Config) PretrainedWeights(weightsDir string) *Config {
	cfg.weightsDir = weightsDir
	return cfg
}

// TrainableLayers sets how many of the last Keras layers (see LayerNames) are trainable. The others are frozen:
// their variables are not trained, their batch normalization runs in inference mode, and no gradient flows
// through them.
//
// 0 freezes the whole backbone. A negative value (the default) leaves all layers trainable.
func (cfg *Config) TrainableLayers(n int) *Config {
	cfg.trainableLayers = n
	return cfg
}

// Frozen returns whether the named Keras layer is frozen with the current configuration.
func (cfg *Config) Frozen(layerName string) bool {
	if cfg.frozen == nil {
		cfg.frozen = make(map[string]bool)
		names := LayerNames()
		if cfg.trainableLayers >= 0 && cfg.trainableLayers < len(names) {
			for _, name := range names[:len(names)-cfg.trainableLayers] {
				cfg.frozen[name] = true
			}
		}
	}
	return cfg.frozen[layerName]
}

// Done builds the backbone and returns its last feature map, shaped [batch_size, h, w, FeatureChannels]:
// h and w are the input dimensions divided by 32, rounded up.
func (cfg *Config) Done() *Node {
	x := cfg.images
	if x.Rank() != 4 || x.Shape().Dimensions[3] != 3 {
		exceptions.Panicf("mobilenet: images must be shaped [batch_size, height, width, 3], got %s", x.Shape())
	}
	cfg.ctx = cfg.ctx.In(Scope).Checked(false)
	x = cfg.finish("input_1", x)

	x = cfg.padForStride2(x, "")
	x = cfg.conv(x, "Conv1", firstFilters, 3, 2)
	x = cfg.batchNorm(x, "bn_Conv1")
	x = cfg.relu6(x, "Conv1_relu")

	inChannels := firstFilters
	for id, blk := range blocks {
		x = cfg.invertedResidual(x, id, blk, inChannels)
		inChannels = blk.filters
	}

	x = cfg.conv(x, "Conv_1", lastFilters, 1, 1)
	x = cfg.batchNorm(x, "Conv_1_bn")
	return cfg.relu6(x, "out_relu")
}

func (cfg *Config) invertedResidual(x *Node, id int, blk block, inChannels int) *Node {
	prefix := blockPrefix(id)
	input := x
	if id > 0 {
		x = cfg.conv(x, prefix+"expand", blk.expansion*inChannels, 1, 1)
		x = cfg.batchNorm(x, prefix+"expand_BN")
		x = cfg.relu6(x, prefix+"expand_relu")
	}
	if blk.stride == 2 {
		x = cfg.padForStride2(x, prefix+"pad")
	} else {
		x = pad(x, 1, 1, 1, 1)
	}
	x = cfg.depthwise(x, prefix+"depthwise", blk.stride)
	x = cfg.batchNorm(x, prefix+"depthwise_BN")
	x = cfg.relu6(x, prefix+"depthwise_relu")
	x = cfg.conv(x, prefix+"project", blk.filters, 1, 1)
	x = cfg.batchNorm(x, prefix+"project_BN")
	if blk.stride == 1 && inChannels == blk.filters {
		x = cfg.finish(prefix+"add", Add(input, x))
	}
	return x
}

// finish marks the end of a layer: outputs of frozen layers don't propagate gradients.
func (cfg *Config) finish(layerName string, x *Node) *Node {
	if cfg.Frozen(layerName) {
		return StopGradient(x)
	}
	return x
}

// setTrainable marks the layer variables according to whether the layer is frozen. It must be set on every
// build, since layers mark their variables as trainable when they are created or reused.
func (cfg *Config) setTrainable(ctx *context.Context, layerName string, varNames ...string) {
	trainable := !cfg.Frozen(layerName)
	for _, name := range varNames {
		if v := ctx.GetVariable(name); v != nil {
			v.SetTrainable(trainable)
		}
	}
}

// loadWeight initializes variable varName with the Keras weight, unless the variable already exists.
func (cfg *Config) loadWeight(ctx *context.Context, layerName, kerasName, varName string) {
	if cfg.weightsDir == "" || ctx.GetVariable(varName) != nil {
		return
	}
	key := fmt.Sprintf("%s/%s/%s:0", layerName, layerName, kerasName)
	value, err := pretrained.LoadTensor(cfg.weightsDir, key)
	if err != nil {
		exceptions.Panicf("mobilenet: %+v", err)
	}
	_ = ctx.VariableWithValue(varName, value)
}

func (cfg *Config) conv(x *Node, layerName string, filters, kernelSize, stride int) *Node {
	ctx := cfg.ctx.In(layerName)
	cfg.loadWeight(ctx, layerName, "kernel", "weights")
	x = layers.Convolution(ctx, x).CurrentScope().
		Filters(filters).KernelSize(kernelSize).Strides(stride).
		UseBias(false).NoPadding().Done()
	cfg.setTrainable(ctx, layerName, "weights")
	return cfg.finish(layerName, x)
}

// depthwise convolves each channel with its own 3x3 kernel. The input must be already padded.
func (cfg *Config) depthwise(x *Node, layerName string, stride int) *Node {
	ctx := cfg.ctx.In(layerName)
	cfg.loadWeight(ctx, layerName, "depthwise_kernel", "depthwise_kernel")
	channels := x.Shape().Dimensions[3]
	kernel := ctx.VariableWithShape("depthwise_kernel", shapes.Make(x.DType(), 3, 3, channels, 1)).ValueGraph(x.Graph())
	cfg.setTrainable(ctx, layerName, "depthwise_kernel")
	return cfg.finish(layerName, DepthwiseConv3x3(x, kernel, stride))
}

// DepthwiseConv3x3 applies the kernel shaped [3, 3, channels, 1] to x shaped [batch, height, width, channels],
// without padding.
func DepthwiseConv3x3(x, kernel *Node, stride int) *Node {
	dims := x.Shape().Dimensions
	outHeight := (dims[1]-3)/stride + 1
	outWidth := (dims[2]-3)/stride + 1
	channels := dims[3]
	var output *Node
	for i := range 3 {
		for j := range 3 {
			patch := Slice(x, AxisRange(),
				AxisRange(i, i+stride*(outHeight-1)+1).Stride(stride),
				AxisRange(j, j+stride*(outWidth-1)+1).Stride(stride),
				AxisRange())
			weights := Reshape(Slice(kernel, AxisElem(i), AxisElem(j), AxisRange(), AxisRange()), 1, 1, 1, channels)
			term := Mul(patch, weights)
			if output == nil {
				output = term
			} else {
				output = Add(output, term)
			}
		}
	}
	return output
}

func (cfg *Config) batchNorm(x *Node, layerName string) *Node {
	ctx := cfg.ctx.In(layerName)
	if cfg.weightsDir != "" && ctx.GetVariable("mean") == nil {
		cfg.loadWeight(ctx, layerName, "gamma", "scale")
		cfg.loadWeight(ctx, layerName, "beta", "offset")
		cfg.loadWeight(ctx, layerName, "moving_mean", "mean")
		cfg.loadWeight(ctx, layerName, "moving_variance", "variance")
		channels := x.Shape().Dimensions[3]
		avgWeight := make([]float32, channels)
		for ii := range avgWeight {
			avgWeight[ii] = pretrainedAvgWeight
		}
		_ = ctx.VariableWithValue("avg_weight", tensors.FromFlatDataAndDimensions(avgWeight, channels)).SetTrainable(false)
	}
	frozen := cfg.Frozen(layerName)
	x = batchnorm.New(ctx, x, -1).CurrentScope().
		Epsilon(bnEpsilon).Momentum(bnMomentum).
		Trainable(!frozen).UseBackendInference(false).Done()
	cfg.setTrainable(ctx, layerName, "scale", "offset")
	return cfg.finish(layerName, x)
}

func (cfg *Config) relu6(x *Node, layerName string) *Node {
	return cfg.finish(layerName, ClipScalar(x, 0, 6))
}

// padForStride2 pads the spatial axes the same way as "same" padding of a stride 2 convolution:
// only at the end for even dimensions, and on both sides for odd ones.
func (cfg *Config) padForStride2(x *Node, layerName string) *Node {
	dims := x.Shape().Dimensions
	top, left := dims[1]%2, dims[2]%2
	x = pad(x, top, 1, left, 1)
	if layerName == "" {
		return x
	}
	return cfg.finish(layerName, x)
}

func pad(x *Node, top, bottom, left, right int) *Node {
	zero := Scalar(x.Graph(), x.DType(), 0)
	return Pad(x, zero,
		PadAxis{},
		PadAxis{Start: top, End: bottom},
		PadAxis{Start: left, End: right},
		PadAxis{})
}

// TrainableVariables returns the number of trainable backbone variables in ctx, after the backbone was built.
func TrainableVariables(ctx *context.Context) int {
	count := 0
	for v := range ctx.IterVariables() {
		if v.Trainable && strings.Contains(v.Scope()+"/", "/"+Scope+"/") {
			count++
		}
	}
	return count
}
