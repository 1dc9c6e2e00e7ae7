// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package artifact saves and loads the trained model: its variables and the metadata needed to use
// it for inference (normalization, image size, number of classes and the vocabulary it was trained with).
//
// The file is a gzip compressed gob stream: the Header, the number of variables, and for each variable its
// scope, name, trainable flag and value. Optimizer state and metric accumulators are not saved.
//
// An Artifact implements context.Loader: attach it to a new context with Context.SetLoader, and the model
// variables take their values from the artifact as the model graph is built.
package artifact

import (
	"compress/gzip"
	"encoding/gob"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Magic identifies the file format.
	Magic = "cropdisease/model"

	// Version of the file format written by Save. Load rejects any other version.
	Version = 1

	// OutputWeightsScope and OutputWeightsName locate the weights of the output layer, shaped
	// [features, num_classes]. Load checks their last dimension against Header.NumClasses.
	OutputWeightsScope = "/model/predictions/dense"
	OutputWeightsName  = "weights"
)

// ExcludedScopes are the top-level scopes whose variables are not part of an artifact: the optimizer
// state (moments, learning rate), the training loop state and the metrics accumulators.
// The global step and the random number generator state, in the root scope, are also excluded.
var ExcludedScopes = []string{
	context.RootScope + optimizers.AdamDefaultScope,
	context.RootScope + optimizers.Scope,
	context.RootScope + metrics.Scope,
	train.TrainerAbsoluteScope,
}

// Header holds the model metadata.
type Header struct {
	Magic   string
	Version int
	Created time.Time

	// RunID of the training run that produced the model.
	RunID string

	// Normalization of the pixel values the model was trained with, see imageutil.Normalization.
	Normalization string
	ImageSize     int
	NumClasses    int
	Backbone      string

	// VocabularyHash is the vocab.Vocabulary.Hash of the class names, in output order.
	VocabularyHash string

	// Epoch after which the variables were saved, 0-based.
	Epoch int
}

// Variable is the saved value of one context variable.
type Variable struct {
	Scope, Name string
	Trainable   bool
	Value       *tensors.Tensor
}

// ScopeAndName returns the variable's full name.
func (v *Variable) ScopeAndName() string {
	return v.Scope + context.ScopeSeparator + v.Name
}

// Artifact is a saved model.
type Artifact struct {
	Header    Header
	Variables []*Variable

	index map[string]*Variable
}

var _ context.Loader = (*Artifact)(nil)

// Excluded returns whether the variable is excluded from artifacts.
func Excluded(scope, name string) bool {
	if scope == context.RootScope && (name == optimizers.GlobalStepVariableName || name == context.RNGStateVariableName) {
		return true
	}
	for _, excluded := range ExcludedScopes {
		if scope == excluded || strings.HasPrefix(scope, excluded+context.ScopeSeparator) {
			return true
		}
	}
	return false
}

// FromContext returns an Artifact with a copy of the current value of all model variables in ctx.
//
// Magic and Version of the header are filled in, and Created if it is zero.
func FromContext(ctx *context.Context, header Header) (*Artifact, error) {
	header.Magic = Magic
	header.Version = Version
	if header.Created.IsZero() {
		header.Created = time.Now()
	}
	a := &Artifact{Header: header}
	for v := range ctx.IterVariables() {
		if Excluded(v.Scope(), v.Name()) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
		}
		clone, err := value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to copy variable %q", v.ScopeAndName())
		}
		a.Variables = append(a.Variables, &Variable{
			Scope:     v.Scope(),
			Name:      v.Name(),
			Trainable: v.Trainable,
			Value:     clone,
		})
	}
	slices.SortFunc(a.Variables, func(a, b *Variable) int {
		return strings.Compare(a.ScopeAndName(), b.ScopeAndName())
	})
	a.buildIndex()
	return a, nil
}

func (a *Artifact) buildIndex() {
	a.index = make(map[string]*Variable, len(a.Variables))
	for _, v := range a.Variables {
		a.index[v.ScopeAndName()] = v
	}
}

// Get returns the saved variable, or nil if it is not in the artifact.
func (a *Artifact) Get(scope, name string) *Variable {
	if a.index == nil {
		a.buildIndex()
	}
	return a.index[scope+context.ScopeSeparator+name]
}

// LoadVariable implements context.Loader. It returns a copy of the saved value, so the artifact can
// be used by more than one context.
func (a *Artifact) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	v := a.Get(scope, name)
	if v == nil {
		return nil, false
	}
	clone, err := v.Value.LocalClone()
	if err != nil {
		exceptions.Panicf("artifact: failed to copy variable %q: %+v", v.ScopeAndName(), err)
	}
	klog.V(2).Infof("artifact: loaded %s %s", v.ScopeAndName(), clone.Shape())
	return clone, true
}

// DeleteVariable implements context.Loader. Artifacts are immutable, so this is a no-op.
func (a *Artifact) DeleteVariable(ctx *context.Context, scope, name string) error {
	return nil
}

// Restore writes the saved values back into the variables of ctx, creating the variables that don't
// exist. The trainable flag of existing variables is left as is.
func (a *Artifact) Restore(ctx *context.Context) error {
	for _, saved := range a.Variables {
		value, err := saved.Value.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "failed to copy variable %q", saved.ScopeAndName())
		}
		v := ctx.GetVariableByScopeAndName(saved.Scope, saved.Name)
		if v == nil {
			err = exceptions.TryCatch[error](func() {
				v = ctx.InAbsPath(saved.Scope).Checked(false).VariableWithValue(saved.Name, value)
				v.SetTrainable(saved.Trainable)
			})
		} else {
			err = v.SetValue(value)
		}
		if err != nil {
			return errors.WithMessagef(err, "failed to restore variable %q", saved.ScopeAndName())
		}
	}
	return nil
}

// Save writes the artifact to filePath, creating its directory if needed.
// The file is replaced atomically: readers see either the old or the new artifact.
func (a *Artifact) Save(filePath string) (err error) {
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	zw := gzip.NewWriter(f)
	enc := gob.NewEncoder(zw)
	if err = enc.Encode(a.Header); err != nil {
		return errors.Wrapf(err, "failed to write header of %q", filePath)
	}
	if err = enc.Encode(len(a.Variables)); err != nil {
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	for _, v := range a.Variables {
		if err = enc.Encode(v.Scope); err == nil {
			if err = enc.Encode(v.Name); err == nil {
				err = enc.Encode(v.Trainable)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "failed to write variable %q to %q", v.ScopeAndName(), filePath)
		}
		if err = v.Value.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "failed to write value of %q to %q", v.ScopeAndName(), filePath)
		}
	}
	if err = zw.Close(); err != nil {
		return errors.Wrapf(err, "failed to compress %q", filePath)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	klog.V(1).Infof("Saved model with %d variables to %q", len(a.Variables), filePath)
	return nil
}

// ReadHeader reads only the header of the artifact in filePath.
func ReadHeader(filePath string) (*Header, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open model %q", filePath)
	}
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "model %q is corrupt or not a model file", filePath)
	}
	return decodeHeader(gob.NewDecoder(zr), filePath)
}

func decodeHeader(dec *gob.Decoder, filePath string) (*Header, error) {
	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "model %q is corrupt or not a model file", filePath)
	}
	if header.Magic != Magic {
		return nil, errors.Errorf("%q is not a model file", filePath)
	}
	if header.Version != Version {
		return nil, errors.Errorf("model %q has format version %d, only version %d is supported",
			filePath, header.Version, Version)
	}
	return &header, nil
}

// Load reads the artifact in filePath.
func Load(filePath string) (*Artifact, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open model %q", filePath)
	}
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "model %q is corrupt or not a model file", filePath)
	}
	dec := gob.NewDecoder(zr)
	header, err := decodeHeader(dec, filePath)
	if err != nil {
		return nil, err
	}
	a := &Artifact{Header: *header}
	var numVariables int
	if err = dec.Decode(&numVariables); err != nil {
		return nil, errors.Wrapf(err, "model %q is corrupt", filePath)
	}
	if numVariables < 0 {
		return nil, errors.Errorf("model %q is corrupt: %d variables", filePath, numVariables)
	}
	a.Variables = make([]*Variable, 0, numVariables)
	for range numVariables {
		v := &Variable{}
		if err = dec.Decode(&v.Scope); err == nil {
			if err = dec.Decode(&v.Name); err == nil {
				err = dec.Decode(&v.Trainable)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "model %q is corrupt", filePath)
		}
		v.Value, err = tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "model %q is corrupt: variable %q", filePath, v.ScopeAndName())
		}
		a.Variables = append(a.Variables, v)
	}
	a.buildIndex()
	if err := a.checkOutputs(); err != nil {
		return nil, errors.WithMessagef(err, "model %q", filePath)
	}
	return a, nil
}

// checkOutputs verifies that the output layer, if saved, has Header.NumClasses outputs.
func (a *Artifact) checkOutputs() error {
	v := a.Get(OutputWeightsScope, OutputWeightsName)
	if v == nil {
		return nil
	}
	dims := v.Value.Shape().Dimensions
	if len(dims) == 0 || dims[len(dims)-1] != a.Header.NumClasses {
		return errors.Errorf("output layer %q shaped %s doesn't match the %d classes of the header",
			v.ScopeAndName(), v.Value.Shape(), a.Header.NumClasses)
	}
	return nil
}
