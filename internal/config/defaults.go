// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package config

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Paths: Paths{
			RawDir:       "data/raw",
			ProcessedDir: "data/processed",
			ModelsDir:    "models",
			WeightsDir:   "~/.cache/cropdisease/mobilenet_v2",
		},
		Data: Data{
			ImageSize:     224,
			Seed:          42,
			TrainFraction: 0.7,
			JPEGQuality:   95,
			Parallelism:   0, // 0 means runtime.NumCPU().
			Normalization: "rescale",
		},
		Augment: Augment{
			RotationDegrees: 20,
			WidthShift:      0.2,
			HeightShift:     0.2,
			Shear:           0.2,
			Zoom:            0.2,
			HorizontalFlip:  true,
		},
		Train: Train{
			Epochs:                30,
			InitialEpochs:         10,
			BatchSize:             32,
			FineTune:              true,
			FineTuneLayers:        30,
			LearningRate:          1e-3,
			FineTuneLearningRate:  1e-5,
			EarlyStoppingPatience: 5,
			ReduceLRPatience:      3,
			ReduceLRFactor:        0.2,
			MinLearningRate:       1e-6,
			Pretrained:            true,
			ProgressBar:           true,
		},
		Inference: Inference{
			TopK: 3,
		},
	}
}
