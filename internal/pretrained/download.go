// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package pretrained fetches the ImageNet weights of the MobileNetV2 backbone, published by Keras as
// an HDF5 file, and unpacks them into one GoMLX tensor file per weight.
//
// Unpacking requires the `h5dump` tool (package `hdf5-tools` in Debian/Ubuntu).
package pretrained

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// WeightsURL is the Keras MobileNetV2 (alpha=1.0, 224x224) ImageNet weights, without the classification top.
	WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/mobilenet_v2/" +
		"mobilenet_v2_weights_tf_dim_ordering_tf_kernels_1.0_224_no_top.h5"

	// WeightsH5Name is the name of the downloaded ".h5" file inside the weights directory.
	WeightsH5Name = "weights_no_top.h5"

	// UnpackedWeightsName is the sub-directory of the weights directory with the unpacked tensors.
	UnpackedWeightsName = "gomlx_weights"
)

// UnpackedDir returns the directory with the unpacked tensors under the weights directory.
func UnpackedDir(weightsDir string) string {
	return filepath.Join(weightsDir, UnpackedWeightsName)
}

// IsUnpacked returns whether the weights were already downloaded and unpacked in weightsDir.
func IsUnpacked(weightsDir string) bool {
	info, err := os.Stat(UnpackedDir(weightsDir))
	return err == nil && info.IsDir()
}

// DownloadAndUnpack makes sure the MobileNetV2 weights are available unpacked under weightsDir.
// It does nothing if they are already there.
//
// If checksum (SHA-256, hex encoded) is not empty, the downloaded file is verified against it.
func DownloadAndUnpack(weightsDir, checksum string, showProgressBar bool) error {
	if IsUnpacked(weightsDir) {
		klog.V(1).Infof("MobileNetV2 weights already unpacked in %q", UnpackedDir(weightsDir))
		return nil
	}
	h5Path := filepath.Join(weightsDir, WeightsH5Name)
	if err := DownloadIfMissing(WeightsURL, h5Path, checksum, showProgressBar); err != nil {
		return err
	}
	klog.Infof("Unpacking weights from %q to %q", h5Path, UnpackedDir(weightsDir))
	unpack := UnpackToTensors(UnpackedDir(weightsDir), h5Path)
	if showProgressBar {
		unpack = unpack.ProgressBar()
	}
	return unpack.Done()
}

// DownloadIfMissing downloads url to filePath, unless the file already exists.
// If checksum is given, the file (downloaded or not) must match it.
func DownloadIfMissing(url, filePath, checksum string, showProgressBar bool) error {
	if _, err := os.Stat(filePath); err != nil {
		if !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to access %q", filePath)
		}
		klog.Infof("Downloading %s", url)
		size, err := Download(url, filePath, showProgressBar)
		if err != nil {
			return err
		}
		klog.Infof("Downloaded %s to %q", humanize.IBytes(uint64(size)), filePath)
	}
	sum, err := FileSHA256(filePath)
	if err != nil {
		return err
	}
	if checksum == "" {
		klog.V(1).Infof("SHA-256 of %q: %s", filePath, sum)
		return nil
	}
	if sum != checksum {
		return errors.Errorf("file %q has SHA-256 %s, but %s was expected: remove it and try again", filePath, sum, checksum)
	}
	return nil
}

// Download url to filePath, creating the directory if needed. The file is first written to a temporary
// name, and only renamed to filePath once complete.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	tmpPath := filePath + ".downloading"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	var dst io.Writer = file
	var bar *progressbar.ProgressBar
	if showProgressBar {
		bar = progressbar.DefaultBytes(resp.ContentLength, fmt.Sprintf("downloading %s", filepath.Base(filePath)))
		dst = io.MultiWriter(file, bar)
	}
	size, err = io.Copy(dst, resp.Body)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, tmpPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to move downloaded file to %q", filePath)
	}
	return size, nil
}

// FileSHA256 returns the hex encoded SHA-256 of the file contents.
func FileSHA256(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.Wrapf(err, "failed to read %q", filePath)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
