// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the tool used to read HDF5 files.
const H5DumpBinary = "h5dump"

// H5Entry describes one HDF5 dataset (a stored array), without its data.
type H5Entry struct {
	// FilePath of the HDF5 file, and Key of the dataset inside it: the groups and dataset name joined by "/".
	FilePath, Key string

	// DType and Shape parsed from the "DATATYPE" and "DATASPACE" headers. Shape is invalid if the
	// dataset is not a numeric array.
	DType dtypes.DType
	Shape shapes.Shape
}

var (
	regexpH5Datasets    = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5HeaderName  = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5HeaderType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5HeaderSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// ParseH5 lists the datasets of the HDF5 file, keyed by their path.
func ParseH5(filePath string) (map[string]*H5Entry, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file %q", filePath)
	}
	listing, err := h5dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	keys, err := parseH5Listing(string(listing))
	if err != nil {
		return nil, errors.WithMessagef(err, "HDF5 file %q", filePath)
	}
	entries := make(map[string]*H5Entry, len(keys))
	args := []string{"--header"}
	for _, key := range keys {
		entries[key] = &H5Entry{FilePath: filePath, Key: key}
		args = append(args, "--dataset="+key)
	}
	args = append(args, filePath)
	headers, err := h5dump(args...)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(headers), "DATASET")[1:]
	if len(parts) != len(entries) {
		return nil, errors.Errorf("HDF5 file %q: listed %d datasets, but got %d headers", filePath, len(entries), len(parts))
	}
	for _, part := range parts {
		key, dtype, shape, err := parseH5Header(part)
		if err != nil {
			return nil, errors.WithMessagef(err, "HDF5 file %q", filePath)
		}
		entry, found := entries[key]
		if !found {
			return nil, errors.Errorf("HDF5 file %q: header for unlisted dataset %q", filePath, key)
		}
		entry.DType, entry.Shape = dtype, shape
	}
	return entries, nil
}

// parseH5Listing returns the dataset keys of a `h5dump --contents` output.
func parseH5Listing(listing string) ([]string, error) {
	matches := regexpH5Datasets.FindAllStringSubmatch(listing, -1)
	keys := make([]string, 0, len(matches))
	for _, match := range matches {
		key := match[1]
		if strings.HasPrefix(key, "-") {
			return nil, errors.Errorf("invalid dataset name %q", key)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// parseH5Header parses one dataset header of a `h5dump --header` output (the text following "DATASET").
// Datasets that are not numeric arrays are returned with an invalid shape.
func parseH5Header(header string) (key string, dtype dtypes.DType, shape shapes.Shape, err error) {
	matches := regexpH5HeaderName.FindStringSubmatch(header)
	if len(matches) != 2 {
		err = errors.Errorf("failed to parse dataset header %q", header)
		return
	}
	key = matches[1]
	matches = regexpH5HeaderType.FindStringSubmatch(header)
	if len(matches) != 2 {
		return
	}
	dtype = DTypeForH5T(matches[1])
	if dtype == dtypes.InvalidDType {
		return
	}
	matches = regexpH5HeaderSpace.FindStringSubmatch(header)
	if len(matches) != 4 {
		klog.V(1).Infof("HDF5 dataset %q: DATASPACE not parsed", key)
		return
	}
	switch matches[1] {
	case "SCALAR":
		shape = shapes.Make(dtype)
	case "SIMPLE":
		parts := strings.Split(matches[3], ",")
		dims := make([]int, 0, len(parts))
		for _, part := range parts {
			dim, convErr := strconv.Atoi(strings.TrimSpace(part))
			if convErr != nil {
				klog.V(1).Infof("HDF5 dataset %q: invalid dimension %q", key, part)
				return
			}
			dims = append(dims, dim)
		}
		shape = shapes.Make(dtype, dims...)
	default:
		klog.V(1).Infof("HDF5 dataset %q: DATASPACE %s not supported", key, matches[1])
	}
	return
}

// DTypeForH5T returns the DType for the HDF5 type, or dtypes.InvalidDType if not supported.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

func h5dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, needed to read the pretrained weights: "+
			"please install the hdf5-tools package, or disable pretrained weights", H5DumpBinary)
	}
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed executing %q, stderr:\n%s", cmd, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ToTensor reads the dataset contents into a tensor.
func (e *H5Entry) ToTensor() (*tensors.Tensor, error) {
	if !e.Shape.Ok() {
		return nil, errors.Errorf("HDF5 dataset %q is not a numeric array", e.Key)
	}
	tmpFile, err := os.CreateTemp("", "h5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("Failed to remove temporary file %q: %v", tmpFile.Name(), err)
		}
	}()
	if _, err := h5dump("--dataset="+e.Key, "--binary=NATIVE", "--output="+tmpFile.Name(), e.FilePath); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read extracted HDF5 dataset %q", e.Key)
	}
	return bytesToTensor(e.Shape, raw)
}

// bytesToTensor creates a tensor with the given shape from its raw native-endian contents.
func bytesToTensor(shape shapes.Shape, raw []byte) (*tensors.Tensor, error) {
	tensor := tensors.FromShape(shape)
	var sizeErr error
	err := tensor.MutableBytes(func(data []byte) {
		if len(raw) != len(data) {
			sizeErr = errors.Errorf("shape %s takes %d bytes, but got %d bytes", shape, len(data), len(raw))
			return
		}
		copy(data, raw)
	})
	if err == nil {
		err = sizeErr
	}
	if err != nil {
		return nil, err
	}
	return tensor, nil
}

// Unpacker converts an HDF5 file into a directory with one tensor file per dataset, mirroring the
// group structure. Create it with UnpackToTensors, and run it with Done.
type Unpacker struct {
	h5Path, targetDir string
	showProgressBar   bool
	perm              os.FileMode
}

// UnpackToTensors returns an Unpacker of h5Path into targetDir, which must not yet exist.
// Tensors are written with tensors.Tensor.Save, and can be read back with tensors.Load.
func UnpackToTensors(targetDir, h5Path string) *Unpacker {
	return &Unpacker{h5Path: h5Path, targetDir: targetDir, perm: 0o755}
}

// ProgressBar displays the progress of the unpacking.
func (u *Unpacker) ProgressBar() *Unpacker {
	u.showProgressBar = true
	return u
}

// Done unpacks into a temporary directory, and renames it to the target directory when complete.
// On error the temporary directory is removed.
func (u *Unpacker) Done() (err error) {
	if fsutil.MustFileExists(u.targetDir) {
		return errors.Errorf("target directory %q already exists, remove it first", u.targetDir)
	}
	entries, err := ParseH5(u.h5Path)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(u.targetDir)
	if err = os.MkdirAll(baseDir, u.perm); err != nil {
		return errors.Wrapf(err, "can't create directory %q", baseDir)
	}
	tmpDir, err := os.MkdirTemp(baseDir, filepath.Base(u.targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "can't create temporary directory under %q", baseDir)
	}
	defer func() {
		if tmpDir == "" {
			return
		}
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			klog.Errorf("Failed to clean up temporary directory %q: %v", tmpDir, rmErr)
		}
	}()

	var bar *progressbar.ProgressBar
	if u.showProgressBar {
		var total uintptr
		for _, entry := range entries {
			if entry.Shape.Ok() {
				total += entry.Shape.Memory()
			}
		}
		bar = progressbar.DefaultBytes(int64(total), "unpacking weights")
		defer func() { _ = bar.Finish() }()
	}

	for key, entry := range entries {
		if !entry.Shape.Ok() {
			klog.V(1).Infof("Skipping HDF5 dataset %q: not a numeric array", key)
			continue
		}
		tensor, err := entry.ToTensor()
		if err != nil {
			return err
		}
		tensorPath := filepath.Join(tmpDir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
		if err = os.MkdirAll(filepath.Dir(tensorPath), u.perm); err != nil {
			return errors.Wrapf(err, "can't create directory for %q", tensorPath)
		}
		if err = tensor.Save(tensorPath); err != nil {
			return errors.WithMessagef(err, "unpacking %q", key)
		}
		if bar != nil {
			_ = bar.Add64(int64(entry.Shape.Memory()))
		}
	}
	if err = os.Rename(tmpDir, u.targetDir); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpDir, u.targetDir)
	}
	tmpDir = ""
	return nil
}

// LoadTensor reads one unpacked weight, given its HDF5 key (e.g. "Conv1/Conv1/kernel:0").
func LoadTensor(unpackedDir, key string) (*tensors.Tensor, error) {
	tensorPath := filepath.Join(unpackedDir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
	tensor, err := tensors.Load(tensorPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading pretrained weight %q", key)
	}
	return tensor, nil
}
