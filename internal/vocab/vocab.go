// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

// Package vocab holds the label vocabulary: the ordered list of class names that defines the
// mapping between the model's output indices and the disease labels.
//
// The vocabulary is produced once (from the sorted class sub-directories of the training split)
// and threaded explicitly to every component that needs it. It is persisted as UTF-8 text, one
// name per line, and must be byte-identical between training and inference.
package vocab

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Vocabulary is an ordered, de-duplicated list of class names. Index i of the vocabulary
// corresponds to output i of the model.
type Vocabulary struct {
	names []string
	index map[string]int
}

// New creates a Vocabulary from the given names, in the given order.
// It fails on empty names, names with line breaks or duplicates.
func New(names []string) (*Vocabulary, error) {
	if len(names) == 0 {
		return nil, errors.New("vocabulary must have at least one class name")
	}
	v := &Vocabulary{
		names: slices.Clone(names),
		index: make(map[string]int, len(names)),
	}
	for ii, name := range v.names {
		if name == "" || strings.TrimSpace(name) != name {
			return nil, errors.Errorf("invalid class name %q at index %d", name, ii)
		}
		if strings.ContainsAny(name, "\r\n") {
			return nil, errors.Errorf("class name %q at index %d contains a line break", name, ii)
		}
		if prev, found := v.index[name]; found {
			return nil, errors.Errorf("duplicate class name %q at indices %d and %d", name, prev, ii)
		}
		v.index[name] = ii
	}
	return v, nil
}

// Discover returns the vocabulary of a split directory: the names of its immediate
// sub-directories, sorted lexicographically.
func Discover(dir string) (*Vocabulary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list class directories in %q", dir)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	if len(names) == 0 {
		return nil, errors.Errorf("no class sub-directories found in %q", dir)
	}
	return New(names)
}

// Len returns the number of classes.
func (v *Vocabulary) Len() int { return len(v.names) }

// Name returns the class name for the given index. It panics if the index is out of range.
func (v *Vocabulary) Name(idx int) string { return v.names[idx] }

// Names returns a copy of the ordered class names.
func (v *Vocabulary) Names() []string { return slices.Clone(v.names) }

// Equal returns whether both vocabularies have the same names in the same order.
func (v *Vocabulary) Equal(other *Vocabulary) bool {
	if v == nil || other == nil {
		return v == other
	}
	return slices.Equal(v.names, other.names)
}

// String implements fmt.Stringer.
func (v *Vocabulary) String() string {
	return "[" + strings.Join(v.names, ", ") + "]"
}

// Bytes returns the persisted representation: one name per line, each line terminated by "\n".
func (v *Vocabulary) Bytes() []byte {
	var buf bytes.Buffer
	for _, name := range v.names {
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Hash returns the hex encoded SHA-256 of Bytes. It is stored with the model artifact
// to detect a vocabulary that doesn't belong to it.
func (v *Vocabulary) Hash() string {
	sum := sha256.Sum256(v.Bytes())
	return hex.EncodeToString(sum[:])
}

// Write saves the vocabulary to filePath, creating the parent directory if needed.
// The file is written to a temporary file first and renamed into place.
func (v *Vocabulary) Write(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for vocabulary %q", filePath)
	}
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, v.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write vocabulary to %q", tmpPath)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move vocabulary into %q", filePath)
	}
	return nil
}

// Read loads a vocabulary written by Vocabulary.Write.
func Read(filePath string) (*Vocabulary, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary from %q", filePath)
	}
	v, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "vocabulary file %q", filePath)
	}
	return v, nil
}

// Parse parses the persisted representation of a vocabulary.
// A final line break is optional, but empty lines in between are an error.
func Parse(contents []byte) (*Vocabulary, error) {
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			return nil, errors.Errorf("empty class name in line %d", lineNum)
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to parse vocabulary")
	}
	return New(names)
}
