package dataset

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ImageFolderDataset indexes a directory tree where each subdirectory is a
// class. Class names map to label indices in sorted order.
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int32
	classNames []string
	classToIdx map[string]int32
}

// NewImageFolderDataset scans the directory structure under root. The
// default extensions are .jpg, .jpeg and .png.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int32),
	}

	// Glob returns sorted names, which fixes the class order.
	classes, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", root)
	}

	for _, classPath := range classes {
		info, err := os.Stat(classPath)
		if err != nil || !info.IsDir() {
			continue
		}

		className := filepath.Base(classPath)
		classIdx := int32(len(dataset.classNames))
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		files, err := filepath.Glob(filepath.Join(classPath, "*"))
		if err != nil {
			continue
		}
		for _, file := range files {
			if !hasExtension(file, extensions) {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

func hasExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	for _, want := range extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

// Len returns the number of samples.
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index.
func (d *ImageFolderDataset) GetItem(index int) (string, int32, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes.
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the class names in label order.
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// Stream returns a sequential one-pass entry stream over the folder. The
// file read happens outside the position lock, so concurrent callers
// overlap their I/O.
func (d *ImageFolderDataset) Stream() *FolderStream {
	return &FolderStream{dataset: d}
}

// FolderStream reads the folder's images in index order.
type FolderStream struct {
	dataset *ImageFolderDataset
	mu      sync.Mutex
	pos     int
}

// Next returns the next entry, or io.EOF after the last image.
func (s *FolderStream) Next() (*Entry, error) {
	s.mu.Lock()
	if s.pos >= s.dataset.Len() {
		s.mu.Unlock()
		return nil, io.EOF
	}
	index := s.pos
	s.pos++
	s.mu.Unlock()

	path, label, err := s.dataset.GetItem(index)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read image %s", path)
	}
	return &Entry{Key: path, Image: raw, Label: label}, nil
}

// Len returns the total number of entries the stream will yield.
func (s *FolderStream) Len() int {
	return s.dataset.Len()
}
