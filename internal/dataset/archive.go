package dataset

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// ArchiveName is the file name of the binary CIFAR-10 distribution.
const ArchiveName = "cifar-10-binary.tar.gz"

// LoadArchive reads the train and test splits straight out of a
// cifar-10-binary.tar.gz archive without extracting it.
func LoadArchive(ctx context.Context, path string) (train, test *Split, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Wrap(ErrMissingFile, path)
		}
		return nil, nil, errors.Wrap(err, "open archive")
	}
	defer f.Close()
	return readArchive(ctx, path, f)
}

func readArchive(ctx context.Context, name string, r io.Reader) (train, test *Split, err error) {
	gz, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrCorrupt, "%s: %v", name, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	trainFiles := make(map[string][]byte)
	var testFile []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrapf(ErrCorrupt, "%s: read tar: %v", name, err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(hdr.Name)
		switch {
		case trainBatchRegexp.MatchString(base):
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "read %s", hdr.Name)
			}
			trainFiles[base] = data
		case base == TestFile:
			if testFile, err = io.ReadAll(tr); err != nil {
				return nil, nil, errors.Wrapf(err, "read %s", hdr.Name)
			}
		default:
			// metadata and readme
			continue
		}
	}

	if len(trainFiles) == 0 {
		return nil, nil, errors.Wrapf(ErrMissingFile, "%s: no data_batch_*.bin entries", name)
	}
	if testFile == nil {
		return nil, nil, errors.Wrapf(ErrMissingFile, "%s: no %s entry", name, TestFile)
	}

	names := make([]string, 0, len(trainFiles))
	for n := range trainFiles {
		names = append(names, n)
	}
	sort.Strings(names)
	var images, labels []uint8
	for _, n := range names {
		img, lbl, err := decodeRecords(n, trainFiles[n])
		if err != nil {
			return nil, nil, err
		}
		images = append(images, img...)
		labels = append(labels, lbl...)
	}
	if train, err = NewSplit("train", images, labels); err != nil {
		return nil, nil, err
	}

	img, lbl, err := decodeRecords(TestFile, testFile)
	if err != nil {
		return nil, nil, err
	}
	if test, err = NewSplit("test", img, lbl); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}
