package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

var trainBatchRegexp = regexp.MustCompile(`^data_batch_[0-9]+\.bin$`)

// DiscoverBatches returns the paths of the training batch files beneath
// root, sorted by name.
func DiscoverBatches(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrMissingFile, root)
		}
		return nil, errors.Wrap(err, "discover batches")
	}
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if trainBatchRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover batches")
	}
	sort.Slice(entries, func(i, j int) bool {
		return filepath.Base(entries[i]) < filepath.Base(entries[j])
	})
	return entries, nil
}
