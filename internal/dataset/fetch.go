package dataset

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DefaultURL is the public location of the binary CIFAR-10 distribution.
const DefaultURL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"

// Fetch downloads url to dest unless dest already exists. The body is
// written to a temporary file that is renamed into place once complete.
func Fetch(ctx context.Context, client *http.Client, url, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "fetch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "fetch")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "fetch")
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "fetch %s", url)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return errors.Wrap(err, "fetch")
	}
	log.Printf("fetched url=%s bytes=%d dest=%s", url, n, dest)
	return nil
}

// Source says where to find the dataset.
type Source struct {
	Dir     string // extracted cifar-10-batches-bin directory
	Archive string // cifar-10-binary.tar.gz; takes precedence over Dir
	URL     string // when set, a missing archive is downloaded first
}

// Open loads the train and test splits from src.
func Open(ctx context.Context, src Source) (train, test *Split, err error) {
	archive := src.Archive
	if archive == "" && src.URL != "" {
		if _, err := os.Stat(src.Dir); err != nil {
			archive = filepath.Join(filepath.Dir(src.Dir), ArchiveName)
		}
	}
	if archive == "" {
		return LoadDir(ctx, src.Dir)
	}
	if src.URL != "" {
		if err := Fetch(ctx, nil, src.URL, archive); err != nil {
			return nil, nil, err
		}
	}
	return LoadArchive(ctx, archive)
}
