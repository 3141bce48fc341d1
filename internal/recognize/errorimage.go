package recognize

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"omr-viewer/internal/domain"
)

// LatestErrorImage returns the most recently modified image in dir.
// ok is false when dir is missing or holds no matching files. On equal
// modification times the later entry in listing order wins.
func LatestErrorImage(dir string, extensions []string) (domain.ErrorImage, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrorImage{}, false, nil
		}
		return domain.ErrorImage{}, false, err
	}

	images := make([]domain.ErrorImage, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !domain.HasExtension(entry.Name(), extensions) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		images = append(images, domain.ErrorImage{
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
		})
	}
	if len(images) == 0 {
		return domain.ErrorImage{}, false, nil
	}

	latest := lo.MaxBy(images, func(a, b domain.ErrorImage) bool {
		return !a.ModTime.Before(b.ModTime)
	})
	return latest, true, nil
}
