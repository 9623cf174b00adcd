package sandbox

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"maps"
	"slices"
)

// ManifestPath marks a file set as a runnable project.
const ManifestPath = "package.json"

//go:embed boilerplate
var boilerplateFS embed.FS

// Boilerplate returns a fresh copy of the default Vite + React project.
func Boilerplate() map[string]string {
	files := make(map[string]string)
	err := fs.WalkDir(boilerplateFS, "boilerplate", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := boilerplateFS.ReadFile(p)
		if err != nil {
			return err
		}
		files[p[len("boilerplate/"):]] = string(data)
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("read embedded boilerplate: %v", err))
	}
	return files
}

func HasManifest(files map[string]string) bool {
	_, ok := files[ManifestPath]
	return ok
}

// SeedFiles builds the file set a run starts from. Without a manifest the
// boilerplate is laid down first and target files overlay it.
func SeedFiles(target map[string]string) map[string]string {
	normalized := NormalizeFiles(target)
	if HasManifest(normalized) {
		return normalized
	}
	out := Boilerplate()
	maps.Copy(out, normalized)
	return out
}

// Restore writes the seeded file set into h in sorted path order and returns it.
// Writing the same set twice leaves the sandbox unchanged.
func Restore(ctx context.Context, h Handle, target map[string]string) (map[string]string, error) {
	files := SeedFiles(target)
	for _, p := range slices.Sorted(maps.Keys(files)) {
		if err := h.WriteFile(ctx, p, files[p]); err != nil {
			return nil, fmt.Errorf("restore %s: %w", p, err)
		}
	}
	return files, nil
}
