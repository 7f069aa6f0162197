package fingerprint

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"time"
)

// ErrNoAACS is returned by AACSDiscID for discs without an AACS directory.
var ErrNoAACS = errors.New("disc has no AACS unit key file")

// sampleLimit caps how much of each file the whole-tree fallback reads.
const sampleLimit = 64 * 1024

const defaultTimeout = 30 * time.Second

// layout names the navigation files that identify one disc format.
type layout struct {
	marker string
	files  []string
	dirs   map[string]string // directory -> lower-case suffix
}

var layouts = []layout{
	{
		marker: "BDMV",
		files:  []string{"BDMV/index.bdmv", "BDMV/MovieObject.bdmv"},
		dirs:   map[string]string{"BDMV/PLAYLIST": ".mpls", "BDMV/CLIPINF": ".clpi"},
	},
	{
		marker: "VIDEO_TS",
		dirs:   map[string]string{"VIDEO_TS": ".ifo"},
	},
}

// Compute returns a SHA-256 fingerprint for the disc tree under root.
func Compute(ctx context.Context, root string) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat disc root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("disc root %q is not a directory", root)
	}
	return ComputeFS(ctx, os.DirFS(root))
}

// ComputeFS fingerprints a disc tree. Navigation files are hashed in full;
// trees with no recognised layout fall back to a sampled walk of every file.
func ComputeFS(ctx context.Context, fsys fs.FS) (string, error) {
	for _, l := range layouts {
		if !isDir(fsys, l.marker) {
			continue
		}
		if files := l.collect(fsys); len(files) > 0 {
			return digest(ctx, fsys, files, 0)
		}
	}
	files, err := walkFiles(fsys)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.New("disc tree is empty")
	}
	return digest(ctx, fsys, files, sampleLimit)
}

// ComputeTimeout wraps Compute with a deadline for slow optical reads.
func ComputeTimeout(ctx context.Context, root string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Compute(ctx, root)
}

// AACSDiscID returns the upper-case hex SHA-1 of AACS/Unit_Key_RO.inf.
func AACSDiscID(root string) (string, error) {
	fsys := os.DirFS(root)
	for _, name := range []string{"AACS/Unit_Key_RO.inf", "AACS/UNIT_KEY_RO.INF", "aacs/Unit_Key_RO.inf", "aacs/UNIT_KEY_RO.INF"} {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			continue
		}
		sum := sha1.Sum(data)
		return strings.ToUpper(hex.EncodeToString(sum[:])), nil
	}
	return "", ErrNoAACS
}

func (l layout) collect(fsys fs.FS) []string {
	var files []string
	for _, name := range l.files {
		if info, err := fs.Stat(fsys, name); err == nil && info.Mode().IsRegular() {
			files = append(files, name)
		}
	}
	for dir, suffix := range l.dirs {
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.Type().IsRegular() && strings.HasSuffix(strings.ToLower(entry.Name()), suffix) {
				files = append(files, path.Join(dir, entry.Name()))
			}
		}
	}
	slices.Sort(files)
	return files
}

func walkFiles(fsys fs.FS) ([]string, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, name)
		}
		return nil
	})
	slices.Sort(files)
	return files, err
}

// digest hashes name, size and contents of each file in order. limit > 0
// reads at most limit bytes per file.
func digest(ctx context.Context, fsys fs.FS, files []string, limit int64) (string, error) {
	h := sha256.New()
	var size [8]byte
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f, err := fsys.Open(name)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", name, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return "", fmt.Errorf("stat %s: %w", name, err)
		}
		binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
		io.WriteString(h, name)
		h.Write([]byte{0})
		h.Write(size[:])

		var r io.Reader = f
		if limit > 0 {
			r = io.LimitReader(f, limit)
		}
		_, err = io.Copy(h, r)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isDir(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	return err == nil && info.IsDir()
}
