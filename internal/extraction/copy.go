package extraction

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ripline/internal/disc"
	"ripline/internal/dvd"
	"ripline/internal/fileutil"
	"ripline/internal/services"
)

const sectorSize = dvd.SectorSize

// copyNavigation mirrors the IFO/BUP or BDMV metadata files into
// scratch/nav, keeping their relative layout.
func copyNavigation(ctx context.Context, media *disc.Media, scratch string) ([]string, error) {
	var files []string
	switch {
	case media.DVD != nil:
		entries, err := os.ReadDir(media.DVD.VideoTS)
		if err != nil {
			return nil, services.Wrap(services.ErrInvalidFormat, stageName, "copy navigation", media.DVD.VideoTS, err)
		}
		for _, entry := range entries {
			ext := strings.ToUpper(filepath.Ext(entry.Name()))
			if entry.IsDir() || (ext != ".IFO" && ext != ".BUP") {
				continue
			}
			files = append(files, filepath.Join(media.DVD.VideoTS, entry.Name()))
		}
	case media.BluRay != nil:
		bdmv := media.BluRay.BDMV
		for _, name := range []string{"index.bdmv", "MovieObject.bdmv"} {
			if path := filepath.Join(bdmv, name); fileExists(path) {
				files = append(files, path)
			}
		}
		for _, sub := range []string{"PLAYLIST", "CLIPINF"} {
			entries, err := os.ReadDir(filepath.Join(bdmv, sub))
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if !entry.IsDir() {
					files = append(files, filepath.Join(bdmv, sub, entry.Name()))
				}
			}
		}
	}

	navDir := filepath.Join(scratch, "nav")
	copied := make([]string, 0, len(files))
	for _, src := range files {
		if err := services.CheckCancelled(ctx, stageName); err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(media.Root, src)
		if err != nil {
			rel = filepath.Base(src)
		}
		dst := filepath.Join(navDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("create navigation dir: %w", err)
		}
		if _, err := fileutil.CopyVerified(src, dst); err != nil {
			return nil, services.Wrap(services.ErrTransient, stageName, "copy navigation", rel, err)
		}
		copied = append(copied, dst)
	}
	return copied, nil
}

// titleCopier streams titles sector by sector and tracks overall progress.
type titleCopier struct {
	media    *disc.Media
	unlock   unlocker
	scratch  string
	progress ProgressFunc
	total    uint64
	done     uint64
}

// span is a run of sectors in a source, read through a ReaderAt whose
// offset 0 is sector base.
type span struct {
	reader io.ReaderAt
	closer io.Closer
	first  uint32
	count  uint32
	// lbaBase is added to the reader-relative sector to get the cipher LBA.
	lbaBase uint32
}

func (c *titleCopier) copyTitle(ctx context.Context, title disc.TitleInfo) (StagedFile, error) {
	staged := StagedFile{Title: title.Number, Duration: title.Duration, Chapters: title.Chapters}
	var (
		spans   []span
		name    string
		keyLBA  uint32
		openErr error
	)
	if c.media.DVD != nil {
		name = fmt.Sprintf("title_%02d.vob", title.Number)
		spans, keyLBA, openErr = dvdSpans(c.media.DVD, title.Number)
	} else {
		name = fmt.Sprintf("playlist_%05d.m2ts", title.Number)
		spans, openErr = streamSpans(title.Files)
	}
	defer closeSpans(spans)
	if openErr != nil {
		return staged, openErr
	}

	staged.Path = filepath.Join(c.scratch, name)
	out, err := os.Create(staged.Path)
	if err != nil {
		return staged, services.Wrap(services.ErrTransient, stageName, "create output", staged.Path, err)
	}
	defer out.Close()
	w := bufio.NewWriterSize(out, 64*sectorSize)

	prepared := false
	buf := make([]byte, sectorSize)
	for _, sp := range spans {
		for i := uint32(0); i < sp.count; i++ {
			if err := services.CheckCancelled(ctx, stageName); err != nil {
				return staged, err
			}
			rel := sp.first + i
			n, err := sp.reader.ReadAt(buf, int64(rel)*sectorSize)
			if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
				return staged, services.Wrap(services.ErrTransient, stageName, "read sector",
					fmt.Sprintf("title %d sector %d", title.Number, rel), err)
			}
			sector := buf[:n]
			if n == sectorSize && c.unlock.protected(sector) {
				if !prepared {
					if err := c.unlock.prepare(ctx, title.Number, keyLBA); err != nil {
						return staged, err
					}
					prepared = true
				}
				plain, err := c.unlock.decrypt(sector, sp.lbaBase+rel, title.Number)
				if err != nil {
					return staged, err
				}
				sector = plain
				staged.Decrypted++
			}
			if _, err := w.Write(sector); err != nil {
				return staged, services.Wrap(services.ErrTransient, stageName, "write sector", staged.Path, err)
			}
			staged.Sectors++
			c.done++
			if c.done%progressEvery == 0 {
				c.report(title.Number)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return staged, services.Wrap(services.ErrTransient, stageName, "flush output", staged.Path, err)
	}
	if err := out.Close(); err != nil {
		return staged, services.Wrap(services.ErrTransient, stageName, "close output", staged.Path, err)
	}
	c.report(title.Number)
	return staged, nil
}

func (c *titleCopier) report(title int) {
	if c.total == 0 {
		return
	}
	fraction := float64(c.done) / float64(c.total)
	if fraction > 1 {
		fraction = 1
	}
	c.progress(fraction, progressMessage(title, c.done, c.total))
}

// dvdSpans maps the title's cells onto its title set VOB files. Cell
// sectors are relative to the first VOB sector, so the cipher LBA is
// VOBStartSector plus the relative sector.
func dvdSpans(d *dvd.Disc, number int) ([]span, uint32, error) {
	title, ok := d.Title(number)
	if !ok {
		return nil, 0, services.Wrap(services.ErrNotFound, stageName, "open title", fmt.Sprintf("title %d", number), nil)
	}
	if len(title.VOBs) == 0 {
		return nil, 0, services.Wrap(services.ErrInvalidFormat, stageName, "open title",
			fmt.Sprintf("title %d has no VOB files", number), nil)
	}
	set, err := openConcat(title.VOBs)
	if err != nil {
		return nil, 0, err
	}
	spans := make([]span, 0, len(title.Chapters))
	for i, ch := range title.Chapters {
		sp := span{reader: set, first: ch.StartSector, count: ch.Sectors(), lbaBase: title.VOBStartSector}
		if i == 0 {
			sp.closer = set
		}
		spans = append(spans, sp)
	}
	if len(spans) == 0 {
		set.Close()
	}
	return spans, title.VOBStartSector, nil
}

// streamSpans covers each clip file of a playlist in full. AACS sector
// numbers restart at zero in every stream file.
func streamSpans(files []string) ([]span, error) {
	spans := make([]span, 0, len(files))
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			closeSpans(spans)
			return nil, services.Wrap(services.ErrInvalidFormat, stageName, "open stream", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			closeSpans(spans)
			return nil, services.Wrap(services.ErrInvalidFormat, stageName, "stat stream", path, err)
		}
		count := uint32((info.Size() + sectorSize - 1) / sectorSize)
		spans = append(spans, span{reader: f, closer: f, count: count})
	}
	return spans, nil
}

func closeSpans(spans []span) {
	for _, sp := range spans {
		if sp.closer != nil {
			_ = sp.closer.Close()
		}
	}
}

func totalSectors(media *disc.Media, titles []disc.TitleInfo) uint64 {
	var total uint64
	for _, t := range titles {
		if media.DVD != nil {
			total += t.Sectors
			continue
		}
		for _, path := range t.Files {
			if info, err := os.Stat(path); err == nil {
				total += uint64((info.Size() + sectorSize - 1) / sectorSize)
			}
		}
	}
	return total
}

// concatFile presents a VOB set as one contiguous ReaderAt.
type concatFile struct {
	files  []*os.File
	starts []int64
	size   int64
}

func openConcat(paths []string) (*concatFile, error) {
	c := &concatFile{}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			c.Close()
			return nil, services.Wrap(services.ErrInvalidFormat, stageName, "open vob", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			c.Close()
			return nil, services.Wrap(services.ErrInvalidFormat, stageName, "stat vob", path, err)
		}
		c.files = append(c.files, f)
		c.starts = append(c.starts, c.size)
		c.size += info.Size()
	}
	return c, nil
}

func (c *concatFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= c.size {
		return 0, io.EOF
	}
	read := 0
	for read < len(p) && off < c.size {
		idx := len(c.starts) - 1
		for idx > 0 && c.starts[idx] > off {
			idx--
		}
		n, err := c.files[idx].ReadAt(p[read:], off-c.starts[idx])
		read += n
		off += int64(n)
		if err != nil && !errors.Is(err, io.EOF) {
			return read, err
		}
		if n == 0 {
			break
		}
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

func (c *concatFile) Close() error {
	var errs []error
	for _, f := range c.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// WriteManifest records result in scratch, replacing any earlier manifest.
func WriteManifest(scratch string, result Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(scratch, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "write manifest", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(scratch, manifestName)); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "write manifest", scratch, err)
	}
	return nil
}

// ReadManifest loads the manifest of a completed scratch directory.
func ReadManifest(scratch string) (Result, error) {
	var result Result
	data, err := os.ReadFile(filepath.Join(scratch, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, services.Wrap(services.ErrNotFound, stageName, "read manifest", scratch, err)
		}
		return result, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, services.Wrap(services.ErrInvalidFormat, stageName, "read manifest", scratch, err)
	}
	return result, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
