package keydb

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ripline/internal/logging"
)

const (
	defaultCatalogMaxAge   = 7 * 24 * time.Hour
	defaultDownloadTimeout = 5 * time.Minute
)

// Key is a 128-bit key from the catalog.
type Key [16]byte

// Entry is one disc record.
type Entry struct {
	DiscID    string
	Title     string
	VolumeKey *Key
	MediaKey  *Key
	VolumeID  *Key
	UnitKeys  map[int]Key
}

// Catalog lazily loads and caches KEYDB entries for lookup by disc ID.
type Catalog struct {
	path           string
	mu             sync.RWMutex
	entries        map[string]Entry
	processingKeys []Key
	modTime        time.Time
	maxAge         time.Duration
	refresh        sync.Mutex
	refreshing     atomic.Bool
	logger         *slog.Logger
	downloadURL    string
	client         *http.Client
}

// NewCatalog creates a catalog for the KEYDB path. An empty path returns nil;
// a nil Catalog answers every lookup with "not found".
func NewCatalog(path string, logger *slog.Logger, downloadURL string, timeout time.Duration) *Catalog {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	return &Catalog{
		path:        trimmed,
		maxAge:      defaultCatalogMaxAge,
		logger:      logging.NewComponentLogger(logger, "keydb"),
		downloadURL: strings.TrimSpace(downloadURL),
		client:      &http.Client{Timeout: timeout},
	}
}

// Lookup returns the entry for discID, if present.
func (c *Catalog) Lookup(ctx context.Context, discID string) (Entry, bool, error) {
	if c == nil {
		return Entry{}, false, nil
	}
	normalized := normalizeDiscID(discID)
	if normalized == "" {
		return Entry{}, false, nil
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return Entry{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[normalized]
	return entry, ok, nil
}

// ProcessingKeys returns the catalog's global processing keys.
func (c *Catalog) ProcessingKeys(ctx context.Context) ([]Key, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Key(nil), c.processingKeys...), nil
}

// Refresh downloads the catalog now, replacing the file on disk.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c == nil {
		return errors.New("keydb path not configured")
	}
	if c.downloadURL == "" {
		return errors.New("keydb download url not configured")
	}
	if err := c.refreshRemote(ctx); err != nil {
		return err
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	return c.loadFromDisk(info)
}

func (c *Catalog) ensureLoaded(ctx context.Context) error {
	info, err := os.Stat(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if c.downloadURL == "" {
			c.setEmpty()
			return nil
		}
		if err := c.refreshRemote(ctx); err != nil {
			c.warnRefresh(err)
			c.setEmpty()
			return nil
		}
		if info, err = os.Stat(c.path); err != nil {
			c.setEmpty()
			return nil
		}
	}

	c.mu.RLock()
	alreadyLoaded := c.entries != nil && c.modTime.Equal(info.ModTime())
	c.mu.RUnlock()
	if !alreadyLoaded {
		if err := c.loadFromDisk(info); err != nil {
			return err
		}
	}
	c.refreshRemoteAsync()
	return nil
}

func (c *Catalog) setEmpty() {
	c.mu.Lock()
	c.entries = map[string]Entry{}
	c.processingKeys = nil
	c.modTime = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) warnRefresh(err error) {
	logging.WarnWithContext(c.logger, "keydb refresh failed; keydb lookups may be stale", "keydb_refresh_failed",
		logging.String("path", c.path),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check network access or set aacs.keydb_download_url"),
		logging.String(logging.FieldImpact, "Blu-ray discs without a configured processing key cannot be decrypted"),
	)
}

func (c *Catalog) needsRefresh() (bool, error) {
	if c.downloadURL == "" {
		return false, nil
	}
	info, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	if c.maxAge <= 0 {
		return false, nil
	}
	return time.Since(info.ModTime()) > c.maxAge, nil
}

func (c *Catalog) refreshRemoteAsync() {
	needsRefresh, err := c.needsRefresh()
	if err != nil || !needsRefresh {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if err := c.refreshRemote(context.Background()); err != nil {
			c.warnRefresh(err)
		}
	}()
}

func (c *Catalog) loadFromDisk(info fs.FileInfo) error {
	file, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer file.Close()

	entries, pks, err := Parse(file)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries = entries
	c.processingKeys = pks
	c.modTime = info.ModTime()
	c.mu.Unlock()
	c.logger.Debug("keydb catalog loaded",
		logging.String("path", c.path),
		logging.Int("entries", len(entries)),
		logging.Int("processing_keys", len(pks)),
	)
	return nil
}

// Parse reads KEYDB.cfg content. Disc lines look like
//
//	0x<disc id> = Title | D | date | V | 0x<vuk> | U | 1-0x<key> ; 2-0x<key>
//
// and processing keys appear on lines of the form "| PK | 0x<key>".
// Malformed lines are skipped.
func Parse(r io.Reader) (map[string]Entry, []Key, error) {
	entries := map[string]Entry{}
	var pks []Key
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "|") {
			fields := splitFields(line[1:])
			if len(fields) >= 2 && strings.EqualFold(fields[0], "PK") {
				if key, ok := parseKey(fields[1]); ok {
					pks = append(pks, key)
				}
			}
			continue
		}
		id, payload, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		discID := normalizeDiscID(id)
		if len(discID) != 40 {
			continue
		}
		if _, err := hex.DecodeString(discID); err != nil {
			continue
		}
		entries[discID] = parseEntry(discID, payload)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return entries, pks, nil
}

func parseEntry(discID, payload string) Entry {
	fields := splitFields(payload)
	entry := Entry{DiscID: discID}
	if len(fields) > 0 {
		entry.Title = cleanTitle(fields[0])
	}
	for i := 1; i+1 < len(fields); i += 2 {
		value := fields[i+1]
		switch strings.ToUpper(fields[i]) {
		case "V":
			if key, ok := parseKey(value); ok {
				entry.VolumeKey = &key
			}
		case "M":
			if key, ok := parseKey(value); ok {
				entry.MediaKey = &key
			}
		case "I":
			if key, ok := parseKey(value); ok {
				entry.VolumeID = &key
			}
		case "U":
			entry.UnitKeys = parseUnitKeys(value)
		}
	}
	return entry
}

func parseUnitKeys(value string) map[int]Key {
	out := map[int]Key{}
	for _, part := range strings.Split(value, ";") {
		num, raw, ok := strings.Cut(strings.TrimSpace(part), "-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			continue
		}
		if key, ok := parseKey(raw); ok {
			out[n] = key
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseKey(value string) (Key, bool) {
	var key Key
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != len(key) {
		return key, false
	}
	copy(key[:], raw)
	return key, true
}

func splitFields(s string) []string {
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func stripComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return ""
	}
	return line
}

func normalizeDiscID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	return strings.TrimSpace(strings.TrimPrefix(id, "0X"))
}

// cleanTitle prefers a bracketed alias ("Name [Alias]") when present.
func cleanTitle(title string) string {
	if start := strings.Index(title, "["); start != -1 {
		if end := strings.Index(title[start:], "]"); end != -1 {
			if alias := strings.TrimSpace(title[start+1 : start+end]); alias != "" {
				return alias
			}
		}
		return strings.TrimSpace(title[:start])
	}
	return strings.TrimSpace(title)
}

func (c *Catalog) refreshRemote(ctx context.Context) error {
	c.refresh.Lock()
	defer c.refresh.Unlock()

	c.logger.Debug("downloading keydb catalog", logging.String("url", c.downloadURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.downloadURL, nil)
	if err != nil {
		return fmt.Errorf("build keydb request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download keydb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download keydb: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("download keydb: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open keydb archive: %w", err)
	}

	var cfgData []byte
	for _, file := range zr.File {
		if !strings.EqualFold(filepath.Base(file.Name), "KEYDB.cfg") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open keydb entry: %w", err)
		}
		cfgData, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read keydb entry: %w", err)
		}
		break
	}
	if len(cfgData) == 0 {
		return errors.New("keydb archive missing KEYDB.cfg")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create keydb directory: %w", err)
	}
	tempPath := c.path + ".tmp"
	if err := os.WriteFile(tempPath, cfgData, 0o644); err != nil {
		return fmt.Errorf("write keydb temp file: %w", err)
	}
	if err := os.Rename(tempPath, c.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("replace keydb file: %w", err)
	}
	c.logger.Info("keydb catalog refreshed",
		logging.String(logging.FieldEventType, "keydb_refreshed"),
		logging.String("path", c.path),
		logging.Int("bytes", len(cfgData)),
	)
	return nil
}
