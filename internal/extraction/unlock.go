package extraction

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"ripline/internal/aacs"
	"ripline/internal/config"
	"ripline/internal/css"
	"ripline/internal/disc"
	"ripline/internal/disc/fingerprint"
	"ripline/internal/keydb"
	"ripline/internal/logging"
	"ripline/internal/services"
)

// unlocker decrypts the sectors of one source. Sessions open lazily on the
// first protected sector so unprotected sources never touch the drive.
type unlocker interface {
	protected(sector []byte) bool
	// prepare makes the key for title available; lba is the title's first
	// sector for DVDs and unused for Blu-ray.
	prepare(ctx context.Context, title int, lba uint32) error
	decrypt(sector []byte, lba uint32, title int) ([]byte, error)
	Close() error
}

type passthrough struct{}

func (passthrough) protected([]byte) bool                             { return false }
func (passthrough) prepare(context.Context, int, uint32) error        { return nil }
func (passthrough) decrypt(s []byte, _ uint32, _ int) ([]byte, error) { return s, nil }
func (passthrough) Close() error                                      { return nil }

type cssUnlocker struct {
	device string
	open   DriveOpener
	keys   []css.PlayerKey
	logger *slog.Logger

	drive  Drive
	engine *css.Engine
}

func (u *cssUnlocker) protected(sector []byte) bool { return css.IsScrambled(sector) }

func (u *cssUnlocker) prepare(ctx context.Context, title int, lba uint32) error {
	if u.engine == nil {
		drive, err := u.open(ctx, u.device)
		if err != nil {
			return err
		}
		u.drive = drive
		engine, err := css.Open(ctx, drive.CSS(), css.Options{PlayerKeys: u.keys, Logger: u.logger})
		if err != nil {
			return err
		}
		u.engine = engine
		if _, err := engine.ObtainDiscKey(ctx); err != nil {
			return err
		}
	}
	_, err := u.engine.TitleKey(ctx, title, lba)
	return err
}

func (u *cssUnlocker) decrypt(sector []byte, lba uint32, title int) ([]byte, error) {
	return u.engine.DecryptSector(sector, lba, title)
}

func (u *cssUnlocker) Close() error {
	var errs []error
	if u.engine != nil {
		errs = append(errs, u.engine.Close())
	}
	if u.drive != nil {
		errs = append(errs, u.drive.Close())
	}
	return errors.Join(errs...)
}

type aacsUnlocker struct {
	root        string
	device      string
	open        DriveOpener
	credentials func() (aacs.Credentials, error)
	processing  []aacs.Key
	catalog     *keydb.Catalog
	logger      *slog.Logger

	drive  Drive
	engine *aacs.Engine
}

func (u *aacsUnlocker) protected(sector []byte) bool { return aacs.IsEncrypted(sector) }

func (u *aacsUnlocker) prepare(ctx context.Context, playlist int, _ uint32) error {
	if u.engine == nil {
		if err := u.openSession(ctx); err != nil {
			return err
		}
	}
	_, err := u.engine.TitleKey(ctx, playlist)
	return err
}

func (u *aacsUnlocker) openSession(ctx context.Context) error {
	creds, err := u.credentials()
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "extraction", "aacs credentials", "", err)
	}
	opts := aacs.Options{
		Credentials:    creds,
		ProcessingKeys: append([]aacs.Key(nil), u.processing...),
		UnitKeys:       aacs.NewUnitKeyFile(filepath.Join(u.root, "AACS", "Unit_Key_RO.inf")),
		Logger:         u.logger,
	}
	if u.catalog != nil {
		if extra, err := u.catalog.ProcessingKeys(ctx); err != nil {
			logging.WarnWithContext(u.logger, "keydb processing keys unavailable", "keydb_unavailable",
				logging.Error(err),
				logging.String(logging.FieldImpact, "only configured processing keys are tried"),
			)
		} else {
			for _, k := range extra {
				opts.ProcessingKeys = append(opts.ProcessingKeys, aacs.Key(k))
			}
		}
		if vuk, title := u.lookupVolumeKey(ctx); vuk != nil {
			opts.VolumeKey = vuk
			u.logger.Info("volume key found in keydb",
				logging.Args(logging.DecisionAttrs("volume_key_source", "keydb", title)...)...)
		}
	}

	drive, err := u.open(ctx, u.device)
	if err != nil {
		return err
	}
	u.drive = drive
	engine, err := aacs.Open(ctx, drive.AACS(), opts)
	if err != nil {
		return err
	}
	u.engine = engine
	_, err = engine.ObtainVolumeKey(ctx)
	return err
}

func (u *aacsUnlocker) lookupVolumeKey(ctx context.Context) (*aacs.Key, string) {
	discID, err := fingerprint.AACSDiscID(u.root)
	if err != nil {
		return nil, ""
	}
	entry, ok, err := u.catalog.Lookup(ctx, discID)
	if err != nil || !ok || entry.VolumeKey == nil {
		return nil, ""
	}
	key := aacs.Key(*entry.VolumeKey)
	return &key, entry.Title
}

func (u *aacsUnlocker) decrypt(sector []byte, lba uint32, playlist int) ([]byte, error) {
	return u.engine.DecryptSector(sector, lba, playlist)
}

func (u *aacsUnlocker) Close() error {
	var errs []error
	if u.engine != nil {
		errs = append(errs, u.engine.Close())
	}
	if u.drive != nil {
		errs = append(errs, u.drive.Close())
	}
	return errors.Join(errs...)
}

func (e *Extractor) newUnlocker(media *disc.Media, device string) (unlocker, error) {
	if strings.EqualFold(e.cfg.Drive.Decryption, "off") {
		return passthrough{}, nil
	}
	logger := e.logger
	if media.Kind == disc.KindDVD {
		keys, err := playerKeys(e.cfg)
		if err != nil {
			return nil, err
		}
		return &cssUnlocker{device: device, open: e.openDrive, keys: keys, logger: logger}, nil
	}
	processing, err := processingKeys(e.cfg)
	if err != nil {
		return nil, err
	}
	return &aacsUnlocker{
		root:        media.Root,
		device:      device,
		open:        e.openDrive,
		credentials: e.credentials,
		processing:  processing,
		catalog:     e.catalog,
		logger:      logger,
	}, nil
}

func playerKeys(cfg *config.Config) ([]css.PlayerKey, error) {
	keys := make([]css.PlayerKey, 0, len(cfg.CSS.PlayerKeys))
	for i, entry := range cfg.CSS.PlayerKeys {
		index, key, err := config.ParsePlayerKey(entry)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "extraction", "player keys",
				fmt.Sprintf("css.player_keys[%d]", i), err)
		}
		keys = append(keys, css.PlayerKey{Index: index, Key: css.Key(key)})
	}
	return keys, nil
}

func processingKeys(cfg *config.Config) ([]aacs.Key, error) {
	keys := make([]aacs.Key, 0, len(cfg.AACS.ProcessingKeys))
	for i, value := range cfg.AACS.ProcessingKeys {
		raw, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil || len(raw) != len(aacs.Key{}) {
			return nil, services.Wrap(services.ErrConfiguration, "extraction", "processing keys",
				fmt.Sprintf("aacs.processing_keys[%d] is not a 128-bit hex key", i), err)
		}
		var key aacs.Key
		copy(key[:], raw)
		keys = append(keys, key)
	}
	return keys, nil
}
