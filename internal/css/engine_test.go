package css_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"ripline/internal/css"
	"ripline/internal/css/csstest"
	"ripline/internal/services"
	"ripline/internal/testsupport"
)

func openEngine(t *testing.T, drive *csstest.Drive) *css.Engine {
	t.Helper()
	engine, err := css.Open(context.Background(), drive, css.Options{PlayerKeys: []css.PlayerKey{csstest.DefaultPlayerKey}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestEngineLifecycle(t *testing.T) {
	drive := csstest.New()
	titleKey := css.Key{0x10, 0x20, 0x30, 0x40, 0x50}
	drive.AddTitle(1016, titleKey)

	engine := openEngine(t, drive)
	if engine.State() != css.StateAuthenticated {
		t.Fatalf("state after Open = %s", engine.State())
	}

	discKey, err := engine.ObtainDiscKey(context.Background())
	if err != nil {
		t.Fatalf("ObtainDiscKey: %v", err)
	}
	if discKey != drive.DiscKey {
		t.Fatalf("disc key = %s, want %s", discKey, drive.DiscKey)
	}
	if engine.State() != css.StateKeyObtained {
		t.Fatalf("state after disc key = %s", engine.State())
	}

	got, err := engine.TitleKey(context.Background(), 1, 1016)
	if err != nil {
		t.Fatalf("TitleKey: %v", err)
	}
	if got != titleKey {
		t.Fatalf("title key = %s, want %s", got, titleKey)
	}
	if engine.State() != css.StateReady {
		t.Fatalf("state after title key = %s", engine.State())
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if engine.State() != css.StateClosed {
		t.Fatalf("state after Close = %s", engine.State())
	}
	if len(drive.Invalidated()) != 1 {
		t.Fatalf("expected AGID release on Close, got %v", drive.Invalidated())
	}
}

func TestTitleKeyIsMemoized(t *testing.T) {
	drive := csstest.New()
	drive.AddTitle(2016, css.Key{1, 2, 3, 4, 5})
	engine := openEngine(t, drive)
	if _, err := engine.ObtainDiscKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := engine.TitleKey(context.Background(), 2, 2016); err != nil {
			t.Fatalf("TitleKey: %v", err)
		}
	}
	if n := drive.Calls(csstest.StepTitleKey); n != 1 {
		t.Fatalf("title key read %d times, want 1", n)
	}
}

func TestOpenFailsAtEachHandshakeStep(t *testing.T) {
	for _, step := range []string{
		csstest.StepAGID,
		csstest.StepChallenge,
		csstest.StepKey1,
		csstest.StepDriveChallenge,
		csstest.StepKey2,
	} {
		t.Run(step, func(t *testing.T) {
			drive := csstest.New()
			drive.FailAt = step
			_, err := css.Open(context.Background(), drive, css.Options{})
			if !errors.Is(err, services.ErrAuthenticationFailed) {
				t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
			}
			if n := drive.Calls(csstest.StepAGID); n != 1 {
				t.Fatalf("handshake retried: %d AGID requests", n)
			}
		})
	}
}

func TestOpenRejectsWrongKey1(t *testing.T) {
	drive := csstest.New()
	drive.WrongKey1 = true
	if _, err := css.Open(context.Background(), drive, css.Options{}); !errors.Is(err, services.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if drive.Calls(csstest.StepKey2) != 0 {
		t.Fatal("KEY2 should not be sent after a bad KEY1")
	}
}

func TestDiscKeyFailureBreaksSession(t *testing.T) {
	drive := csstest.New()
	drive.AddTitle(1016, css.Key{9, 9, 9, 9, 9})
	engine, err := css.Open(context.Background(), drive, css.Options{
		PlayerKeys: []css.PlayerKey{{Index: 3, Key: css.Key{0xDE, 0xAD, 0xBE, 0xEF, 0x00}}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer engine.Close()

	if _, err := engine.ObtainDiscKey(context.Background()); !errors.Is(err, services.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if engine.State() != css.StateBroken {
		t.Fatalf("state = %s, want broken", engine.State())
	}
	if _, err := engine.TitleKey(context.Background(), 1, 1016); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from broken session, got %v", err)
	}
}

func TestTitleKeyBeforeDiscKey(t *testing.T) {
	engine := openEngine(t, csstest.New())
	if _, err := engine.TitleKey(context.Background(), 1, 0); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDecryptSectorPassesThroughClearSectors(t *testing.T) {
	engine := openEngine(t, csstest.New())
	sector := testsupport.PatternSector(42)
	original := append([]byte(nil), sector...)

	out, err := engine.DecryptSector(sector, 42, 1)
	if err != nil {
		t.Fatalf("DecryptSector: %v", err)
	}
	if !bytes.Equal(out, original) {
		t.Fatal("clear sector was modified")
	}
}

func TestDecryptSectorRoundTrip(t *testing.T) {
	drive := csstest.New()
	titleKey := css.Key{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	drive.AddTitle(1016, titleKey)
	engine := openEngine(t, drive)
	if _, err := engine.ObtainDiscKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.TitleKey(context.Background(), 1, 1016); err != nil {
		t.Fatal(err)
	}

	plain := testsupport.PatternSector(4)
	scrambled := append([]byte(nil), plain...)
	drive.Transform(scrambled, 1020)
	if !css.IsScrambled(scrambled) {
		t.Fatal("transform did not scramble the sector")
	}
	if bytes.Equal(scrambled[0x80:], plain[0x80:]) {
		t.Fatal("payload unchanged by scrambling")
	}

	out, err := engine.DecryptSector(scrambled, 1020, 1)
	if err != nil {
		t.Fatalf("DecryptSector: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatal("descrambled sector differs from plaintext")
	}

	wrongLBA, err := engine.DecryptSector(scrambled, 1022, 1)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(wrongLBA, plain) {
		t.Fatal("keystream should depend on the sector number")
	}
}

func TestDecryptSectorNeedsTitleKey(t *testing.T) {
	engine := openEngine(t, csstest.New())
	sector := testsupport.PatternSector(0)
	css.LFSRCipher{}.ScrambleSector(css.Key{1, 1, 1, 1, 1}, 0, sector)
	if _, err := engine.DecryptSector(sector, 0, 3); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := engine.DecryptSector(sector[:100], 0, 3); !errors.Is(err, services.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat for short sector, got %v", err)
	}
}
