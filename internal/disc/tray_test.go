package disc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDriveStatusString(t *testing.T) {
	for status, want := range map[DriveStatus]string{
		DriveStatusNoDisc:   "no_disc",
		DriveStatusTrayOpen: "tray_open",
		DriveStatusDiscOK:   "disc_ok",
		DriveStatus(42):     "unknown(42)",
	} {
		if got := status.String(); got != want {
			t.Errorf("DriveStatus(%d) = %q, want %q", int(status), got, want)
		}
	}
}

func TestCheckDriveStatusBadDevice(t *testing.T) {
	for _, device := range []string{"", "  ", "/dev/ripline-missing-drive"} {
		if _, err := CheckDriveStatus(device); err == nil {
			t.Errorf("CheckDriveStatus(%q) succeeded", device)
		}
	}
}

// scripted returns each status in turn, repeating the last one.
func scripted(calls *int, seq ...DriveStatus) StatusFunc {
	return func(string) (DriveStatus, error) {
		i := *calls
		*calls++
		if i >= len(seq) {
			i = len(seq) - 1
		}
		return seq[i], nil
	}
}

func TestWaitForReady(t *testing.T) {
	tests := []struct {
		name      string
		seq       []DriveStatus
		polls     int
		want      DriveStatus
		wantCalls int
		wantErr   bool
	}{
		{"spins up", []DriveStatus{DriveStatusTrayOpen, DriveStatusNotReady, DriveStatusDiscOK}, 5, DriveStatusDiscOK, 3, false},
		{"ready at once", []DriveStatus{DriveStatusDiscOK}, 5, DriveStatusDiscOK, 1, false},
		{"empty drive", []DriveStatus{DriveStatusNoDisc}, 2, DriveStatusNoDisc, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := WaitForReady(context.Background(), "/dev/sr0", scripted(&calls, tt.seq...), tt.polls, time.Millisecond)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want || calls != tt.wantCalls {
				t.Fatalf("got %s after %d polls, want %s after %d", got, calls, tt.want, tt.wantCalls)
			}
		})
	}
}

func TestWaitForReadyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := WaitForReady(ctx, "/dev/sr0", scripted(&calls, DriveStatusNotReady), 10, time.Hour)
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err = %v after %d polls", err, calls)
	}
}

func TestWaitForReadyReturnsStatusError(t *testing.T) {
	boom := errors.New("boom")
	status := func(string) (DriveStatus, error) { return DriveStatusNoInfo, boom }
	if _, err := WaitForReady(context.Background(), "/dev/sr0", status, 3, time.Millisecond); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
