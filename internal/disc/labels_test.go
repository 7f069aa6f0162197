package disc

import "testing"

func TestIsGenericLabel(t *testing.T) {
	generic := []string{"", "   ", "LOGICAL_VOLUME_ID", "DVD_VIDEO", "BD_ROM", "untitled", "VOLUME_1", "12345", "ABC", "X1", "disk_2"}
	for _, label := range generic {
		if !IsGenericLabel(label) {
			t.Errorf("IsGenericLabel(%q) = false", label)
		}
	}
	for _, label := range []string{"THE_MATRIX", "Inception", "ABCDE", "ALIEN_1979", "Jaws", "Up", "Beta", "heat"} {
		if IsGenericLabel(label) {
			t.Errorf("IsGenericLabel(%q) = true", label)
		}
	}
}

func TestDisplayTitle(t *testing.T) {
	cases := map[[2]string]string{
		{"THE_MATRIX", "/media/sr0"}:        "The Matrix",
		{"THE_MATRIX_DISC_1", "/media/sr0"}: "The Matrix",
		{"LOTR.FOTR-BD2", "/media/sr0"}:     "Lotr Fotr",
		{"Blade Runner 2049", "/media/sr0"}: "Blade Runner 2049",
		{"DVD_VIDEO", "/srv/rips/ALIEN"}:    "Alien",
		{"", "/srv/rips/heat_1995"}:         "Heat 1995",
		{"", "/"}:                           "Unknown Disc",
		{"VOLUME_ID", "/mnt/12345"}:         "Unknown Disc",
		{"DISC_1", "/media/sr0"}:            "Unknown Disc",
		{"Jaws", "/media/sr0"}:              "Jaws",
		{"Up", "/media/sr0"}:                "Up",
		{"heat", "/media/sr0"}:              "Heat",
		{"JAWS", "/srv/rips/Jaws"}:          "Jaws",
	}
	for in, want := range cases {
		if got := DisplayTitle(in[0], in[1]); got != want {
			t.Errorf("DisplayTitle(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}
