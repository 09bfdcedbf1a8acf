package daemon

import (
	"strings"
	"testing"
)

func TestRenderUnit(t *testing.T) {
	got := renderUnit("/usr/local/bin/feeder", "/etc/pawsense/feeder.yaml", "/run/pawsense.sock")

	want := "ExecStart=/usr/local/bin/feeder daemon --config=/etc/pawsense/feeder.yaml --daemon-socket=/run/pawsense.sock\n"
	if !strings.Contains(got, want) {
		t.Fatalf("unit is missing %q:\n%s", want, got)
	}
	if strings.Contains(got, "/path/to/feeder") {
		t.Fatalf("placeholder left in unit:\n%s", got)
	}
}
