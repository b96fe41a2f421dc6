package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/allvpv/partclone-nbd/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoadDefaultsEmptyPath(t *testing.T) {
	d, err := config.LoadDefaults("")
	if err != nil {
		t.Fatalf("LoadDefaults(\"\"): %v", err)
	}
	if d != (config.Defaults{}) {
		t.Fatalf("expected zero Defaults, got %+v", d)
	}
}

func TestLoadDefaultsParsesYAML(t *testing.T) {
	path := writeTemp(t, `
port: 11809
device: /dev/nbd3
elems_per_cache: 1024
log_file: /var/log/partclone-nbd.log
quiet: true
`)
	d, err := config.LoadDefaults(path)
	if err != nil {
		t.Fatalf("LoadDefaults: %v", err)
	}
	if d.Port != 11809 || d.Device != "/dev/nbd3" || d.ElemsPerCache != 1024 ||
		d.LogFile != "/var/log/partclone-nbd.log" || !d.Quiet {
		t.Fatalf("unexpected defaults: %+v", d)
	}
}

func TestLoadDefaultsRejectsMissingFile(t *testing.T) {
	_, err := config.LoadDefaults(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadDefaultsRejectsMalformedYAML(t *testing.T) {
	path := writeTemp(t, "port: [this is not an int\n")
	_, err := config.LoadDefaults(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMergeFlagsOverrideDefaultsWhenSet(t *testing.T) {
	d := config.Defaults{Port: 10809, Device: "/dev/nbd0", LogFile: "/var/log/from-file.log"}
	flags := config.Config{Port: 11000, Device: "/dev/nbd9"}
	set := map[string]bool{"port": true, "device": true}

	got := config.Merge(d, flags, set)
	if got.Port != 11000 {
		t.Errorf("Port = %d, want 11000 (explicit flag wins)", got.Port)
	}
	if got.Device != "/dev/nbd9" {
		t.Errorf("Device = %q, want /dev/nbd9 (explicit flag wins)", got.Device)
	}
	if got.LogFile != "/var/log/from-file.log" {
		t.Errorf("LogFile = %q, want value from defaults file (flag unset)", got.LogFile)
	}
}

func TestMergeDefaultsFillUnsetFlags(t *testing.T) {
	d := config.Defaults{Port: 10809, ElemsPerCache: 256, Debug: true}
	got := config.Merge(d, config.Config{}, map[string]bool{})

	if got.Port != 10809 || got.ElemsPerCache != 256 || !got.Debug {
		t.Fatalf("defaults were not applied: %+v", got)
	}
}

func TestValidateRequiresImagePath(t *testing.T) {
	err := config.Validate(config.Config{Mode: config.ModeServer, Port: 10809})
	if err == nil || !strings.Contains(err.Error(), "image path") {
		t.Fatalf("expected image path error, got %v", err)
	}
}

func TestValidateServerModeRequiresValidPort(t *testing.T) {
	err := config.Validate(config.Config{ImagePath: "disk.img", Mode: config.ModeServer, Port: 0})
	if err == nil || !strings.Contains(err.Error(), "port") {
		t.Fatalf("expected port error, got %v", err)
	}
}

func TestValidateClientModeRequiresDevice(t *testing.T) {
	err := config.Validate(config.Config{ImagePath: "disk.img", Mode: config.ModeClient})
	if err == nil || !strings.Contains(err.Error(), "device") {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestValidateRejectsQuietAndDebugTogether(t *testing.T) {
	err := config.Validate(config.Config{
		ImagePath: "disk.img", Mode: config.ModeServer, Port: 10809,
		Quiet: true, Debug: true,
	})
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually-exclusive error, got %v", err)
	}
}

func TestValidateAcceptsWellFormedServerConfig(t *testing.T) {
	err := config.Validate(config.Config{
		ImagePath: "disk.img", Mode: config.ModeServer, Port: 10809,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
