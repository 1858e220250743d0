package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Boot.Validate(); err != nil {
		t.Fatalf("Default().Boot.Validate() = %v", err)
	}
}

func TestBootInfoValidateRejectsBadMagic(t *testing.T) {
	b := Default().Boot
	b.Magic = "XXXX"
	if err := b.Validate(); err == nil {
		t.Fatalf("Validate() with bad magic should fail")
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	r, err := Load(nil, "/nonexistent/path/anyos-boot.yml")
	if err != nil {
		t.Fatalf("Load on missing file returned error: %v", err)
	}
	if r.Boot.Magic != BootMagic {
		t.Fatalf("Load fallback magic = %q, want %q", r.Boot.Magic, BootMagic)
	}
}

func TestParseCompositorConf(t *testing.T) {
	data := []byte("# comment\n/System/compositor/dock\n\n/System/compositor/menubar\n")
	got := ParseCompositorConf(data)
	want := []string{"/System/compositor/dock", "/System/compositor/menubar"}
	if len(got) != len(want) {
		t.Fatalf("ParseCompositorConf = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseBundleInfo(t *testing.T) {
	data := []byte("Name = Finder\nVersion=1.2.3\nEntry = /Applications/Finder.app/bin/finder\n")
	b := ParseBundleInfo(data)
	if b.Name != "Finder" || b.Version != "1.2.3" || b.Entry != "/Applications/Finder.app/bin/finder" {
		t.Fatalf("ParseBundleInfo = %+v", b)
	}
}

func TestNewerBundleVersion(t *testing.T) {
	if !NewerBundleVersion("1.0.0", "1.1.0") {
		t.Fatalf("1.1.0 should be newer than 1.0.0")
	}
	if NewerBundleVersion("1.1.0", "1.0.0") {
		t.Fatalf("1.0.0 should not be newer than 1.1.0")
	}
	if NewerBundleVersion("1.0.0", "1.0.0") {
		t.Fatalf("equal versions should not report newer")
	}
}
