// Package config is the YAML-backed boot/daemon configuration layer: the
// boot info struct, the mount table, and the compositor's startup list.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// BootMagic is the boot info struct's authoritative magic value.
const BootMagic = "ANYO"

// MemoryRange is one E820/DTB usable range entry.
type MemoryRange struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Framebuffer describes the boot-time framebuffer geometry handed to the
// kernel by the bootloader.
type Framebuffer struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	Pitch  int `yaml:"pitch"`
	BPP    int `yaml:"bpp"`
}

// BootInfo is the ANYO-magic struct the kernel consumes at harness start:
// E820 map, framebuffer geometry, RSDP, kernel phys range.
type BootInfo struct {
	Magic       string        `yaml:"magic"`
	Arch        string        `yaml:"arch"`
	MemoryMap   []MemoryRange `yaml:"memory_map"`
	Framebuffer Framebuffer   `yaml:"framebuffer"`
	RSDP        uint64        `yaml:"rsdp"`
	KernelBase  uint64        `yaml:"kernel_base"`
	KernelSize  uint64        `yaml:"kernel_size"`
	NumCPUs     int           `yaml:"num_cpus"`
}

// Validate checks the magic and basic geometry sanity the boot sequence
// depends on.
func (b BootInfo) Validate() error {
	if b.Magic != BootMagic {
		return fmt.Errorf("config: bad boot info magic %q, want %q", b.Magic, BootMagic)
	}
	if b.NumCPUs < 1 {
		return fmt.Errorf("config: invalid num_cpus %d", b.NumCPUs)
	}
	if b.Framebuffer.Width <= 0 || b.Framebuffer.Height <= 0 {
		return fmt.Errorf("config: invalid framebuffer geometry %+v", b.Framebuffer)
	}
	return nil
}

// MountEntry is one /System/compositor-style mount table row read from
// config.
type MountEntry struct {
	Device     string `yaml:"device"`
	Mountpoint string `yaml:"mountpoint"`
	Driver     string `yaml:"driver"` // "ram"/"ramfs", "devfs", "fat", "ntfs"
}

// CompositorConfig mirrors /System/compositor/compositor.conf: a
// one-program-per-line startup list plus basic display defaults.
type CompositorConfig struct {
	Startup     []string `yaml:"startup"`
	ScreenWidth int      `yaml:"screen_width"`
	ScreenHeight int     `yaml:"screen_height"`
	DefaultLayout string `yaml:"default_layout"`
}

// Root is the top-level boot configuration file loaded at harness start.
type Root struct {
	Boot       BootInfo          `yaml:"boot"`
	Mounts     []MountEntry      `yaml:"mounts"`
	Compositor CompositorConfig  `yaml:"compositor"`
}

// Load reads and parses a Root config from path. A missing file is not an
// error (a minimal default is returned instead), but a malformed one is.
func Load(log *slog.Logger, path string) (Root, error) {
	if log == nil {
		log = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("config: file not found, using defaults", "path", path)
			return Default(), nil
		}
		return Root{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var r Root
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Root{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	log.Info("config: loaded", "path", path, "mounts", len(r.Mounts), "startup", len(r.Compositor.Startup))
	return r, nil
}

// Default returns a minimal single-CPU configuration with a ramfs root and
// a devfs mount at /dev, used by tests and by Load when the config file is
// missing.
func Default() Root {
	return Root{
		Boot: BootInfo{
			Magic:   BootMagic,
			Arch:    "x86_64",
			NumCPUs: 1,
			MemoryMap: []MemoryRange{
				{Base: 0x100000, Size: 64 * 1024 * 1024},
			},
			Framebuffer: Framebuffer{Width: 1024, Height: 768, Pitch: 1024 * 4, BPP: 32},
		},
		Mounts: []MountEntry{
			{Device: "ram0", Mountpoint: "/", Driver: "ram"},
			{Device: "dev0", Mountpoint: "/dev", Driver: "devfs"},
		},
		Compositor: CompositorConfig{
			ScreenWidth:   1024,
			ScreenHeight:  768,
			DefaultLayout: "us",
		},
	}
}

// ParseCompositorConf parses the line-oriented
// /System/compositor/compositor.conf startup list: one program
// path per line, blank lines and "#" comments ignored.
func ParseCompositorConf(data []byte) []string {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// BundleInfo mirrors an /Applications/*.app/Info.conf bundle descriptor
//, key=value format.
type BundleInfo struct {
	Name    string
	Version string
	Entry   string
}

// ParseBundleInfo parses Info.conf's key=value lines.
func ParseBundleInfo(data []byte) BundleInfo {
	var b BundleInfo
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "Name":
			b.Name = strings.TrimSpace(v)
		case "Version":
			b.Version = strings.TrimSpace(v)
		case "Entry":
			b.Entry = strings.TrimSpace(v)
		}
	}
	return b
}

// NewerBundleVersion reports whether candidate is a newer semantic version
// than current, used by apkg-adjacent tooling when discovering
// /Applications/*.app bundles with competing versions. Both versions are
// normalized with a "v" prefix since bundle Info.conf stores bare numbers.
func NewerBundleVersion(current, candidate string) bool {
	cv, kv := normalizeSemver(current), normalizeSemver(candidate)
	if !semver.IsValid(cv) || !semver.IsValid(kv) {
		return false
	}
	return semver.Compare(kv, cv) > 0
}

func normalizeSemver(v string) string {
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
