package nodeagent

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mlsysops/continuum/pkg/errdefs"
)

// DefaultSysfsRoot is where the kernel exposes per-CPU cpufreq policies
const DefaultSysfsRoot = "/sys/devices/system/cpu"

var governors = map[string]string{
	"performance": "performance",
	"powersave":   "powersave",
	"balanced":    "schedutil",
	"schedutil":   "schedutil",
	"ondemand":    "ondemand",
}

// CPUFreq configures CPU frequency scaling through sysfs
type CPUFreq struct {
	root string
}

// NewCPUFreq creates a configurator rooted at root
func NewCPUFreq(root string) *CPUFreq {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &CPUFreq{root: root}
}

// Apply sets the governor for powerMode and, when freq is set, pins every
// CPU to freq through the userspace governor. Empty arguments are left
// untouched.
func (c *CPUFreq) Apply(freq, powerMode string) error {
	if freq == "" && powerMode == "" {
		return nil
	}
	dirs, err := c.policies()
	if err != nil {
		return err
	}

	if powerMode != "" {
		gov, ok := governors[strings.ToLower(powerMode)]
		if !ok {
			return errdefs.Wrap(errdefs.ErrValidationFailed, "unknown power mode %q", powerMode)
		}
		if freq == "" {
			return c.writeAll(dirs, "scaling_governor", gov)
		}
	}

	khz, err := ParseFrequency(freq)
	if err != nil {
		return err
	}
	if err := c.writeAll(dirs, "scaling_governor", "userspace"); err != nil {
		return err
	}
	return c.writeAll(dirs, "scaling_setspeed", strconv.FormatInt(khz, 10))
}

// Current returns the governor of the first CPU
func (c *CPUFreq) Current() (string, error) {
	dirs, err := c.policies()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dirs[0], "scaling_governor"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *CPUFreq) policies() ([]string, error) {
	dirs, err := filepath.Glob(filepath.Join(c.root, "cpu[0-9]*", "cpufreq"))
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "no cpufreq policies under %s", c.root)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (c *CPUFreq) writeAll(dirs []string, file, value string) error {
	for _, d := range dirs {
		if err := os.WriteFile(filepath.Join(d, file), []byte(value), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", filepath.Join(d, file), err)
		}
	}
	return nil
}

// ParseFrequency converts "1.2GHz", "800MHz", "1200000kHz" or a bare kHz
// count into kHz
func ParseFrequency(s string) (int64, error) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		khz    float64
	}{
		{"ghz", 1e6},
		{"mhz", 1e3},
		{"khz", 1},
	}
	mult := 1.0
	lower := strings.ToLower(s)
	for _, u := range units {
		if strings.HasSuffix(lower, u.suffix) {
			mult = u.khz
			s = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, errdefs.Wrap(errdefs.ErrValidationFailed, "invalid cpu frequency %q", s)
	}
	return int64(math.Round(v * mult)), nil
}
