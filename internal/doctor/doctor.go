// Package doctor implements the `ringtrace doctor` subcommand, which checks
// that the host can load a kprobe and read a BPF ring buffer.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"golang.org/x/sys/unix"
)

const (
	// BPF_MAP_TYPE_RINGBUF landed in 5.8.
	minRingbufMajor, minRingbufMinor = 5, 8
	// Memory cgroup accounting replaced RLIMIT_MEMLOCK for BPF in 5.11.
	memcgMajor, memcgMinor = 5, 11

	defaultBTFPath = "/sys/kernel/btf/vmlinux"

	rlimInfinity = ^uint64(0)
)

// ErrChecksFailed is returned when a required capability is missing.
var ErrChecksFailed = errors.New("required host checks failed")

// Probes for host facts. Tests replace them.
var (
	lookPath      = exec.LookPath
	kernelRelease = unameRelease
	statFile      = os.Stat
	haveMapType   = features.HaveMapType
	haveProgType  = features.HaveProgramType
	memlockLimit  = getMemlock
)

// Config holds settings for the doctor check.
type Config struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
	// BTFPath overrides the kernel BTF location.
	BTFPath string
}

// Run checks host capabilities and prints one line per check.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BTFPath == "" {
		cfg.BTFPath = defaultBTFPath
	}

	fmt.Fprintln(cfg.Stdout, "ringtrace doctor")

	var warnings []string
	failed := 0

	release, err := kernelRelease()
	var major, minor int
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "  [FAIL] kernel: %v\n", err)
		failed++
	} else {
		fmt.Fprintf(cfg.Stdout, "  %-14s %s\n", "kernel:", release)
		var ok bool
		major, minor, ok = parseRelease(release)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("could not parse kernel release %q", release))
		} else if older(major, minor, minRingbufMajor, minRingbufMinor) {
			warnings = append(warnings,
				fmt.Sprintf("kernel %d.%d predates BPF ring buffers (%d.%d+)", major, minor, minRingbufMajor, minRingbufMinor))
		}
	}

	if _, err := statFile(cfg.BTFPath); err != nil {
		fmt.Fprintf(cfg.Stdout, "  %-14s (not found)\n", "btf:")
		warnings = append(warnings, fmt.Sprintf("%s is missing; CO-RE programs will not load. Enable CONFIG_DEBUG_INFO_BTF.", cfg.BTFPath))
	} else {
		fmt.Fprintf(cfg.Stdout, "  %-14s %s\n", "btf:", cfg.BTFPath)
	}

	if !checkFeature(cfg, "ringbuf", haveMapType(ebpf.RingBuf), &warnings) {
		failed++
	}
	if !checkFeature(cfg, "kprobe", haveProgType(ebpf.Kprobe), &warnings) {
		failed++
	}

	limit, err := memlockLimit()
	switch {
	case err != nil:
		fmt.Fprintf(cfg.Stderr, "  [FAIL] memlock: %v\n", err)
		failed++
	case limit == rlimInfinity:
		fmt.Fprintf(cfg.Stdout, "  [OK]   memlock: unlimited\n")
	default:
		fmt.Fprintf(cfg.Stdout, "  [OK]   memlock: %d bytes\n", limit)
		if major > 0 && older(major, minor, memcgMajor, memcgMinor) {
			warnings = append(warnings,
				fmt.Sprintf("RLIMIT_MEMLOCK is %d bytes; run as root so the loader can raise it", limit))
		}
	}

	if w := checkExternalTool(ctx, cfg, "tinygo", "version",
		"TinyGo is not installed; needed to build bpf/. Install from https://tinygo.org/getting-started/install/"); w != "" {
		warnings = append(warnings, w)
	}

	printSummary(cfg.Stdout, warnings, failed)
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed: %w", failed, ErrChecksFailed)
	}
	return nil
}

// checkFeature prints the outcome of a feature probe. An unsupported
// feature is a failure; a probe that could not run is a warning.
func checkFeature(cfg Config, name string, err error, warnings *[]string) bool {
	switch {
	case err == nil:
		fmt.Fprintf(cfg.Stdout, "  [OK]   %s: supported\n", name)
		return true
	case errors.Is(err, ebpf.ErrNotSupported):
		fmt.Fprintf(cfg.Stderr, "  [FAIL] %s: not supported by this kernel\n", name)
		return false
	default:
		fmt.Fprintf(cfg.Stderr, "  [WARN] %s: %v\n", name, err)
		*warnings = append(*warnings, fmt.Sprintf("could not probe %s support: %v (are you root?)", name, err))
		return true
	}
}

// checkExternalTool looks up a binary on PATH, prints its path and version,
// and returns a warning string if the binary is not found (empty otherwise).
func checkExternalTool(ctx context.Context, cfg Config, name, versionFlag, notFoundMsg string) string {
	label := name + ":"
	path, _ := lookPath(name)
	if path == "" {
		fmt.Fprintf(cfg.Stdout, "  %-14s (not found)\n", label)
		return notFoundMsg
	}
	fmt.Fprintf(cfg.Stdout, "  %-14s %s\n", label, path)
	line := getToolVersion(ctx, cfg, path, name, versionFlag)
	fmt.Fprintf(cfg.Stdout, "  [OK]   %s: %s\n", name, line)
	return ""
}

// getToolVersion runs a binary with the given version flag and returns
// the first non-empty line of output.
func getToolVersion(ctx context.Context, cfg Config, path, name, flag string) string {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var stdout, stderr strings.Builder
	cmd := exec.CommandContext(ctx, path, flag)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(cfg.Stderr, "  [FAIL] %s %s: %v\n", name, flag, err)
		return "(version check failed)"
	}
	line := firstNonEmptyLine(stdout.String())
	if line == "" {
		line = firstNonEmptyLine(stderr.String())
	}
	if line == "" {
		line = "(no version output)"
	}
	return line
}

// printSummary outputs the warnings list and final status.
func printSummary(w io.Writer, warnings []string, failed int) {
	if len(warnings) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "warnings:")
		for _, msg := range warnings {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
	fmt.Fprintln(w, "")
	switch {
	case failed > 0:
		fmt.Fprintf(w, "%d check(s) failed\n", failed)
	case len(warnings) == 0:
		fmt.Fprintln(w, "all checks passed")
	default:
		fmt.Fprintf(w, "%d warning(s); see above\n", len(warnings))
	}
}

func unameRelease() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(u.Release[:]), nil
}

func getMemlock() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	return rl.Cur, nil
}

// parseRelease extracts major and minor from a release string like
// "6.8.0-45-generic" or "5.15.153.1-microsoft-standard-WSL2".
func parseRelease(s string) (major, minor int, ok bool) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	end := strings.IndexFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' })
	if end < 0 {
		end = len(parts[1])
	}
	if end == 0 {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1][:end])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func older(major, minor, wantMajor, wantMinor int) bool {
	return major < wantMajor || (major == wantMajor && minor < wantMinor)
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
