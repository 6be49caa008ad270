package recorder

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// minFFmpegConstraint is the oldest ffmpeg known to support the fragmented
// MP4 flags the screen encoder relies on.
const minFFmpegConstraint = ">= 4.0.0"

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecCommandRunner is the real implementation using os/exec.
type ExecCommandRunner struct{}

// Run executes a command via os/exec.
func (r *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// FFmpegProbe checks that a usable ffmpeg binary is reachable. Screen
// recording is declared unavailable when the probe fails.
type FFmpegProbe struct {
	binary string
	runner CommandRunner
}

// NewFFmpegProbe builds a probe for the given binary ("" means "ffmpeg"
// from PATH); a nil runner means real command execution.
func NewFFmpegProbe(binary string, runner CommandRunner) *FFmpegProbe {
	if binary == "" {
		binary = "ffmpeg"
	}
	if runner == nil {
		runner = &ExecCommandRunner{}
	}
	return &FFmpegProbe{binary: binary, runner: runner}
}

// Check runs "ffmpeg -version" and validates the reported version. It
// returns the parsed version string. Nightly builds with unparseable
// version strings are accepted as "unknown" since the binary demonstrably
// runs.
func (p *FFmpegProbe) Check(ctx context.Context) (string, error) {
	out, err := p.runner.Run(ctx, p.binary, "-version")
	if err != nil {
		return "", fmt.Errorf("%w: ffmpeg not found: %v", ErrDeviceUnavailable, err)
	}

	version := parseVersionString(out)
	normalized := normalizeVersion(version)
	v, err := semver.NewVersion(normalized)
	if err != nil {
		return "unknown", nil
	}

	c, err := semver.NewConstraint(minFFmpegConstraint)
	if err != nil {
		return "", fmt.Errorf("parse ffmpeg constraint %q: %w", minFFmpegConstraint, err)
	}
	if !c.Check(v) {
		return version, fmt.Errorf("%w: ffmpeg %s does not satisfy %s", ErrDeviceUnavailable, version, minFFmpegConstraint)
	}
	return version, nil
}

// parseVersionString extracts a semver-compatible version from command
// output. Handles formats like "ffmpeg version 6.1.1-3ubuntu5" and
// "ffmpeg version n7.0".
func parseVersionString(output string) string {
	re := regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)
	match := re.FindStringSubmatch(output)
	if len(match) >= 2 {
		return match[1]
	}
	return strings.TrimSpace(output)
}

// normalizeVersion ensures version has 3 parts (X.Y.Z).
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	parts := strings.Split(v, ".")
	switch len(parts) {
	case 1:
		return v + ".0.0"
	case 2:
		return v + ".0"
	default:
		return v
	}
}
