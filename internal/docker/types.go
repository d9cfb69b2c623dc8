// Package docker drives the docker CLI for the three container operations the
// orchestrator needs: building fuzzer images, running a campaign container in
// the foreground, and starting/stopping long-running coverage containers.
//
// What happens inside a container (fuzzer invocation, argument mapping,
// coverage replay) belongs to the images. The CLI contract is:
//
//   - campaign containers mount the cache slot at /out (read-write) and get
//     CAPTAIN_FUZZER, CAPTAIN_TARGET, CAPTAIN_ARGS, CAPTAIN_TIMEOUT (seconds)
//     and CAPTAIN_CORES in the environment, pinned with --cpuset-cpus;
//   - coverage containers mount the cache slot at /cache (read-only) and the
//     output directory at /out, with CAPTAIN_TARGET set.
package docker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBuild wraps every image build failure.
var ErrBuild = errors.New("image build failed")

// ErrUnavailable is returned when no docker binary could be found.
var ErrUnavailable = errors.New("docker is not available on this system")

// Mount paths inside containers.
const (
	CampaignOutDir = "/out"
	CoverageInDir  = "/cache"
	CoverageOutDir = "/out"
)

// RunSpec describes one foreground campaign container.
type RunSpec struct {
	// Name is the container name; it is how an interrupted run is removed.
	Name    string
	Image   string
	Fuzzer  string
	Target  string
	Args    string
	Cores   []int
	Timeout time.Duration

	// CacheDir is the host slot mounted at /out.
	CacheDir string

	// LogPath receives the container's combined output (append).
	LogPath string
}

// RunResult reports how a campaign container ended.
type RunResult struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	// Killed is true when the host terminated the container, either on
	// cancellation or after the timeout plus kill grace elapsed.
	Killed     bool
	KillReason string
}

// CoverageSpec describes one detached coverage container.
type CoverageSpec struct {
	Name     string
	Image    string
	Target   string
	CacheDir string
	OutDir   string
}

// Handle identifies a started coverage container.
type Handle struct {
	Name string
	ID   string
}

func cpuset(cores []int) string {
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = strconv.Itoa(c)
	}
	return strings.Join(ids, ",")
}

// runArgs builds the docker run arguments for a campaign container.
func runArgs(spec RunSpec) []string {
	args := []string{"run", "--rm", "--name", spec.Name}
	if len(spec.Cores) > 0 {
		args = append(args, "--cpuset-cpus", cpuset(spec.Cores))
	}
	args = append(args,
		"-v", fmt.Sprintf("%s:%s:rw", spec.CacheDir, CampaignOutDir),
		"-e", "CAPTAIN_FUZZER="+spec.Fuzzer,
		"-e", "CAPTAIN_TARGET="+spec.Target,
		"-e", "CAPTAIN_ARGS="+spec.Args,
		"-e", "CAPTAIN_TIMEOUT="+strconv.Itoa(int(spec.Timeout.Seconds())),
		"-e", "CAPTAIN_CORES="+cpuset(spec.Cores),
		spec.Image,
	)
	return args
}

// coverageArgs builds the docker run arguments for a detached coverage
// container.
func coverageArgs(spec CoverageSpec) []string {
	return []string{
		"run", "-d", "--rm", "--name", spec.Name,
		"-v", fmt.Sprintf("%s:%s:ro", spec.CacheDir, CoverageInDir),
		"-v", fmt.Sprintf("%s:%s:rw", spec.OutDir, CoverageOutDir),
		"-e", "CAPTAIN_TARGET=" + spec.Target,
		spec.Image,
	}
}

// buildArgs builds the docker build arguments for a fuzzer image.
func buildArgs(image, contextDir string) []string {
	return []string{"build", "-t", image, contextDir}
}

// ContainerName joins parts into a valid docker container name. Characters
// docker rejects are replaced with '-'.
func ContainerName(parts ...string) string {
	name := strings.Join(parts, "-")
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case i > 0 && (r == '_' || r == '.' || r == '-'):
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
