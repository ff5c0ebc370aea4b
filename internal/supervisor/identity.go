package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// clockTicksPerSecond is USER_HZ on essentially every Linux build; reading
// it from sysconf would need cgo, so the fixed value used by every major
// container base image is assumed here.
const clockTicksPerSecond = 100

// identityDriftTolerance is the maximum allowed skew between the stored
// spawn time and the OS-reported process start time before identity
// verification refuses to trust a pid.
const identityDriftTolerance = 5 * time.Second

// expectedCommNeedles are substrings the OS-reported command name must
// contain for a stored pid to be considered the agent CLI's own process,
// never some unrelated process that happened to reuse the pid.
var expectedCommNeedles = []string{"claude", "node"}

// VerifyIdentity checks that pid is still running the process we spawned,
// not some unrelated process that the OS recycled the pid into. It
// verifies three things in order: the pid exists, its command name looks
// like the agent binary, and its OS-reported start time is within
// identityDriftTolerance of storedStartTS.
func VerifyIdentity(pid int, storedStartTS time.Time) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, 0); err != nil {
		if err == syscall.ESRCH {
			return false, nil
		}
		// EPERM still means the process exists; any other error is
		// treated as "can't confirm", which must not escalate to a signal.
		if err != syscall.EPERM {
			return false, nil
		}
	}

	comm, err := readComm(pid)
	if err != nil {
		return false, nil
	}
	if !containsAny(comm, expectedCommNeedles) {
		return false, nil
	}

	startTS, err := readStartTime(pid)
	if err != nil {
		return false, nil
	}
	drift := startTS.Sub(storedStartTS)
	if drift < 0 {
		drift = -drift
	}
	return drift <= identityDriftTolerance, nil
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func readComm(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readStartTime parses field 22 (starttime, in clock ticks since boot) of
// /proc/<pid>/stat and converts it to a wall-clock time using the host's
// boot time, so it can be compared against the stored spawn timestamp.
func readStartTime(pid int) (time.Time, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return time.Time{}, err
	}

	// Field 2 (comm) is parenthesized and may itself contain spaces or
	// closing parens, so split on the last ')' before tokenizing by space.
	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 || closeParen+2 >= len(line) {
		return time.Time{}, fmt.Errorf("malformed stat line for pid %d", pid)
	}
	fields := strings.Fields(line[closeParen+2:])
	// fields[0] is field 3 (state); starttime is field 22, i.e. fields[19].
	const startTimeFieldIndex = 19
	if len(fields) <= startTimeFieldIndex {
		return time.Time{}, fmt.Errorf("stat line for pid %d too short", pid)
	}
	ticks, err := strconv.ParseInt(fields[startTimeFieldIndex], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}

	boot, err := bootTime()
	if err != nil {
		return time.Time{}, err
	}
	return boot.Add(time.Duration(ticks) * time.Second / clockTicksPerSecond), nil
}

func bootTime() (time.Time, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			return time.Unix(secs, 0), nil
		}
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}

// KillResult reports what VerifyAndKill actually did, for the caller to
// audit.
type KillResult struct {
	IdentityMatched bool
	Signalled       bool
	Escalated       bool // SIGKILL was needed after SIGTERM
}

// VerifyAndKill verifies pid identity before ever signalling it, then
// sends SIGTERM, waits briefly, re-verifies, and escalates to SIGKILL if
// the process (still identity-matched) is present. If identity
// verification fails up front, no signal is sent at all — the caller
// should log zombie_pid_reused and proceed to mark the task failed
// without killing.
func VerifyAndKill(pid int, storedStartTS time.Time, graceWait time.Duration) (KillResult, error) {
	ok, err := VerifyIdentity(pid, storedStartTS)
	if err != nil {
		return KillResult{}, err
	}
	if !ok {
		return KillResult{IdentityMatched: false}, nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return KillResult{IdentityMatched: true}, fmt.Errorf("sigterm pid %d: %w", pid, err)
	}
	time.Sleep(graceWait)

	stillThere, err := VerifyIdentity(pid, storedStartTS)
	if err != nil {
		return KillResult{IdentityMatched: true, Signalled: true}, err
	}
	if !stillThere {
		return KillResult{IdentityMatched: true, Signalled: true}, nil
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return KillResult{IdentityMatched: true, Signalled: true}, fmt.Errorf("sigkill pid %d: %w", pid, err)
	}
	return KillResult{IdentityMatched: true, Signalled: true, Escalated: true}, nil
}
