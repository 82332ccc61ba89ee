// ABOUTME: Pathological-loop detection: a sliding window of (tool name, argument
// ABOUTME: fingerprint) pairs that flags three canonical repeating shapes.

package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// defaultLoopDetectionWindow is the number of recent tool calls the
// detector keeps in its sliding window.
const defaultLoopDetectionWindow = 10

// LoopDetector tracks a sliding window of tool-call signatures ("name:fingerprint")
// and flags repeating triples, alternating pairs, or straight repeats.
type LoopDetector struct {
	mu     sync.Mutex
	window []string
	size   int
}

// NewLoopDetector creates a detector with the given window size. A size of
// 0 or less falls back to the 10-entry default.
func NewLoopDetector(size int) *LoopDetector {
	if size <= 0 {
		size = defaultLoopDetectionWindow
	}
	return &LoopDetector{size: size}
}

// Fingerprint produces a stable hash of a tool call's arguments: keys are
// sorted lexicographically before hashing so semantically identical JSON
// objects with differently ordered keys hash identically.
func Fingerprint(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, args[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}

// Record pushes a new (tool name, fingerprint) pair into the window,
// dropping the oldest entry once the window is full.
func (d *LoopDetector) Record(toolName, fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sig := toolName + ":" + fingerprint
	d.window = append(d.window, sig)
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
}

// Check examines the current window and returns a warning message for the
// longest pathological pattern found, preferring a repeating triple over an
// alternating pair over a straight repeat. Returns ("", false) when none match.
func (d *LoopDetector) Check() (string, bool) {
	d.mu.Lock()
	entries := append([]string(nil), d.window...)
	d.mu.Unlock()

	n := len(entries)

	if n >= 9 {
		last9 := entries[n-9:]
		if isPeriodic(last9, 3, 3) {
			return fmt.Sprintf("repeating pattern detected: %s→%s→%s (repeated 3 times)",
				last9[0], last9[1], last9[2]), true
		}
	}

	if n >= 6 {
		last6 := entries[n-6:]
		if isPeriodic(last6, 2, 3) {
			return fmt.Sprintf("alternating pattern detected: %s↔%s", last6[0], last6[1]), true
		}
	}

	if n >= 5 {
		run := trailingRunLength(entries)
		if run >= 5 {
			sig := entries[n-1]
			return fmt.Sprintf("%s repeated %d times", sig, run), true
		}
	}

	return "", false
}

// Reset clears the sliding window.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
}

// isPeriodic reports whether seq consists of exactly `times` consecutive
// repetitions of its first `period` entries.
func isPeriodic(seq []string, period, times int) bool {
	if len(seq) != period*times {
		return false
	}
	pattern := seq[:period]
	for i := period; i < len(seq); i += period {
		for j := 0; j < period; j++ {
			if seq[i+j] != pattern[j] {
				return false
			}
		}
	}
	return true
}

// trailingRunLength returns the number of trailing entries in seq equal to
// the last entry.
func trailingRunLength(seq []string) int {
	if len(seq) == 0 {
		return 0
	}
	last := seq[len(seq)-1]
	run := 0
	for i := len(seq) - 1; i >= 0; i-- {
		if seq[i] != last {
			break
		}
		run++
	}
	return run
}
