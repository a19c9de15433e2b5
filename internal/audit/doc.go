// Package audit scans stored experiences for known bypass phrasing and
// leaked credentials.
//
// Scans are read-only: matches are returned and logged for remediation
// tooling, and nothing is quarantined here. A Sweeper repeats the scan on an
// interval and a PatternWatcher reloads pattern files from disk.
package audit
