// Package fsnames implements the filename conventions of the folder tree: the
// `YYYYMMDD_HHMMSSsss_` UTC-millisecond prefix shared by every prepared
// input, derived side-car, unmatched rewrite, matched report and
// changeset file, plus the suffixes that distinguish them.
package fsnames

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const tsLayout = "20060102_150405.000"

var prefixRe = regexp.MustCompile(`^(\d{8}_\d{9})_(.+)$`)

// FormatPrefix renders ms (Unix-ms UTC) as the `YYYYMMDD_HHMMSSsss` prefix.
func FormatPrefix(ms int64) string {
	t := time.UnixMilli(ms).UTC()
	return fmt.Sprintf("%04d%02d%02d_%02d%02d%02d%03d",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1e6)
}

// Split separates a prepared filename's timestamp prefix from its remainder.
// ok is false if name does not start with a well-formed prefix.
func Split(name string) (prefix string, rest string, ok bool) {
	base := filepath.Base(name)
	m := prefixRe.FindStringSubmatch(base)
	if m == nil {
		return "", base, false
	}
	return m[1], m[2], true
}

// ParsePrefixMillis parses a `YYYYMMDD_HHMMSSsss` prefix into Unix-ms UTC.
func ParsePrefixMillis(prefix string) (int64, error) {
	parts := strings.SplitN(prefix, "_", 2)
	if len(parts) != 2 || len(parts[0]) != 8 || len(parts[1]) != 9 {
		return 0, fmt.Errorf("malformed timestamp prefix %q", prefix)
	}
	datePart, timePart := parts[0], parts[1]
	millis, err := strconv.Atoi(timePart[6:9])
	if err != nil {
		return 0, fmt.Errorf("malformed timestamp prefix %q: %w", prefix, err)
	}
	t, err := time.Parse("20060102_150405", datePart+"_"+timePart[:6])
	if err != nil {
		return 0, fmt.Errorf("malformed timestamp prefix %q: %w", prefix, err)
	}
	return t.UTC().UnixMilli() + int64(millis), nil
}

// DerivedName returns "<prefix>_<name>.derived.csv" for a base filename.
func DerivedName(name string) string {
	return withoutExt(name) + ".derived.csv"
}

// UnmatchedName returns "<prefix>_<name>.unmatched.csv" for a base filename.
func UnmatchedName(name string) string {
	return withoutExt(name) + ".unmatched.csv"
}

// UnmatchedDerivedName returns "<prefix>_<name>.unmatched.derived.csv".
func UnmatchedDerivedName(name string) string {
	return withoutExt(name) + ".unmatched.derived.csv"
}

// withoutExt strips the .csv extension plus any .unmatched marker left by
// a previous cycle's rewrite, so re-promoted unmatched files never accrete
// stacked suffixes across jobs.
func withoutExt(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.TrimSuffix(name, ".unmatched")
}

// MatchedReportName returns "YYYYMMDD_HHMMSSsss_matched.json" for ms.
func MatchedReportName(ms int64) string {
	return FormatPrefix(ms) + "_matched.json"
}

// ChangesetName returns "YYYYMMDD_HHMMSSsss_changeset.json" for ms. The
// engine never calls it; real changesets arrive pre-named in inbox/.
func ChangesetName(ms int64) string {
	return FormatPrefix(ms) + "_changeset.json"
}

// InProgress returns "<final>.inprogress".
func InProgress(final string) string { return final + ".inprogress" }
