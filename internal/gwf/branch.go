// Package gwf implements the GitWaterFlow branch model: parsing of the
// special-role branch names and the cascade a pull request must traverse
// across release lines.
package gwf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BranchKind classifies a destination branch.
type BranchKind int

const (
	KindDevelopment BranchKind = iota
	KindStabilization
)

func (k BranchKind) String() string {
	switch k {
	case KindDevelopment:
		return "development"
	case KindStabilization:
		return "stabilization"
	default:
		return "unknown"
	}
}

// Destination is a branch a pull request's changes may land on.
// Major-only development branches (development/4) have HasMinor == false
// and sort after every development/4.x branch.
type Destination struct {
	Name  string
	Kind  BranchKind
	Major int
	Minor int
	Patch int

	HasMinor bool
}

// Version returns the version part of the branch name ("4.3", "4", "4.3.1").
func (d Destination) Version() string {
	switch {
	case d.Kind == KindStabilization:
		return fmt.Sprintf("%d.%d.%d", d.Major, d.Minor, d.Patch)
	case d.HasMinor:
		return fmt.Sprintf("%d.%d", d.Major, d.Minor)
	default:
		return strconv.Itoa(d.Major)
	}
}

func (d Destination) String() string { return d.Name }

// Less orders destinations in cascade order: 4.3 < 4 < 5.1 < 10.0 < 10,
// with stabilization/x.y.z ahead of development/x.y.
func (d Destination) Less(other Destination) bool {
	if d.Major != other.Major {
		return d.Major < other.Major
	}

	// Major-only development branches come last within their major.
	if !d.HasMinor || !other.HasMinor {
		if d.HasMinor == other.HasMinor {
			return false
		}
		return d.HasMinor
	}

	if d.Minor != other.Minor {
		return d.Minor < other.Minor
	}

	// Same major.minor: stabilization precedes development, and
	// stabilization branches order by patch.
	if d.Kind != other.Kind {
		return d.Kind == KindStabilization
	}
	if d.Kind == KindStabilization {
		return d.Patch < other.Patch
	}

	return false
}

var (
	developmentRe   = regexp.MustCompile(`^development/(\d+)(?:\.(\d+))?$`)
	stabilizationRe = regexp.MustCompile(`^stabilization/(\d+)\.(\d+)\.(\d+)$`)
	issueKeyRe      = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)-(\d+)`)
	releaseTagRe    = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)$`)
)

// ParseDestination parses a destination branch name. It returns false for
// anything that is not a development or stabilization branch; hotfix/* and
// user/* branches are recognized elsewhere and never produce a Destination.
func ParseDestination(name string) (Destination, bool) {
	if m := developmentRe.FindStringSubmatch(name); m != nil {
		d := Destination{Name: name, Kind: KindDevelopment}
		d.Major, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			d.Minor, _ = strconv.Atoi(m[2])
			d.HasMinor = true
		}
		return d, true
	}

	if m := stabilizationRe.FindStringSubmatch(name); m != nil {
		d := Destination{Name: name, Kind: KindStabilization, HasMinor: true}
		d.Major, _ = strconv.Atoi(m[1])
		d.Minor, _ = strconv.Atoi(m[2])
		d.Patch, _ = strconv.Atoi(m[3])
		return d, true
	}

	return Destination{}, false
}

// IsHotfix reports whether the branch is a hotfix/* branch (never handled).
func IsHotfix(name string) bool { return strings.HasPrefix(name, "hotfix/") }

// IsUser reports whether the branch is a user/* scratch branch (ignored).
func IsUser(name string) bool { return strings.HasPrefix(name, "user/") }

// DefaultPrefixes are the source branch prefixes accepted without extra
// configuration.
var DefaultPrefixes = []string{"feature", "bugfix", "improvement", "project"}

// Source is a pull request's source branch.
type Source struct {
	Name     string
	Prefix   string
	Label    string // everything after the prefix
	IssueKey string // "PROJ-123", empty when absent
	Project  string // "PROJ", empty when absent
}

// ParseSource parses a source branch name against the allowed prefixes.
// extra lists additional accepted prefixes (the bypass_prefixes setting).
func ParseSource(name string, extra []string) (Source, bool) {
	prefix, label, ok := strings.Cut(name, "/")
	if !ok || label == "" {
		return Source{}, false
	}

	allowed := false
	for _, p := range DefaultPrefixes {
		if p == prefix {
			allowed = true
			break
		}
	}
	for _, p := range extra {
		if p == prefix {
			allowed = true
			break
		}
	}
	if !allowed {
		return Source{}, false
	}

	src := Source{Name: name, Prefix: prefix, Label: label}
	if m := issueKeyRe.FindStringSubmatch(label); m != nil {
		src.IssueKey = strings.ToUpper(m[0])
		src.Project = strings.ToUpper(m[1])
	}

	return src, true
}

// IntegrationName returns the w/<version>/<src> branch name staging src
// against destination d.
func IntegrationName(d Destination, src string) string {
	return "w/" + d.Version() + "/" + src
}

// QueueName returns the q/<version> lane branch name for destination d.
func QueueName(d Destination) string {
	return "q/" + d.Version()
}

// QueueItemName returns the q/w/<pr>/<version>/<src> per-PR queue branch.
func QueueItemName(prID int, d Destination, src string) string {
	return fmt.Sprintf("q/w/%d/%s/%s", prID, d.Version(), src)
}

// Integration is a parsed w/<version>/<src> branch name.
type Integration struct {
	Name    string
	Version string
	Source  string
}

// ParseIntegration parses an integration branch name.
func ParseIntegration(name string) (Integration, bool) {
	rest, ok := strings.CutPrefix(name, "w/")
	if !ok {
		return Integration{}, false
	}
	version, src, ok := strings.Cut(rest, "/")
	if !ok || !validVersion(version) || src == "" {
		return Integration{}, false
	}
	return Integration{Name: name, Version: version, Source: src}, true
}

// QueueItem is a parsed q/w/<pr>/<version>/<src> branch name.
type QueueItem struct {
	Name    string
	PRID    int
	Version string
	Source  string
}

// ParseQueueItem parses a per-PR queue branch name.
func ParseQueueItem(name string) (QueueItem, bool) {
	rest, ok := strings.CutPrefix(name, "q/w/")
	if !ok {
		return QueueItem{}, false
	}
	idStr, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return QueueItem{}, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return QueueItem{}, false
	}
	version, src, ok := strings.Cut(rest, "/")
	if !ok || !validVersion(version) || src == "" {
		return QueueItem{}, false
	}
	return QueueItem{Name: name, PRID: id, Version: version, Source: src}, true
}

// ParseQueueLane parses a q/<version> lane name. q/w/* item branches do not
// match.
func ParseQueueLane(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "q/")
	if !ok || strings.HasPrefix(rest, "w/") || !validVersion(rest) {
		return "", false
	}
	return rest, true
}

// ParseReleaseTag parses an x.y.z (optionally v-prefixed) release tag.
func ParseReleaseTag(tag string) (major, minor, patch int, ok bool) {
	m := releaseTagRe.FindStringSubmatch(tag)
	if m == nil {
		return 0, 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	patch, _ = strconv.Atoi(m[3])
	return major, minor, patch, true
}

func validVersion(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
