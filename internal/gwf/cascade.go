package gwf

import (
	"fmt"
	"sort"
)

// Cascade is the ordered list of destination branches a pull request must
// traverse, starting at its original target. Destinations the pull request
// will not touch are listed in Ignored so they can be reported verbatim.
type Cascade struct {
	Branches []Destination
	Ignored  []string

	// ExpectedVersions lists the fix versions the change will ship in,
	// one per cascade entry, derived from existing release tags.
	ExpectedVersions []string
}

// Target returns the first branch of the cascade.
func (c Cascade) Target() Destination { return c.Branches[0] }

// Contains reports whether the named destination is part of the cascade.
func (c Cascade) Contains(name string) bool {
	for _, d := range c.Branches {
		if d.Name == name {
			return true
		}
	}
	return false
}

// BuildCascade computes the cascade for a pull request targeting target,
// given all live destination branches and the source branch prefix.
//
// Rules:
//   - the cascade begins at target and is monotone in cascade order;
//   - stabilization branches are only traversed at the target's own
//     major.minor (and only from the target's patch onwards);
//   - feature/* sources skip stabilization branches other than the target
//     itself: whether a feature may land on a stabilization target at all
//     is the compatibility check's decision, not the cascade's;
//   - after the target's major.minor, only development branches follow.
func BuildCascade(destinations []Destination, target Destination, srcPrefix string) (Cascade, error) {
	sorted := make([]Destination, len(destinations))
	copy(sorted, destinations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	found := false
	for _, d := range sorted {
		if d.Name == target.Name {
			found = true
			break
		}
	}
	if !found {
		return Cascade{}, fmt.Errorf("destination %s is not a live destination branch", target.Name)
	}

	featureSrc := srcPrefix == "feature"

	var c Cascade
	for _, d := range sorted {
		include := false
		switch d.Kind {
		case KindStabilization:
			sameLine := d.Major == target.Major && d.Minor == target.Minor
			switch {
			case d.Name == target.Name:
				// The target always leads the cascade.
				include = true
			case !sameLine:
				// Stabilization of another release line.
			case featureSrc:
				// Features never traverse maintenance branches.
			case target.Kind == KindStabilization:
				include = d.Patch >= target.Patch
			default:
				// Development target: its stabilization siblings
				// precede it and are out of reach.
			}
		case KindDevelopment:
			include = !devBefore(d, target)
		}

		if include {
			c.Branches = append(c.Branches, d)
		} else {
			c.Ignored = append(c.Ignored, d.Name)
		}
	}

	if len(c.Branches) == 0 || c.Branches[0].Name != target.Name {
		return Cascade{}, fmt.Errorf("cascade does not start at %s (source prefix %q)", target.Name, srcPrefix)
	}

	sort.Strings(c.Ignored)

	return c, nil
}

// devBefore reports whether development branch d precedes the target in
// cascade order (and must therefore be excluded).
func devBefore(d, target Destination) bool {
	if d.Major != target.Major {
		return d.Major < target.Major
	}
	if !d.HasMinor {
		// development/<major> follows every development/<major>.<minor>.
		return false
	}
	if !target.HasMinor {
		return target.Kind == KindDevelopment
	}
	return d.Minor < target.Minor
}

// ComputeExpectedVersions fills c.ExpectedVersions from the repository's
// release tags: a stabilization destination ships its own x.y.z, a
// development/x.y destination ships x.y.<latest tagged patch + 1>, and a
// major-only development branch ships x.<latest tagged minor + 1>.0.
func (c *Cascade) ComputeExpectedVersions(tags []string) {
	latestPatch := map[[2]int]int{} // (major, minor) -> highest tagged patch
	latestMinor := map[int]int{}    // major -> highest tagged minor

	for _, tag := range tags {
		major, minor, patch, ok := ParseReleaseTag(tag)
		if !ok {
			continue
		}
		key := [2]int{major, minor}
		if cur, seen := latestPatch[key]; !seen || patch > cur {
			latestPatch[key] = patch
		}
		if cur, seen := latestMinor[major]; !seen || minor > cur {
			latestMinor[major] = minor
		}
	}

	c.ExpectedVersions = c.ExpectedVersions[:0]
	for _, d := range c.Branches {
		switch {
		case d.Kind == KindStabilization:
			c.ExpectedVersions = append(c.ExpectedVersions, d.Version())
		case d.HasMinor:
			next := 0
			if patch, seen := latestPatch[[2]int{d.Major, d.Minor}]; seen {
				next = patch + 1
			}
			c.ExpectedVersions = append(c.ExpectedVersions,
				fmt.Sprintf("%d.%d.%d", d.Major, d.Minor, next))
		default:
			next := 0
			if minor, seen := latestMinor[d.Major]; seen {
				next = minor + 1
			}
			c.ExpectedVersions = append(c.ExpectedVersions,
				fmt.Sprintf("%d.%d.0", d.Major, next))
		}
	}
}
