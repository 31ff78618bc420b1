package gwf

import (
	"sort"
	"testing"
)

func TestParseDestination(t *testing.T) {
	cases := []struct {
		name string
		want Destination
		ok   bool
	}{
		{"development/4.3", Destination{Name: "development/4.3", Kind: KindDevelopment, Major: 4, Minor: 3, HasMinor: true}, true},
		{"development/10", Destination{Name: "development/10", Kind: KindDevelopment, Major: 10}, true},
		{"stabilization/5.1.4", Destination{Name: "stabilization/5.1.4", Kind: KindStabilization, Major: 5, Minor: 1, Patch: 4, HasMinor: true}, true},
		{"development/4.3.1", Destination{}, false},
		{"stabilization/5.1", Destination{}, false},
		{"hotfix/4.2.1", Destination{}, false},
		{"user/foo", Destination{}, false},
		{"feature/x", Destination{}, false},
		{"development/", Destination{}, false},
	}

	for _, tc := range cases {
		got, ok := ParseDestination(tc.name)
		if ok != tc.ok {
			t.Errorf("%s: ok=%v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

// Cascade ordering: specific minors before the major-only branch of the same
// major, stabilization before development of the same minor.
func TestDestinationOrdering(t *testing.T) {
	names := []string{
		"development/10",
		"development/5.1",
		"development/4",
		"stabilization/4.3.1",
		"development/10.0",
		"development/4.3",
		"stabilization/4.3.0",
	}

	var dests []Destination
	for _, n := range names {
		d, ok := ParseDestination(n)
		if !ok {
			t.Fatalf("parse %s", n)
		}
		dests = append(dests, d)
	}

	sort.Slice(dests, func(i, j int) bool { return dests[i].Less(dests[j]) })

	want := []string{
		"stabilization/4.3.0",
		"stabilization/4.3.1",
		"development/4.3",
		"development/4",
		"development/5.1",
		"development/10.0",
		"development/10",
	}
	for i, d := range dests {
		if d.Name != want[i] {
			t.Fatalf("position %d: got %s, want %s (full order %v)", i, d.Name, want[i], dests)
		}
	}
}

func TestParseSource(t *testing.T) {
	src, ok := ParseSource("bugfix/PROJ-1234-fix-crash", nil)
	if !ok {
		t.Fatal("expected bugfix branch to parse")
	}
	if src.Prefix != "bugfix" || src.IssueKey != "PROJ-1234" || src.Project != "PROJ" {
		t.Fatalf("got %+v", src)
	}

	src, ok = ParseSource("feature/no-ticket-here", nil)
	if !ok || src.IssueKey != "" {
		t.Fatalf("ticketless feature branch: ok=%v src=%+v", ok, src)
	}

	if _, ok := ParseSource("documentation/PROJ-1-x", nil); ok {
		t.Fatal("documentation/ is not allowed by default")
	}
	if _, ok := ParseSource("documentation/PROJ-1-x", []string{"documentation"}); !ok {
		t.Fatal("documentation/ should be allowed via bypass_prefixes")
	}

	if _, ok := ParseSource("bugfix/", nil); ok {
		t.Fatal("empty label must not parse")
	}
}

func TestRobotBranchNames(t *testing.T) {
	dev, _ := ParseDestination("development/4.3")
	stab, _ := ParseDestination("stabilization/5.1.4")
	major, _ := ParseDestination("development/10")

	if got := IntegrationName(dev, "bugfix/PROJ-1-x"); got != "w/4.3/bugfix/PROJ-1-x" {
		t.Fatalf("integration name: %s", got)
	}
	if got := QueueName(stab); got != "q/5.1.4" {
		t.Fatalf("queue name: %s", got)
	}
	if got := QueueItemName(42, major, "bugfix/PROJ-1-x"); got != "q/w/42/10/bugfix/PROJ-1-x" {
		t.Fatalf("queue item name: %s", got)
	}
}

func TestParseIntegrationRoundTrip(t *testing.T) {
	w, ok := ParseIntegration("w/4.3/bugfix/PROJ-1-x")
	if !ok || w.Version != "4.3" || w.Source != "bugfix/PROJ-1-x" {
		t.Fatalf("ok=%v w=%+v", ok, w)
	}

	if _, ok := ParseIntegration("w/notaversion/bugfix/x"); ok {
		t.Fatal("invalid version must not parse")
	}
}

func TestParseQueueItem(t *testing.T) {
	qi, ok := ParseQueueItem("q/w/42/5.1.4/bugfix/PROJ-1-x")
	if !ok {
		t.Fatal("expected queue item to parse")
	}
	if qi.PRID != 42 || qi.Version != "5.1.4" || qi.Source != "bugfix/PROJ-1-x" {
		t.Fatalf("got %+v", qi)
	}

	if _, ok := ParseQueueItem("q/4.3"); ok {
		t.Fatal("lane branch is not a queue item")
	}

	if v, ok := ParseQueueLane("q/4.3"); !ok || v != "4.3" {
		t.Fatalf("lane parse: ok=%v v=%s", ok, v)
	}
	if _, ok := ParseQueueLane("q/w/42/4.3/bugfix/x"); ok {
		t.Fatal("item branch is not a lane")
	}
}

func TestParseReleaseTag(t *testing.T) {
	major, minor, patch, ok := ParseReleaseTag("v4.3.12")
	if !ok || major != 4 || minor != 3 || patch != 12 {
		t.Fatalf("got %d.%d.%d ok=%v", major, minor, patch, ok)
	}
	if _, _, _, ok := ParseReleaseTag("4.3"); ok {
		t.Fatal("two-component tag is not a release tag")
	}
}
