package host

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory test double for Client. Seed its maps directly
// (or via the helper methods) before the code under test runs; set Errs to
// force a method to fail. Safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	PRs      map[int]*PullRequest
	Comments map[int][]Comment
	Reviews  map[int][]Review
	Statuses map[string]BuildStatus // sha -> status
	URL      string                 // returned from CloneURL

	AuthorApproval bool

	Errs  map[string]error // method name -> forced error
	Calls []string

	nextPRID      int
	nextCommentID int64
	now           time.Time
}

var _ Client = (*MockClient)(nil)

// NewMockClient returns an empty mock with a file-ish clone URL placeholder.
func NewMockClient() *MockClient {
	return &MockClient{
		PRs:      map[int]*PullRequest{},
		Comments: map[int][]Comment{},
		Reviews:  map[int][]Review{},
		Statuses: map[string]BuildStatus{},
		Errs:     map[string]error{},
		URL:      "file:///dev/null",
		nextPRID: 1000,
		now:      time.Unix(1700000000, 0),
	}
}

func (m *MockClient) record(method string) error {
	m.Calls = append(m.Calls, method)
	return m.Errs[method]
}

// AddPR seeds a pull request and returns it.
func (m *MockClient) AddPR(id int, author, src, dst, sha string) *PullRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	pr := &PullRequest{
		ID: id, Author: author, Source: src, Destination: dst,
		SourceSHA: sha, State: PROpen,
		Title: fmt.Sprintf("PR #%d", id),
	}
	m.PRs[id] = pr
	return pr
}

// AddComment seeds a comment with a monotonically increasing id/timestamp.
func (m *MockClient) AddComment(prID int, author, body string) Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCommentLocked(prID, author, body)
}

func (m *MockClient) addCommentLocked(prID int, author, body string) Comment {
	m.nextCommentID++
	m.now = m.now.Add(time.Second)
	cm := Comment{ID: m.nextCommentID, Author: author, Body: body, CreatedAt: m.now}
	m.Comments[prID] = append(m.Comments[prID], cm)
	return cm
}

// Approve seeds an approval review.
func (m *MockClient) Approve(prID int, author string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reviews[prID] = append(m.Reviews[prID], Review{Author: author, State: ReviewApproved})
}

func (m *MockClient) GetPullRequest(_ context.Context, id int) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("GetPullRequest"); err != nil {
		return nil, err
	}
	pr, ok := m.PRs[id]
	if !ok {
		return nil, fmt.Errorf("pull request #%d not found", id)
	}
	cp := *pr
	return &cp, nil
}

func (m *MockClient) ListOpenPullRequests(_ context.Context) ([]PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("ListOpenPullRequests"); err != nil {
		return nil, err
	}
	var out []PullRequest
	for _, pr := range m.PRs {
		if pr.State == PROpen {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (m *MockClient) CreatePullRequest(_ context.Context, title, body, src, dst string) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("CreatePullRequest"); err != nil {
		return nil, err
	}
	m.nextPRID++
	pr := &PullRequest{
		ID: m.nextPRID, Title: title, Description: body,
		Author: "robot", Source: src, Destination: dst, State: PROpen,
	}
	m.PRs[pr.ID] = pr
	cp := *pr
	return &cp, nil
}

func (m *MockClient) DeclinePullRequest(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("DeclinePullRequest"); err != nil {
		return err
	}
	if pr, ok := m.PRs[id]; ok {
		pr.State = PRDeclined
	}
	return nil
}

func (m *MockClient) ListComments(_ context.Context, prID int) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("ListComments"); err != nil {
		return nil, err
	}
	return append([]Comment(nil), m.Comments[prID]...), nil
}

func (m *MockClient) CreateComment(_ context.Context, prID int, body string) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("CreateComment"); err != nil {
		return nil, err
	}
	cm := m.addCommentLocked(prID, "robot", body)
	return &cm, nil
}

func (m *MockClient) ListReviews(_ context.Context, prID int) ([]Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("ListReviews"); err != nil {
		return nil, err
	}
	return append([]Review(nil), m.Reviews[prID]...), nil
}

func (m *MockClient) GetBuildStatus(_ context.Context, sha string) (BuildStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("GetBuildStatus"); err != nil {
		return BuildNotStarted, err
	}
	if s, ok := m.Statuses[sha]; ok {
		return s, nil
	}
	return BuildNotStarted, nil
}

func (m *MockClient) CloneURL(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("CloneURL"); err != nil {
		return "", err
	}
	return m.URL, nil
}

func (m *MockClient) SupportsAuthorApproval() bool { return m.AuthorApproval }

// RobotComments returns the bodies of all comments authored by the robot on
// a pull request.
func (m *MockClient) RobotComments(prID int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, cm := range m.Comments[prID] {
		if cm.Author == "robot" {
			out = append(out, cm.Body)
		}
	}
	return out
}
