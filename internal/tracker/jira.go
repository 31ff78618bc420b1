package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jira "github.com/andygrunwald/go-jira"
)

// JiraClient implements Client against a Jira Cloud instance with basic
// (email + API token) authentication.
type JiraClient struct {
	client *jira.Client
}

var _ Client = (*JiraClient)(nil)

// NewJiraClient builds a Jira client for the given account URL.
func NewJiraClient(accountURL, email, apiToken string) (*JiraClient, error) {
	tp := jira.BasicAuthTransport{Username: email, Password: apiToken}

	client, err := jira.NewClient(tp.Client(), accountURL)
	if err != nil {
		return nil, fmt.Errorf("jira client for %s: %w", accountURL, err)
	}
	return &JiraClient{client: client}, nil
}

func (j *JiraClient) GetIssue(ctx context.Context, key string) (*Issue, error) {
	issue, resp, err := j.client.Issue.GetWithContext(ctx, key, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	out := &Issue{
		Key:       issue.Key,
		Type:      strings.ToLower(issue.Fields.Type.Name),
		IsSubtask: issue.Fields.Type.Subtask,
	}
	if project, _, ok := strings.Cut(issue.Key, "-"); ok {
		out.Project = project
	}
	for _, fv := range issue.Fields.FixVersions {
		out.FixVersions = append(out.FixVersions, fv.Name)
	}
	return out, nil
}

func (j *JiraClient) Enabled() bool { return true }
