package jira

import (
	"encoding/json"

	"github.com/andygrunwald/go-jira"
)

// JiraAccessibleResource is a Jira cloud site reachable with an OAuth token.
type JiraAccessibleResource struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	AvatarURL string   `json:"avatarUrl"`
	Scopes    []string `json:"scopes"`
}

// issueResponse is a REST v3 issue. Fields stay raw so custom fields survive.
type issueResponse struct {
	ID     string          `json:"id"`
	Key    string          `json:"key"`
	Self   string          `json:"self"`
	Fields json.RawMessage `json:"fields"`
}

// issueFields are the standard fields of a REST v3 issue. The description is
// an ADF document, which go-jira's IssueFields cannot hold.
type issueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      *jira.Status    `json:"status"`
	Priority    *jira.Priority  `json:"priority"`
	IssueType   *jira.IssueType `json:"issuetype"`
	Assignee    *jira.User      `json:"assignee"`
	Reporter    *jira.User      `json:"reporter"`
	Labels      []string        `json:"labels"`
	Created     *jira.Time      `json:"created"`
	Updated     *jira.Time      `json:"updated"`
}

type searchRequest struct {
	JQL        string   `json:"jql"`
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Fields     []string `json:"fields"`
}

type searchResponse struct {
	StartAt    int             `json:"startAt"`
	MaxResults int             `json:"maxResults"`
	Total      int             `json:"total"`
	Issues     []issueResponse `json:"issues"`
}

type createIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type issueRequest struct {
	Fields map[string]any `json:"fields"`
}

type projectStatuses struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Statuses []jira.Status `json:"statuses"`
}
