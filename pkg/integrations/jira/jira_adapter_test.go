package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testplanit/issuebridge/pkg/domain"
	"github.com/testplanit/issuebridge/pkg/richtext"
)

const issueFixture = `{
  "id": "10001",
  "key": "QA-1",
  "fields": {
    "summary": "Login fails",
    "description": {"type": "doc", "version": 1, "content": [
      {"type": "paragraph", "content": [{"type": "text", "text": "Steps to reproduce"}]}
    ]},
    "status": {"id": "1", "name": "To Do", "statusCategory": {"id": 2, "key": "new", "name": "To Do"}},
    "priority": {"id": "3", "name": "Medium"},
    "issuetype": {"id": "10004", "name": "Bug", "iconUrl": "https://jira.example.com/bug.png"},
    "assignee": {"accountId": "acc-1", "displayName": "Ada", "emailAddress": "ada@example.com"},
    "reporter": null,
    "labels": ["regression"],
    "created": "2024-01-15T10:30:00.000+0000",
    "updated": "2024-01-16T08:00:00.000+0000",
    "customfield_10010": "sprint-5",
    "customfield_10011": null
  }
}`

func newTestJiraAdapter(t *testing.T, serverURL string, settings map[string]any) *JiraAdapter {
	t.Helper()

	adapter, err := newJiraAdapter(domain.AdapterConfig{
		IntegrationID:  "int-1",
		Provider:       domain.IntegrationProvider_Jira,
		BaseURL:        serverURL,
		Settings:       settings,
		RateLimitDelay: -1,
		MaxRetries:     -1,
	})
	require.NoError(t, err)

	return adapter
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func authenticate(t *testing.T, adapter *JiraAdapter) {
	t.Helper()

	require.NoError(t, adapter.Authenticate(context.Background(), domain.AuthenticationData{
		Type:   domain.AuthenticationType_APIKey,
		APIKey: "api-token",
		Email:  "qa@example.com",
	}))
}

func myselfHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("qa@example.com:api-token"))
		if r.Header.Get("Authorization") != expected {
			writeJSON(w, http.StatusUnauthorized, `{"errorMessages":["unauthorized"]}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"accountId":"acc-qa","displayName":"QA Bot"}`)
	}
}

func TestAuthenticate_APIToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, nil)
	authenticate(t, adapter)
	assert.True(t, adapter.IsAuthenticated())

	other := newTestJiraAdapter(t, server.URL, nil)
	err := other.Authenticate(context.Background(), domain.AuthenticationData{
		Type:   domain.AuthenticationType_APIKey,
		APIKey: "wrong",
		Email:  "qa@example.com",
	})
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.False(t, other.IsAuthenticated())
}

func TestGetIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("GET /rest/api/3/issue/QA-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, issueFixture)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, nil)
	authenticate(t, adapter)

	issue, err := adapter.GetIssue(context.Background(), "QA-1")
	require.NoError(t, err)

	assert.Equal(t, "10001", issue.ID)
	assert.Equal(t, "QA-1", issue.Key)
	assert.Equal(t, "Login fails", issue.Title)
	assert.Equal(t, "Steps to reproduce", issue.Description)
	assert.Equal(t, "To Do", issue.Status)
	assert.Equal(t, "Medium", issue.Priority)
	require.NotNil(t, issue.IssueType)
	assert.Equal(t, "Bug", issue.IssueType.Name)
	require.NotNil(t, issue.Assignee)
	assert.Equal(t, domain.IssueUser{ID: "acc-1", Name: "Ada", Email: "ada@example.com"}, *issue.Assignee)
	assert.Nil(t, issue.Reporter)
	assert.Equal(t, []string{"regression"}, issue.Labels)
	assert.Equal(t, map[string]any{"customfield_10010": "sprint-5"}, issue.CustomFields)
	assert.True(t, issue.CreatedAt.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)))
	assert.Equal(t, server.URL+"/browse/QA-1", issue.URL)
}

func TestGetIssue_NotFoundIsTransportError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("GET /rest/api/3/issue/QA-404", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"errorMessages":["Issue does not exist"]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, nil)
	authenticate(t, adapter)

	_, err := adapter.GetIssue(context.Background(), "QA-404")

	var transportErr *domain.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusNotFound, transportErr.StatusCode)
	assert.Contains(t, transportErr.Body, "Issue does not exist")
}

func TestCreateIssue_RoundTrip(t *testing.T) {
	var created map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("POST /rest/api/3/issue", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		created = body.Fields
		writeJSON(w, http.StatusCreated, `{"id":"10001","key":"QA-1"}`)
	})
	mux.HandleFunc("GET /rest/api/3/issue/QA-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, issueFixture)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, map[string]any{SettingKey_ProjectKey: "QA"})
	authenticate(t, adapter)

	issue, err := adapter.CreateIssue(context.Background(), domain.CreateIssueData{
		Title:        "Login fails",
		Description:  "Steps to reproduce",
		IssueType:    "Bug",
		Priority:     "Medium",
		Labels:       []string{"regression"},
		CustomFields: map[string]any{"customfield_10010": "sprint-5"},
	})
	require.NoError(t, err)

	assert.Equal(t, "QA-1", issue.Key)
	assert.Equal(t, "Login fails", issue.Title)

	require.NotNil(t, created)
	assert.Equal(t, map[string]any{"key": "QA"}, created["project"])
	assert.Equal(t, map[string]any{"name": "Bug"}, created["issuetype"])
	assert.Equal(t, map[string]any{"name": "Medium"}, created["priority"])
	assert.Equal(t, "sprint-5", created["customfield_10010"])

	description, ok := created["description"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "doc", description["type"])
	assert.Equal(t, float64(1), description["version"])
}

func TestCreateIssue_RequiresProject(t *testing.T) {
	adapter := newTestJiraAdapter(t, "https://jira.example.com", nil)

	_, err := adapter.CreateIssue(context.Background(), domain.CreateIssueData{Title: "x"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestUpdateIssue_TransitionsStatus(t *testing.T) {
	var (
		mu           sync.Mutex
		updated      map[string]any
		transitionID string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("PUT /rest/api/3/issue/QA-1", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		updated = body.Fields
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /rest/api/2/issue/QA-1/transitions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"transitions":[
			{"id":"21","name":"Start","to":{"id":"3","name":"In Progress"}},
			{"id":"31","name":"Finish","to":{"id":"4","name":"Done"}}
		]}`)
	})
	mux.HandleFunc("POST /rest/api/2/issue/QA-1/transitions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Transition struct {
				ID string `json:"id"`
			} `json:"transition"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		transitionID = body.Transition.ID
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /rest/api/3/issue/QA-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, issueFixture)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, nil)
	authenticate(t, adapter)

	title := "Login fails on Safari"
	status := "done"
	_, err := adapter.UpdateIssue(context.Background(), "QA-1", domain.UpdateIssueData{
		Title:  &title,
		Status: &status,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]any{"summary": title}, updated)
	assert.Equal(t, "31", transitionID)
}

func TestUpdateIssue_UnknownStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("GET /rest/api/2/issue/QA-1/transitions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"transitions":[]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, nil)
	authenticate(t, adapter)

	status := "Archived"
	_, err := adapter.UpdateIssue(context.Background(), "QA-1", domain.UpdateIssueData{Status: &status})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Archived")
}

func TestSearchIssues(t *testing.T) {
	var request searchRequest

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("POST /rest/api/3/search", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		writeJSON(w, http.StatusOK, `{"startAt":0,"maxResults":2,"total":3,"issues":[`+issueFixture+`,`+strings.Replace(issueFixture, "QA-1", "QA-2", 1)+`]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, map[string]any{SettingKey_ProjectKey: "QA"})
	authenticate(t, adapter)

	result, err := adapter.SearchIssues(context.Background(), domain.IssueSearchOptions{Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, `project = "QA" AND updated >= -30d ORDER BY updated DESC`, request.JQL)
	assert.Equal(t, 2, request.MaxResults)
	assert.Equal(t, 3, result.Total)
	assert.True(t, result.HasMore)
	require.Len(t, result.Issues, 2)
	assert.Equal(t, "QA-2", result.Issues[1].Key)
}

func TestLinkToTestCase(t *testing.T) {
	var link map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("POST /rest/api/2/issue/QA-1/remotelink", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&link))
		writeJSON(w, http.StatusCreated, `{"id":10000,"self":"x"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, nil)
	authenticate(t, adapter)

	err := adapter.LinkToTestCase(context.Background(), "QA-1", "tc-7", map[string]any{
		"url":   "https://tms.example.com/cases/7",
		"title": "Login works",
	})
	require.NoError(t, err)

	assert.Equal(t, "testcase:tc-7", link["globalId"])
	object, ok := link["object"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://tms.example.com/cases/7", object["url"])
	assert.Equal(t, "Login works", object["title"])
}

func TestAuthenticate_OAuthResolvesCloudID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/token/accessible-resources", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer oauth-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `[
			{"id":"cloud-other","name":"Other","url":"https://other.atlassian.net"},
			{"id":"cloud-1","name":"Acme","url":"https://acme.atlassian.net"}
		]`)
	})
	mux.HandleFunc("GET /ex/jira/cloud-1/rest/api/3/myself", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"accountId":"acc-1"}`)
	})
	mux.HandleFunc("GET /ex/jira/cloud-1/rest/api/3/issue/QA-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, issueFixture)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	previous := AtlassianAPIURL
	AtlassianAPIURL = server.URL
	t.Cleanup(func() { AtlassianAPIURL = previous })

	adapter := newTestJiraAdapter(t, "https://acme.atlassian.net", nil)
	require.NoError(t, adapter.Authenticate(context.Background(), domain.AuthenticationData{
		Type:        domain.AuthenticationType_OAuth,
		AccessToken: "oauth-token",
	}))

	issue, err := adapter.GetIssue(context.Background(), "QA-1")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.atlassian.net/browse/QA-1", issue.URL)
}

func TestUploadAttachment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", myselfHandler(t))
	mux.HandleFunc("POST /rest/api/2/issue/QA-1/attachments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "nocheck", r.Header.Get("X-Atlassian-Token"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, _ := io.ReadAll(file)
		assert.Equal(t, "trace log", string(content))
		writeJSON(w, http.StatusOK, `[{"id":"900","filename":"`+header.Filename+`","content":"https://jira/att/900"}]`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newTestJiraAdapter(t, server.URL, nil)
	authenticate(t, adapter)

	result, err := domain.UploadAttachment(context.Background(), adapter, "QA-1", domain.Attachment{
		FileName: "trace.log",
		Content:  strings.NewReader("trace log"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentResult{ID: "900", FileName: "trace.log", URL: "https://jira/att/900"}, result)
}

func TestToADFDescriptionSurvivesRoundTrip(t *testing.T) {
	doc := richtext.NewDocument(richtext.Paragraph(richtext.Text("bold", richtext.Bold())))
	raw, err := json.Marshal(richtext.ToADF(doc))
	require.NoError(t, err)

	parsed, err := richtext.ParseADF(raw)
	require.NoError(t, err)
	assert.Equal(t, "bold", richtext.PlainText(parsed))
}
