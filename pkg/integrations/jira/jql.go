package jira

import (
	"regexp"
	"strings"

	"github.com/testplanit/issuebridge/pkg/domain"
)

const (
	recentWindow   = "-30d"
	fullSyncWindow = "-365d"
)

var issueKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*-\d+$`)

// BuildJQL translates search options into a JQL query. Searches without free
// text are bounded by an updated window so a sync never walks the whole
// instance.
func BuildJQL(opts domain.IssueSearchOptions, defaultProject string) string {
	var clauses []string

	project := opts.ProjectID
	if project == "" {
		project = defaultProject
	}
	if project != "" {
		clauses = append(clauses, "project = "+quoteJQL(project))
	}

	query := strings.TrimSpace(opts.Query)
	if query != "" {
		text := []string{
			"summary ~ " + quoteJQL(query),
			"description ~ " + quoteJQL(query),
		}
		if issueKeyPattern.MatchString(strings.ToUpper(query)) {
			text = append(text, "key = "+quoteJQL(strings.ToUpper(query)))
		}
		clauses = append(clauses, "("+strings.Join(text, " OR ")+")")
	}

	if len(opts.Status) > 0 {
		clauses = append(clauses, "status IN ("+quoteJQLList(opts.Status)+")")
	}

	if opts.Assignee != "" {
		clauses = append(clauses, "assignee = "+quoteJQL(opts.Assignee))
	}

	if len(opts.Labels) > 0 {
		clauses = append(clauses, "labels IN ("+quoteJQLList(opts.Labels)+")")
	}

	if query == "" {
		window := recentWindow
		if opts.FullSync {
			window = fullSyncWindow
		}
		clauses = append(clauses, "updated >= "+window)
	}

	return strings.Join(clauses, " AND ") + " ORDER BY updated DESC"
}

func quoteJQL(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func quoteJQLList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, quoteJQL(v))
	}
	return strings.Join(quoted, ", ")
}
