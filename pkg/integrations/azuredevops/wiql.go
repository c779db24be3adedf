package azuredevops

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/testplanit/issuebridge/pkg/domain"
)

// BuildWIQL translates search options into a WIQL query over work items. A
// free text query matches title or description, and a numeric one also the
// work item id. Without text the query is limited to recently changed items.
func BuildWIQL(opts domain.IssueSearchOptions, defaultProject string) string {
	var clauses []string

	project := opts.ProjectID
	if project == "" {
		project = defaultProject
	}
	if project != "" {
		clauses = append(clauses, fmt.Sprintf("[%s] = %s", field_TeamProject, quoteWIQL(project)))
	}

	query := strings.TrimSpace(opts.Query)
	if query != "" {
		text := []string{
			fmt.Sprintf("[%s] CONTAINS %s", field_Title, quoteWIQL(query)),
			fmt.Sprintf("[%s] CONTAINS %s", field_Description, quoteWIQL(query)),
		}
		if id, err := strconv.Atoi(strings.TrimPrefix(query, "#")); err == nil && id > 0 {
			text = append(text, fmt.Sprintf("[System.Id] = %d", id))
		}
		clauses = append(clauses, "("+strings.Join(text, " OR ")+")")
	}

	if len(opts.Status) > 0 {
		clauses = append(clauses, fmt.Sprintf("[%s] IN (%s)", field_State, quoteWIQLList(opts.Status)))
	}

	if opts.Assignee != "" {
		clauses = append(clauses, fmt.Sprintf("[%s] = %s", field_AssignedTo, quoteWIQL(opts.Assignee)))
	}

	for _, label := range opts.Labels {
		clauses = append(clauses, fmt.Sprintf("[%s] CONTAINS %s", field_Tags, quoteWIQL(label)))
	}

	if query == "" {
		days := 30
		if opts.FullSync {
			days = 365
		}
		clauses = append(clauses, fmt.Sprintf("[%s] >= @Today - %d", field_ChangedDate, days))
	}

	wiql := "SELECT [System.Id] FROM WorkItems"
	if len(clauses) > 0 {
		wiql += " WHERE " + strings.Join(clauses, " AND ")
	}

	return wiql + fmt.Sprintf(" ORDER BY [%s] DESC", field_ChangedDate)
}

func quoteWIQL(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func quoteWIQLList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quoteWIQL(v)
	}
	return strings.Join(quoted, ", ")
}
