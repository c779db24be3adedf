package githubintegration

// Webhook events the adapter subscribes to when none are requested.
const (
	WebhookEvent_Issues       = "issues"
	WebhookEvent_IssueComment = "issue_comment"
)

var DefaultWebhookEvents = []string{WebhookEvent_Issues, WebhookEvent_IssueComment}

// SettingsSchema validates the settings of a GitHub integration.
const SettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "baseUrl": {"type": "string", "format": "uri", "pattern": "^https?://"},
    "owner": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9-]*$"},
    "repo": {"type": "string", "pattern": "^[A-Za-z0-9._-]+$"},
    "repository": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9-]*/[A-Za-z0-9._-]+$"},
    "autoSync": {"type": "boolean"}
  },
  "anyOf": [
    {"required": ["owner", "repo"]},
    {"required": ["repository"]}
  ]
}`
