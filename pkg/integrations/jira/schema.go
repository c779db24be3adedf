package jira

// SettingsSchema validates the settings of a Jira integration.
const SettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "baseUrl": {"type": "string", "format": "uri", "pattern": "^https?://"},
    "cloudId": {"type": "string", "minLength": 1},
    "projectKey": {"type": "string", "pattern": "^[A-Z][A-Z0-9_]*$"},
    "defaultIssueType": {"type": "string", "minLength": 1},
    "autoSync": {"type": "boolean"}
  },
  "anyOf": [
    {"required": ["baseUrl"]},
    {"required": ["cloudId"]}
  ]
}`
