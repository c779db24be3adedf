package azuredevops

// SettingsSchema validates the settings of an Azure DevOps integration.
const SettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "baseUrl": {"type": "string", "format": "uri", "pattern": "^https?://"},
    "organization": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
    "project": {"type": "string", "minLength": 1},
    "defaultWorkItemType": {"type": "string", "minLength": 1},
    "autoSync": {"type": "boolean"}
  },
  "required": ["project"],
  "anyOf": [
    {"required": ["baseUrl"]},
    {"required": ["organization"]}
  ]
}`
