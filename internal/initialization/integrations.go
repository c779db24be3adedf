package initialization

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
	"github.com/testplanit/issuebridge/pkg/integrations/azuredevops"
	githubintegration "github.com/testplanit/issuebridge/pkg/integrations/github"
	"github.com/testplanit/issuebridge/pkg/integrations/jira"
	"github.com/testplanit/issuebridge/pkg/integrations/simpleurl"
)

type AdapterRegistry interface {
	Register(provider domain.IntegrationProvider, factory domain.AdapterFactory)
	RegisterSettingsSchema(provider domain.IntegrationProvider, schema string) error
}

type adapterRegisterParams struct {
	Provider       domain.IntegrationProvider
	NewAdapter     domain.AdapterFactory
	SettingsSchema string
}

var adapterRegisterParamsList = []adapterRegisterParams{
	{
		Provider:       domain.IntegrationProvider_Jira,
		NewAdapter:     jira.NewJiraAdapter,
		SettingsSchema: jira.SettingsSchema,
	},
	{
		Provider:       domain.IntegrationProvider_GitHub,
		NewAdapter:     githubintegration.NewGitHubAdapter,
		SettingsSchema: githubintegration.SettingsSchema,
	},
	{
		Provider:       domain.IntegrationProvider_AzureDevOps,
		NewAdapter:     azuredevops.NewAzureDevOpsAdapter,
		SettingsSchema: azuredevops.SettingsSchema,
	},
	{
		Provider:       domain.IntegrationProvider_SimpleURL,
		NewAdapter:     simpleurl.NewSimpleURLAdapter,
		SettingsSchema: simpleurl.SettingsSchema,
	},
}

// RegisterAdapters registers every built-in provider adapter and its settings
// schema.
func RegisterAdapters(registry AdapterRegistry) error {
	for _, params := range adapterRegisterParamsList {
		log.Debug().Msgf("Registering adapter for %s", params.Provider)

		registry.Register(params.Provider, params.NewAdapter)

		if params.SettingsSchema == "" {
			continue
		}

		if err := registry.RegisterSettingsSchema(params.Provider, params.SettingsSchema); err != nil {
			return fmt.Errorf("failed to register settings schema for %s: %w", params.Provider, err)
		}
	}

	return nil
}
