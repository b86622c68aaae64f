package credentials

import (
	"sort"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/oauth2/slack"
)

// Recipe describes how to refresh tokens for one provider.
type Recipe struct {
	Endpoint oauth2.Endpoint
	Scopes   []string
}

// Recipes maps provider names to refresh recipes.
type Recipes map[string]Recipe

// DefaultRecipes returns the built-in provider registry.
func DefaultRecipes() Recipes {
	return Recipes{
		"google": {Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.google.com/o/oauth2/auth",
			TokenURL:  "https://oauth2.googleapis.com/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}},
		"github":    {Endpoint: github.Endpoint},
		"microsoft": {Endpoint: microsoft.AzureADEndpoint("common")},
		"slack":     {Endpoint: slack.Endpoint},
		"hubspot": {Endpoint: oauth2.Endpoint{
			AuthURL:   "https://app.hubspot.com/oauth/authorize",
			TokenURL:  "https://api.hubapi.com/oauth/v1/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}},
	}
}

// Names returns the registered provider names, sorted.
func (r Recipes) Names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
