package models

import (
	"net/http"

	"github.com/rickchristie/regent"
	"github.com/tmc/langchaingo/llms/openai"
)

// GitHubModelsBaseURL is the base URL of the GitHub Models API.
const GitHubModelsBaseURL = "https://models.github.ai/inference"

// githubHeaderTransport adds the GitHub API version header to every request.
type githubHeaderTransport struct {
	base http.RoundTripper
}

func (t *githubHeaderTransport) Do(
	req *http.Request,
) (*http.Response, error) {
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	return t.base.RoundTrip(req)
}

// NewGitHub creates a model backed by the GitHub Models API, an OpenAI compatible
// endpoint. The token must be a fine-grained personal access token with the models:read
// permission. Model names use the publisher/model format, such as "openai/gpt-4.1".
//
// Additional openai.Option values customize the underlying client and override the
// defaults.
//
//	model, err := models.NewGitHub("openai/gpt-4.1", os.Getenv("GITHUB_TOKEN"))
func NewGitHub(model, token string, opts ...openai.Option) (*LCG, error) {
	if token == "" {
		return nil, regent.Errorf(
			regent.ErrConfiguration,
			"github token is required: create a fine-grained PAT with models:read "+
				"at https://github.com/settings/personal-access-tokens/new",
		)
	}

	allOpts := append([]openai.Option{
		openai.WithBaseURL(GitHubModelsBaseURL),
		openai.WithToken(token),
		openai.WithModel(model),
		openai.WithHTTPClient(&githubHeaderTransport{base: http.DefaultTransport}),
	}, opts...)

	llm, err := openai.New(allOpts...)
	if err != nil {
		return nil, regent.NewError(regent.ErrConfiguration, "failed to create GitHub Models client", err)
	}
	return NewLCG(llm).WithName(model), nil
}

// NewOpenAI creates a model backed by an OpenAI compatible API. The API key and base
// URL default to the OPENAI_API_KEY and OPENAI_BASE_URL environment variables.
func NewOpenAI(model string, opts ...openai.Option) (*LCG, error) {
	llm, err := openai.New(append([]openai.Option{openai.WithModel(model)}, opts...)...)
	if err != nil {
		return nil, regent.NewError(regent.ErrConfiguration, "failed to create OpenAI client", err)
	}
	return NewLCG(llm).WithName(model), nil
}
