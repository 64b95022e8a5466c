// Package vision is an analyzer backed by an OpenAI vision model instead
// of the diagnosis backend.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
	"plant-doctor/pkg/logger"
)

const (
	systemPrompt = "You are a plant pathologist and botanist. You look at one photo of a plant and answer only with a JSON object."

	diagnosePrompt = `Diagnose the plant in this photo. Reply with JSON:
{"plant_found": bool, "condition": string, "confidence": number 0-100, "symptoms": [string], "causes": [string], "treatment": [string], "category": string, "severity": "low"|"medium"|"high", "health_score": number 0-100}
If no plant or leaf is visible set plant_found to false.`

	identifyPrompt = `Identify the plant in this photo. Reply with JSON:
{"plant_found": bool, "name": string, "scientific_name": string, "family": string, "confidence": number 0-100}
If no plant is visible set plant_found to false.`
)

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logger.Logger
}

type Analyzer struct {
	client *openai.Client
	model  string
	logger *logger.Logger
}

func New(cfg Config) *Analyzer {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Analyzer{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: log.Named("vision"),
	}
}

// WithModel overrides the chat model.
func (a *Analyzer) WithModel(model string) *Analyzer {
	a.model = model
	return a
}

type diagnosisAnswer struct {
	PlantFound  *bool    `json:"plant_found"`
	Condition   string   `json:"condition"`
	Confidence  float64  `json:"confidence"`
	Symptoms    []string `json:"symptoms"`
	Causes      []string `json:"causes"`
	Treatment   []string `json:"treatment"`
	Category    string   `json:"category"`
	Severity    string   `json:"severity"`
	HealthScore *float64 `json:"health_score"`
}

type identificationAnswer struct {
	PlantFound     *bool   `json:"plant_found"`
	Name           string  `json:"name"`
	ScientificName string  `json:"scientific_name"`
	Family         string  `json:"family"`
	Confidence     float64 `json:"confidence"`
}

// Diagnose asks the model for a diagnosis. token and deviceID are unused;
// they keep the signature shared with the backend client.
func (a *Analyzer) Diagnose(ctx context.Context, img capture.Image, _, _ string) (models.Diagnosis, error) {
	const op = "diagnose"

	var ans diagnosisAnswer
	if err := a.ask(ctx, op, img, diagnosePrompt, &ans); err != nil {
		return models.Diagnosis{}, err
	}
	if ans.PlantFound != nil && !*ans.PlantFound {
		return models.Diagnosis{}, apierr.BadImage(op, "no plant detected")
	}
	if strings.TrimSpace(ans.Condition) == "" {
		return models.Diagnosis{}, apierr.InvalidResponse(op, errors.New("missing condition"))
	}
	return models.Diagnosis{
		Condition:   ans.Condition,
		Confidence:  models.NormalizeConfidence(ans.Confidence),
		Symptoms:    orEmpty(ans.Symptoms),
		Causes:      orEmpty(ans.Causes),
		Treatment:   orEmpty(ans.Treatment),
		Category:    ans.Category,
		Severity:    ans.Severity,
		HealthScore: ans.HealthScore,
	}, nil
}

func (a *Analyzer) Identify(ctx context.Context, img capture.Image, _, _ string) (models.Identification, error) {
	const op = "identify"

	var ans identificationAnswer
	if err := a.ask(ctx, op, img, identifyPrompt, &ans); err != nil {
		return models.Identification{}, err
	}
	if ans.PlantFound != nil && !*ans.PlantFound {
		return models.Identification{}, apierr.BadImage(op, "no plant detected")
	}
	if strings.TrimSpace(ans.Name) == "" {
		return models.Identification{}, apierr.InvalidResponse(op, errors.New("missing name"))
	}
	return models.Identification{
		Name:           ans.Name,
		Confidence:     models.NormalizeConfidence(ans.Confidence),
		ScientificName: ans.ScientificName,
		Family:         ans.Family,
	}, nil
}

func (a *Analyzer) ask(ctx context.Context, op string, img capture.Image, prompt string, out any) error {
	if img.Empty() {
		return apierr.BadImage(op, capture.ErrEmptyImage.Error())
	}

	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    img.DataURI(),
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens:   800,
		Temperature: 0.2,
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		a.logger.Warnw("Vision request failed", "op", op, "error", err)
		return classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return apierr.InvalidResponse(op, errors.New("no choices in response"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err != nil {
		return apierr.InvalidResponse(op, fmt.Errorf("failed to decode answer: %w", err))
	}
	a.logger.Debugw("Vision answer", "op", op, "tokens", resp.Usage.TotalTokens)
	return nil
}

// classify maps OpenAI failures onto the API taxonomy. A rejected API key
// is our misconfiguration, not the user's session, so it never surfaces as
// UNAUTHORIZED.
func classify(op string, err error) error {
	status, detail := 0, ""
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, detail = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return apierr.FromTransport(op, err)
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		e := apierr.New(op, apierr.KindBackendDown)
		e.StatusCode = status
		e.Detail = detail
		e.Err = err
		return e
	}
	e := apierr.FromStatus(op, apierr.FlowAnonymous, status, detail)
	e.Err = err
	return e
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
