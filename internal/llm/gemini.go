package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	DefaultGeminiModel     = "gemini-3-flash-preview"
	DefaultGeminiLiteModel = "gemini-2.5-flash-lite"
	// maxImagesPerCall bounds the photos sent in one vision request.
	maxImagesPerCall = 10
)

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion      = 0.50 // $0.50 per 1M input tokens (text/image/video)
	geminiOutputPricePerMillion     = 3.00 // $3.00 per 1M output tokens (including thinking)
	geminiLiteInputPricePerMillion  = 0.075
	geminiLiteOutputPricePerMillion = 0.30
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey    string
	Model     string
	LiteModel string
	// BaseURL overrides the API endpoint. Empty uses the public endpoint.
	BaseURL string
}

// GeminiClient implements Analyzer, ListingGenerator and PriceSuggester using
// Google's Gemini API.
type GeminiClient struct {
	client    *genai.Client
	model     string
	liteModel string
}

// NewGeminiClient creates a Gemini client for the given API key.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g := &GeminiClient{client: client, model: cfg.Model, liteModel: cfg.LiteModel}
	if g.model == "" {
		g.model = DefaultGeminiModel
	}
	if g.liteModel == "" {
		g.liteModel = DefaultGeminiLiteModel
	}
	return g, nil
}

var analysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"category":       {Type: genai.TypeString},
		"brand":          {Type: genai.TypeString},
		"model":          {Type: genai.TypeString},
		"condition":      {Type: genai.TypeString, Enum: []string{"New", "Like New", "Good", "Fair", "Poor"}},
		"colors":         {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"materials":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"features":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"visibleText":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"sizeCategory":   {Type: genai.TypeString},
		"suggestedTitle": {Type: genai.TypeString},
		"confidence":     {Type: genai.TypeNumber},
	},
	Required: []string{"category", "condition", "suggestedTitle"},
}

var listingSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"title":       {Type: genai.TypeString},
		"description": {Type: genai.TypeString},
		"keywords":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required:         []string{"title", "description", "keywords"},
	PropertyOrdering: []string{"title", "description", "keywords"},
}

var priceSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"suggestedPrice": {Type: genai.TypeNumber},
		"priceRange": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"min": {Type: genai.TypeNumber},
				"max": {Type: genai.TypeNumber},
			},
			Required: []string{"min", "max"},
		},
		"confidence": {Type: genai.TypeNumber},
		"reasoning":  {Type: genai.TypeString},
		"comparableItems": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"title": {Type: genai.TypeString},
					"price": {Type: genai.TypeNumber},
					"sold":  {Type: genai.TypeBoolean},
				},
			},
		},
	},
	Required: []string{"suggestedPrice", "priceRange", "reasoning"},
}

// Analyze identifies the item shown in the images. All images are sent in a
// single request so the model sees every angle.
func (g *GeminiClient) Analyze(ctx context.Context, images []Image) (*Analysis, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	if len(images) > maxImagesPerCall {
		images = images[:maxImagesPerCall]
	}

	parts := []*genai.Part{genai.NewPartFromText(buildAnalysisPrompt(len(images)))}
	for _, img := range images {
		mimeType := img.MIMEType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{Data: img.Data, MIMEType: mimeType},
		})
	}

	var analysis Analysis
	err := g.generateJSON(ctx, callSpec{
		name:        "analysis",
		model:       g.model,
		parts:       parts,
		schema:      analysisSchema,
		temperature: 0.3,
		imageCount:  len(images),
	}, &analysis)
	if err != nil {
		return nil, err
	}
	if err := NormalizeAnalysis(&analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// GenerateListing writes the title, description and keywords of a listing.
func (g *GeminiClient) GenerateListing(ctx context.Context, req GenerateRequest) (*ListingDraft, error) {
	if req.Analysis == nil {
		return nil, ErrUnidentifiedItem
	}
	var draft ListingDraft
	err := g.generateJSON(ctx, callSpec{
		name:        "listing",
		model:       g.model,
		system:      listingSystemPrompt,
		parts:       []*genai.Part{genai.NewPartFromText(buildListingPrompt(req))},
		schema:      listingSchema,
		temperature: 0.7,
	}, &draft)
	if err != nil {
		return nil, err
	}
	if err := NormalizeDraft(&draft); err != nil {
		return nil, err
	}
	return &draft, nil
}

// SuggestPrice estimates a market price using the lite model.
func (g *GeminiClient) SuggestPrice(ctx context.Context, analysis *Analysis, lc ListingContext) (*PriceSuggestion, error) {
	if analysis == nil {
		return nil, ErrUnidentifiedItem
	}
	var price PriceSuggestion
	err := g.generateJSON(ctx, callSpec{
		name:        "price",
		model:       g.liteModel,
		system:      priceSystemPrompt,
		parts:       []*genai.Part{genai.NewPartFromText(buildPricePrompt(analysis, lc))},
		schema:      priceSchema,
		temperature: 0.3,
	}, &price)
	if err != nil {
		return nil, err
	}
	if price.SuggestedPrice < 0 {
		price.SuggestedPrice = 0
	}
	return &price, nil
}

type callSpec struct {
	name        string
	model       string
	system      string
	parts       []*genai.Part
	schema      *genai.Schema
	temperature float32
	imageCount  int
}

// generateJSON executes a structured-output call and decodes the response into out.
func (g *GeminiClient) generateJSON(ctx context.Context, spec callSpec, out any) error {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   spec.schema,
		Temperature:      genai.Ptr(spec.temperature),
	}
	if spec.system != "" {
		config.SystemInstruction = genai.NewContentFromText(spec.system, genai.RoleUser)
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(spec.parts, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, spec.model, contents, config)
	if err != nil {
		return fmt.Errorf("failed to generate content: %w", err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return fmt.Errorf("no response from Gemini")
	}

	jsonStr, err := extractJSONObject(result.Text())
	if err != nil {
		return fmt.Errorf("failed to parse %s response: %w", spec.name, err)
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("failed to parse %s response JSON: %w (response: %s)", spec.name, err, jsonStr)
	}

	usage := usageFrom(result, spec.model == g.liteModel)
	log.Info().
		Str("model", spec.model).
		Str("call", spec.name).
		Int("imageCount", spec.imageCount).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("llm call")
	return nil
}

func usageFrom(result *genai.GenerateContentResponse, lite bool) Usage {
	usage := Usage{}
	if result.UsageMetadata == nil {
		return usage
	}
	usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
	usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
	usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
	if lite {
		usage.CostUSD = calculateGeminiCost(usage.InputTokens, usage.OutputTokens, geminiLiteInputPricePerMillion, geminiLiteOutputPricePerMillion)
	} else {
		usage.CostUSD = calculateGeminiCost(usage.InputTokens, usage.OutputTokens, geminiInputPricePerMillion, geminiOutputPricePerMillion)
	}
	return usage
}

func calculateGeminiCost(inputTokens, outputTokens int64, inputPrice, outputPrice float64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPrice
	outputCost := float64(outputTokens) / 1_000_000 * outputPrice
	return inputCost + outputCost
}

// extractJSONObject extracts a JSON object from text that may contain markdown
// code blocks or other formatting. Returns the extracted JSON string or an error.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}
