package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type geminiStub struct {
	text   string
	status int
	paths  []string
	bodies []map[string]any
}

func (s *geminiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.paths = append(s.paths, r.URL.Path)
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	s.bodies = append(s.bodies, body)

	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"rate limited","status":"RESOURCE_EXHAUSTED"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": s.text}},
				},
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     1000,
			"candidatesTokenCount": 200,
			"totalTokenCount":      1200,
		},
	})
}

func newStubClient(t *testing.T, stub *geminiStub) *GeminiClient {
	t.Helper()
	ts := httptest.NewServer(stub)
	t.Cleanup(ts.Close)
	c, err := NewGeminiClient(context.Background(), GeminiConfig{APIKey: "test-key", BaseURL: ts.URL})
	require.NoError(t, err)
	return c
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), GeminiConfig{})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestGeminiClient_Analyze(t *testing.T) {
	stub := &geminiStub{text: "```json\n{\"category\":\"Chair\",\"brand\":\"Artek\",\"condition\":\"\"}\n```"}
	c := newStubClient(t, stub)

	a, err := c.Analyze(context.Background(), []Image{{Data: []byte("jpeg")}, {Data: []byte("png"), MIMEType: "image/png"}})
	require.NoError(t, err)

	assert.Equal(t, "Chair", a.Category)
	assert.Equal(t, DefaultCondition, a.Condition)
	assert.Equal(t, "Artek Chair", a.SuggestedTitle)
	require.Len(t, stub.paths, 1)
	assert.True(t, strings.HasSuffix(stub.paths[0], DefaultGeminiModel+":generateContent"), stub.paths[0])
}

func TestGeminiClient_AnalyzeUnidentified(t *testing.T) {
	c := newStubClient(t, &geminiStub{text: `{"category":"unknown"}`})
	_, err := c.Analyze(context.Background(), []Image{{Data: []byte("x")}})
	assert.ErrorIs(t, err, ErrUnidentifiedItem)
}

func TestGeminiClient_AnalyzeNoImages(t *testing.T) {
	c := newStubClient(t, &geminiStub{})
	_, err := c.Analyze(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestGeminiClient_GenerateListing(t *testing.T) {
	long := strings.Repeat("x", 80)
	stub := &geminiStub{text: `{"title":"` + long + `","description":"Nice","keywords":["a","b"]}`}
	c := newStubClient(t, stub)

	d, err := c.GenerateListing(context.Background(), GenerateRequest{Analysis: &Analysis{Category: "Chair"}})
	require.NoError(t, err)
	assert.Len(t, d.Title, MaxTitleLength)
	assert.Equal(t, "Nice", d.Description)
	assert.Equal(t, []string{"a", "b"}, d.Keywords)

	require.Len(t, stub.bodies, 1)
	assert.Contains(t, stub.bodies[0], "systemInstruction")
}

func TestGeminiClient_SuggestPriceUsesLiteModel(t *testing.T) {
	stub := &geminiStub{text: `{"suggestedPrice":-5,"priceRange":{"min":10,"max":20},"reasoning":"cheap"}`}
	c := newStubClient(t, stub)

	p, err := c.SuggestPrice(context.Background(), &Analysis{Category: "Lamp"}, ListingContext{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.SuggestedPrice)
	assert.Equal(t, PriceRange{Min: 10, Max: 20}, p.PriceRange)
	require.Len(t, stub.paths, 1)
	assert.Contains(t, stub.paths[0], DefaultGeminiLiteModel)
}

func TestGeminiClient_APIError(t *testing.T) {
	c := newStubClient(t, &geminiStub{status: http.StatusTooManyRequests})
	_, err := c.GenerateListing(context.Background(), GenerateRequest{Analysis: &Analysis{Category: "Chair"}})
	assert.Error(t, err)
}

func TestGeminiClient_NonJSONResponse(t *testing.T) {
	c := newStubClient(t, &geminiStub{text: "I cannot help with that"})
	_, err := c.GenerateListing(context.Background(), GenerateRequest{Analysis: &Analysis{Category: "Chair"}})
	assert.ErrorContains(t, err, "no JSON object found")
}

func TestCalculateGeminiCost(t *testing.T) {
	assert.InDelta(t, 0.5+3.0, calculateGeminiCost(1_000_000, 1_000_000, geminiInputPricePerMillion, geminiOutputPricePerMillion), 1e-9)
	assert.InDelta(t, 0.0, calculateGeminiCost(0, 0, 1, 1), 1e-9)
}

func TestExtractJSONObject(t *testing.T) {
	got, err := extractJSONObject("Here:\n```json\n{\"a\":{\"b\":1}}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":1}}`, got)

	_, err = extractJSONObject("nothing")
	assert.Error(t, err)
}
