package gemini

import "google.golang.org/genai"

// GenerateContentRequest mirrors the Gemini generateContent request body.
type GenerateContentRequest struct {
	Contents          []*genai.Content  `json:"contents"`
	SystemInstruction *genai.Content    `json:"system_instruction,omitempty"`
	SystemCamel       *genai.Content    `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// GenerationConfig carries the sampling fields the chat backend honours.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// GenerateContentResponse is the Gemini response format, used for both the
// blocking body and each streamed payload.
type GenerateContentResponse struct {
	Candidates    []*genai.Candidate `json:"candidates"`
	UsageMetadata *UsageMetadata     `json:"usageMetadata,omitempty"`
	ModelVersion  string             `json:"modelVersion,omitempty"`
	ResponseID    string             `json:"responseId,omitempty"`
}

// UsageMetadata carries token counts.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ErrorResponse is the Google API error envelope, sent in-band when a stream
// fails.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}
