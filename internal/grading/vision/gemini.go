package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const gradePageSystem = `You are a grading assistant for scanned student answer sheets.
You receive one page image and the scoring rubric as JSON.
Grade every question visible on the page strictly against the rubric.

Rules:
1) Score only what is written on the page. Never invent answers.
2) For each question award scoring points individually and cite the
   evidence text for each award.
3) If a question visibly continues beyond this page, grade the visible
   part only and still report it.
4) If the page carries a student name, ID barcode or header field,
   report it as student_hint with your confidence.
5) Question numbering follows the rubric. Keep the rubric's question_id
   and point_id values exactly.
6) Output ONLY JSON matching this shape, no commentary:
{
  "questions": [
    {
      "question_id": "string",
      "score": 0.0,
      "max_score": 0.0,
      "feedback": "string",
      "confidence": 0.0,
      "scoring_points": [
        {"point_id": "string", "awarded": 0.0, "max_points": 0.0, "evidence": "string"}
      ]
    }
  ],
  "student_hint": {"value": "string", "method": "handwriting|barcode|header", "confidence": 0.0}
}
Omit student_hint when the page carries no identity signal.`

const parseRubricSystem = `You are a rubric extraction assistant.
You receive a scanned scoring standard. Extract every question with its
max score and scoring point breakdown.

Rules:
1) Keep the document's own question numbering as question_id.
2) Each scoring point gets a stable point_id (q<question>_p<n>), its
   description verbatim and its max points.
3) parse_confidence reflects how certain you are that the extraction is
   complete and correct, 0.0 to 1.0.
4) Output ONLY JSON, no commentary:
{
  "questions": [
    {
      "question_id": "string",
      "max_score": 0.0,
      "scoring_points": [
        {"point_id": "string", "description": "string", "max_points": 0.0, "confidence": 0.0}
      ]
    }
  ],
  "parse_confidence": 0.0
}`

// GeminiEngine grades pages and parses rubrics through the Gemini API.
// It makes exactly one model call per request; retry and rate limiting
// belong to the caller.
type GeminiEngine struct {
	apiKey string
	model  string
}

// NewGeminiEngine creates an engine for the given API key and model name.
func NewGeminiEngine(apiKey, modelName string) *GeminiEngine {
	return &GeminiEngine{
		apiKey: strings.TrimSpace(apiKey),
		model:  strings.TrimSpace(modelName),
	}
}

type pageWire struct {
	Questions   []questionWire     `json:"questions"`
	StudentHint *model.StudentHint `json:"student_hint,omitempty"`
}

type questionWire struct {
	QuestionID    string                     `json:"question_id"`
	Score         float64                    `json:"score"`
	MaxScore      float64                    `json:"max_score"`
	Feedback      string                     `json:"feedback"`
	Confidence    float64                    `json:"confidence"`
	ScoringPoints []model.ScoringPointResult `json:"scoring_points,omitempty"`
}

type rubricWire struct {
	Questions       []model.RubricQuestion `json:"questions"`
	ParseConfidence float64                `json:"parse_confidence"`
}

// GradePage scores one page image against the run's rubric.
func (e *GeminiEngine) GradePage(ctx context.Context, req PageRequest) (model.PageGradingResult, error) {
	rubricJSON, err := json.Marshal(req.Rubric)
	if err != nil {
		return model.PageGradingResult{}, appErr.Wrapf(err, appErr.InternalServerError, "failed to encode rubric")
	}

	parts := []genai.Part{
		genai.Text(fmt.Sprintf("Grade page %d. Respond with JSON only.\nRUBRIC_JSON:\n%s",
			req.PageIndex, rubricJSON)),
		&genai.Blob{MIMEType: pickMIME(req.MIMEType), Data: req.Image},
	}

	raw, err := e.generate(ctx, gradePageSystem, parts)
	if err != nil {
		return model.PageGradingResult{}, err
	}

	var wire pageWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return model.PageGradingResult{}, appErr.Wrapf(err, appErr.ModelResponseInvalid,
			"page %d grading response is not valid JSON", req.PageIndex)
	}

	result := model.PageGradingResult{
		PageIndex:       req.PageIndex,
		QuestionResults: make([]model.QuestionResult, 0, len(wire.Questions)),
		StudentHint:     wire.StudentHint,
		Status:          model.PageStatusOK,
	}
	for _, q := range wire.Questions {
		if q.QuestionID == "" || q.MaxScore <= 0 {
			return model.PageGradingResult{}, appErr.Newf(appErr.ModelResponseInvalid,
				"page %d grading response has a malformed question entry", req.PageIndex)
		}
		result.QuestionResults = append(result.QuestionResults, model.QuestionResult{
			QuestionID:    q.QuestionID,
			Score:         q.Score,
			MaxScore:      q.MaxScore,
			Feedback:      q.Feedback,
			Confidence:    q.Confidence,
			ScoringPoints: q.ScoringPoints,
			PageIndices:   []int{req.PageIndex},
		})
	}
	return result, nil
}

// ParseRubric extracts a structured rubric from a scanned document.
func (e *GeminiEngine) ParseRubric(ctx context.Context, req RubricRequest) (model.Rubric, error) {
	parts := []genai.Part{
		genai.Text("Extract the rubric. Respond with JSON only."),
		&genai.Blob{MIMEType: pickMIME(req.MIMEType), Data: req.Image},
	}

	raw, err := e.generate(ctx, parseRubricSystem, parts)
	if err != nil {
		return model.Rubric{}, err
	}

	var wire rubricWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return model.Rubric{}, appErr.Wrapf(err, appErr.ModelResponseInvalid,
			"rubric response is not valid JSON")
	}
	if len(wire.Questions) == 0 {
		return model.Rubric{}, appErr.Newf(appErr.RubricParseFailed,
			"rubric response contains no questions")
	}
	return model.Rubric{
		Questions:       wire.Questions,
		ParseConfidence: wire.ParseConfidence,
	}, nil
}

// generate runs one model call and returns the stripped response text.
func (e *GeminiEngine) generate(ctx context.Context, system string, parts []genai.Part) (string, error) {
	if e.apiKey == "" {
		return "", appErr.Newf(appErr.ModelUnavailable, "gemini api key is empty")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(e.apiKey))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ModelUnavailable, "failed to create gemini client")
	}
	defer client.Close()

	m := client.GenerativeModel(e.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(system)},
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ModelUnavailable, "gemini call failed")
	}
	text := firstText(resp)
	if text == "" {
		return "", appErr.Newf(appErr.ModelResponseInvalid, "gemini returned an empty response")
	}
	return stripCodeFences(strings.TrimSpace(text)), nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func pickMIME(mime string) string {
	if mime == "" {
		return "image/png"
	}
	return mime
}

func ptrFloat32(v float32) *float32 { return &v }

var (
	_ Grader       = (*GeminiEngine)(nil)
	_ RubricParser = (*GeminiEngine)(nil)
)
