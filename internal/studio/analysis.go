package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

var (
	// ErrUnsupportedMedia is returned when an inspection is given something
	// other than an image.
	ErrUnsupportedMedia = errors.New("studio: unsupported media type")

	// ErrMalformedResponse is returned when a structured answer does not
	// decode.
	ErrMalformedResponse = errors.New("studio: malformed model response")

	// ErrInvalidDate is returned for a date of loss not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("studio: date must be YYYY-MM-DD")
)

// ── Roof inspection ───────────────────────────────────────────────────────────

// RoofReport is the structured reading of one roof photo.
type RoofReport struct {
	Metadata  AnalysisMetadata `json:"analysis_metadata"`
	Roof      RoofSpecs        `json:"roof_specs"`
	Damage    DamageAssessment `json:"damage_assessment"`
	Valuation MarketValuation  `json:"market_valuation"`
}

type AnalysisMetadata struct {
	Confidence     float64 `json:"confidence_rating"`
	ProcessingMode string  `json:"processing_mode"`
	ModelVersion   string  `json:"model_version"`
}

type RoofSpecs struct {
	Material       string `json:"material_identified"`
	SquareFeet     int    `json:"estimated_sq_ft"`
	Facets         int    `json:"facet_count"`
	Pitch          string `json:"predominant_pitch"`
	WasteFactorPct string `json:"waste_factor_percentage"`
}

type DamageAssessment struct {
	Hail        bool   `json:"hail_impact_detected"`
	GranuleLoss bool   `json:"granule_loss_detected"`
	Mechanical  bool   `json:"mechanical_damage_detected"`
	Severity    int    `json:"severity_score"`
	Notes       string `json:"notes"`
}

type MarketValuation struct {
	Low      int    `json:"est_replacement_cost_low"`
	High     int    `json:"est_replacement_cost_high"`
	Currency string `json:"currency"`
}

const inspectionPrompt = `You are the Nimbus IQ roof inspection engine, auditing a roof photo for a contractor or adjuster.
Identify the roofing material and count the roof facets. Look for hail impact, granule loss and mechanical damage.
Estimate the roof area from visible architectural cues, taking a 6:12 pitch as the baseline where the slope is unclear.
Judge materials against Texas construction practice, such as Class 4 impact-resistant shingles.
Answer only with JSON that matches the response schema.`

func object(required []string, props map[string]*genai.Schema) *genai.Schema {
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}

func field(t genai.Type, desc string) *genai.Schema {
	return &genai.Schema{Type: t, Description: desc}
}

var roofSchema = object(
	[]string{"analysis_metadata", "roof_specs", "damage_assessment", "market_valuation"},
	map[string]*genai.Schema{
		"analysis_metadata": object(
			[]string{"confidence_rating", "processing_mode", "model_version"},
			map[string]*genai.Schema{
				"confidence_rating": field(genai.TypeNumber, "0.0 to 1.0, from image clarity and how clearly damage markers show."),
				"processing_mode":   field(genai.TypeString, "B2B_PREMIUM"),
				"model_version":     field(genai.TypeString, ""),
			}),
		"roof_specs": object(
			[]string{"material_identified", "estimated_sq_ft", "facet_count", "predominant_pitch", "waste_factor_percentage"},
			map[string]*genai.Schema{
				"material_identified":     field(genai.TypeString, "For example Asphalt Shingle or Class 4 Metal."),
				"estimated_sq_ft":         field(genai.TypeInteger, "Roof area from facet count and standard dimensions."),
				"facet_count":             field(genai.TypeInteger, ""),
				"predominant_pitch":       field(genai.TypeString, "Slope such as 6:12."),
				"waste_factor_percentage": field(genai.TypeString, "Recommended waste, usually 10-15%."),
			}),
		"damage_assessment": object(
			[]string{"hail_impact_detected", "granule_loss_detected", "mechanical_damage_detected", "severity_score", "notes"},
			map[string]*genai.Schema{
				"hail_impact_detected":       field(genai.TypeBoolean, ""),
				"granule_loss_detected":      field(genai.TypeBoolean, ""),
				"mechanical_damage_detected": field(genai.TypeBoolean, ""),
				"severity_score":             field(genai.TypeInteger, "1 to 10."),
				"notes":                      field(genai.TypeString, "Technical summary of the visual evidence."),
			}),
		"market_valuation": object(
			[]string{"est_replacement_cost_low", "est_replacement_cost_high", "currency"},
			map[string]*genai.Schema{
				"est_replacement_cost_low":  field(genai.TypeInteger, ""),
				"est_replacement_cost_high": field(genai.TypeInteger, ""),
				"currency":                  field(genai.TypeString, ""),
			}),
	},
)

// InspectRoof reads one roof photo into a [RoofReport]. The answer is
// constrained to the report schema at temperature 0.1.
func (s *Studio) InspectRoof(ctx context.Context, image []byte, mimeType string) (*RoofReport, error) {
	if len(image) == 0 {
		return nil, ErrEmptyInput
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}

	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(image, mimeType),
		genai.NewPartFromText(inspectionPrompt),
	}, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   roofSchema,
		Temperature:      genai.Ptr[float32](0.1),
	}

	resp, err := s.generate(ctx, "inspect_roof", s.inspectionModel, contents, cfg)
	if err != nil {
		return nil, err
	}
	var report RoofReport
	if err := decodeJSON(text(resp), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ── Storm date validation ─────────────────────────────────────────────────────

// StormReport is the verdict on a claimed date of loss.
type StormReport struct {
	Verification   EventVerification `json:"event_verification"`
	Timeline       []WeatherEvent    `json:"meteorological_timeline"`
	Recommendation string            `json:"sovereign_recommendation,omitempty"`

	// Sources are the search results the verdict was grounded on.
	Sources []Source `json:"sources,omitempty"`
}

type EventVerification struct {
	Verified   bool    `json:"is_verified"`
	Confidence float64 `json:"confidence"`
	HailSize   string  `json:"recorded_hail_size"`
	WindGusts  string  `json:"recorded_wind_gusts"`
	DataSource string  `json:"data_source,omitempty"`
}

type WeatherEvent struct {
	Timestamp string `json:"timestamp"`
	Condition string `json:"condition"`
	Severity  string `json:"severity_marker"`
}

// Source is one web page a grounded answer cites.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

const dateLayout = "2006-01-02"

var stormSchema = object(
	[]string{"event_verification", "meteorological_timeline"},
	map[string]*genai.Schema{
		"event_verification": object(
			[]string{"is_verified", "confidence", "recorded_hail_size", "recorded_wind_gusts"},
			map[string]*genai.Schema{
				"is_verified":         field(genai.TypeBoolean, ""),
				"confidence":          field(genai.TypeNumber, "0.0 to 1.0."),
				"recorded_hail_size":  field(genai.TypeString, ""),
				"recorded_wind_gusts": field(genai.TypeString, ""),
				"data_source":         field(genai.TypeString, ""),
			}),
		"meteorological_timeline": {
			Type: genai.TypeArray,
			Items: object(nil, map[string]*genai.Schema{
				"timestamp":       field(genai.TypeString, ""),
				"condition":       field(genai.TypeString, ""),
				"severity_marker": field(genai.TypeString, ""),
			}),
		},
		"sovereign_recommendation": field(genai.TypeString, "What the adjuster should do next."),
	},
)

// ValidateStormDate checks, against web search results, whether a storm hit
// address on date (YYYY-MM-DD).
func (s *Studio) ValidateStormDate(ctx context.Context, address, date string) (*StormReport, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrEmptyInput
	}
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidDate, date)
	}

	prompt := fmt.Sprintf(`You are a forensic meteorologist verifying a claimed storm date of loss.
Address: %s
Date of loss: %s

Search for historical weather records for this address on this date. Prefer NOAA and National Weather Service storm reports, then local news.
Report the recorded hail size, wind gusts and lightning, and say whether a damaging event on this date is consistent with the storm cells in the area that day.
Answer only with JSON that matches the response schema.`, address, day.Format(dateLayout))

	cfg := &genai.GenerateContentConfig{
		Tools:            []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		ResponseMIMEType: "application/json",
		ResponseSchema:   stormSchema,
	}
	resp, err := s.generate(ctx, "validate_storm_date", s.reasoningModel,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, err
	}

	var report StormReport
	if err := decodeJSON(text(resp), &report); err != nil {
		return nil, err
	}
	report.Sources = sources(resp)
	return &report, nil
}

// ── Chat ──────────────────────────────────────────────────────────────────────

// ChatTurn is one message of a conversation. Role is "user" or "model".
type ChatTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChatReply is the model's answer and the pages it drew on.
type ChatReply struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// thinkingBudget is the token allowance for deliberate chat answers.
const thinkingBudget = 32768

const chatInstruction = `You are the Nimbus IQ architect, an adviser on roofing, property claims and the software that serves them.
Be direct and concise. Ground factual claims in search results and say when you could not verify something.
When asked to reason carefully, check each step before answering.`

// Chat answers message in the context of history, with search grounding.
// deliberate grants the model a thinking budget for harder questions.
func (s *Studio) Chat(ctx context.Context, history []ChatTurn, message string, deliberate bool) (ChatReply, error) {
	if strings.TrimSpace(message) == "" {
		return ChatReply{}, ErrEmptyInput
	}

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		role := genai.RoleUser
		if t.Role == string(genai.RoleModel) {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(chatInstruction, genai.RoleUser),
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	if deliberate {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](thinkingBudget)}
	}

	resp, err := s.generate(ctx, "chat", s.reasoningModel, contents, cfg)
	if err != nil {
		return ChatReply{}, err
	}
	return ChatReply{Text: text(resp), Sources: sources(resp)}, nil
}

// ── Response helpers ──────────────────────────────────────────────────────────

// text joins the answer parts of the first candidate, skipping thoughts.
func text(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, p := range parts(resp) {
		if !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// decodeJSON unmarshals the JSON object in s, tolerating a Markdown fence
// around it.
func decodeJSON(s string, v any) error {
	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in %q", ErrMalformedResponse, truncate(s, 80))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// sources lists the distinct web pages cited by the first candidate.
func sources(resp *genai.GenerateContentResponse) []Source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return nil
	}
	var out []Source
	seen := make(map[string]bool)
	for _, c := range gm.GroundingChunks {
		if c == nil || c.Web == nil || c.Web.URI == "" || seen[c.Web.URI] {
			continue
		}
		seen[c.Web.URI] = true
		out = append(out, Source{URI: c.Web.URI, Title: c.Web.Title})
	}
	return out
}
