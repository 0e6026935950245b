package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"sentinentx/internal/errors"
	"sentinentx/internal/indicators"
	"sentinentx/internal/models"
)

// ChatClient is the part of the OpenAI client the provider uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider asks a chat model for a JSON vote.
type OpenAIProvider struct {
	BaseProvider
	client ChatClient
	model  string
}

// NewOpenAIProvider creates a provider backed by an OpenAI-compatible endpoint.
func NewOpenAIProvider(name string, enabled bool, apiKey, model, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(name, enabled),
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
	}
}

// NewOpenAIProviderWithClient creates a provider around an existing client.
func NewOpenAIProviderWithClient(name string, client ChatClient, model string) *OpenAIProvider {
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(name, true),
		client:       client,
		model:        model,
	}
}

const entrySystemPrompt = `You are a risk-aware crypto derivatives trader for USDT linear perpetuals.
Decide whether to open a position for the symbol in the snapshot.
Reply with a single JSON object and nothing else:
{"action": "LONG|SHORT|NO_TRADE", "confidence": <0-100>, "leverage": <3-75>,
 "stop_loss": <price>, "take_profit": <price>, "reason": "<one sentence>"}
Stops must sit on the losing side of the current price and targets on the winning side.`

const manageSystemPrompt = `You are a risk-aware crypto derivatives trader managing an open position.
Decide what to do with the position in the snapshot.
Reply with a single JSON object and nothing else:
{"action": "HOLD|CLOSE|SCALE_IN|SCALE_OUT", "confidence": <0-100>,
 "qty_delta_factor": <-1..1>, "stop_loss": <price>, "take_profit": <price>, "reason": "<one sentence>"}
qty_delta_factor is the fraction of the current size to add (positive) or remove (negative).`

// Decide sends the snapshot to the model and parses its vote.
func (p *OpenAIProvider) Decide(ctx context.Context, snap models.Snapshot) (*models.ProviderVote, error) {
	system := entrySystemPrompt
	if snap.Mode == models.ModeManage {
		system = manageSystemPrompt
	}

	userPrompt, err := buildUserPrompt(snap)
	if err != nil {
		return nil, errors.NewProviderError(p.Name(), "prompt", err)
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, errors.NewProviderError(p.Name(), "completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.NewProviderError(p.Name(), "completion", fmt.Errorf("no response from openai"))
	}

	vote, err := ParseVote(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, errors.NewProviderError(p.Name(), "parse", err)
	}

	base := p.NewVote(snap, vote.Action, vote.Confidence, vote.Reason)
	vote.ProviderID = base.ProviderID
	vote.Stage = base.Stage
	vote.Timestamp = base.Timestamp
	vote.LatencyMs = time.Since(start).Milliseconds()
	return vote, nil
}

type promptPosition struct {
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	Leverage   float64 `json:"leverage"`
	PnL        float64 `json:"unrealised_pnl"`
}

type promptVote struct {
	Provider   string  `json:"provider"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Leverage   float64 `json:"leverage,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type promptSnapshot struct {
	Symbol      string          `json:"symbol"`
	Mode        string          `json:"mode"`
	Price       float64         `json:"price"`
	ATR         float64         `json:"atr"`
	FundingRate float64         `json:"funding_rate,omitempty"`
	Closes      []float64       `json:"recent_closes"`
	Position    *promptPosition `json:"position,omitempty"`
	Equity      float64         `json:"equity,omitempty"`
	MarginUtil  float64         `json:"margin_utilization,omitempty"`
	PeerVotes   []promptVote    `json:"peer_votes,omitempty"`
}

func buildUserPrompt(snap models.Snapshot) (string, error) {
	closes := indicators.Closes(snap.Klines)
	if len(closes) > 30 {
		closes = closes[len(closes)-30:]
	}

	ps := promptSnapshot{
		Symbol: snap.Symbol,
		Mode:   string(snap.Mode),
		Price:  snap.Price,
		ATR:    snap.ATR,
		Closes: closes,
	}
	if snap.Ticker != nil {
		ps.FundingRate = snap.Ticker.FundingRate
	}
	if snap.Position.IsOpen() {
		ps.Position = &promptPosition{
			Side:       string(snap.Position.Side.Direction()),
			Size:       snap.Position.Size,
			EntryPrice: snap.Position.EntryPrice,
			Leverage:   snap.Position.Leverage,
			PnL:        snap.Position.UnrealisedPnL,
		}
	}
	if snap.Account != nil {
		ps.Equity = snap.Account.Equity
		ps.MarginUtil = snap.Account.MarginUtilization
	}
	for _, v := range snap.Stage1 {
		ps.PeerVotes = append(ps.PeerVotes, promptVote{
			Provider:   v.ProviderID,
			Action:     string(v.Action),
			Confidence: v.Confidence,
			Leverage:   v.Leverage,
			StopLoss:   v.StopLoss,
			TakeProfit: v.TakeProfit,
			Reason:     v.Reason,
		})
	}

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Market snapshot:\n")
	b.Write(data)
	if len(ps.PeerVotes) > 0 {
		b.WriteString("\n\nOther providers voted as shown in peer_votes. Reconsider your view in light of them.")
	}
	return b.String(), nil
}

// ParseVote parses a model reply into a vote. Code fences and surrounding prose are ignored.
// Unknown actions are kept verbatim so that the aggregator can reject them.
func ParseVote(content string) (*models.ProviderVote, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	raw := make(map[string]interface{})
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decoding vote: %w", err)
	}

	actionStr, _ := raw["action"].(string)
	action, ok := models.ParseAction(actionStr)
	if !ok {
		action = models.Action(strings.ToUpper(strings.TrimSpace(actionStr)))
	}

	vote := &models.ProviderVote{
		Action:         action,
		Confidence:     number(raw, "confidence"),
		Leverage:       number(raw, "leverage"),
		StopLoss:       number(raw, "stop_loss"),
		TakeProfit:     number(raw, "take_profit"),
		QtyDeltaFactor: number(raw, "qty_delta_factor"),
		Raw:            raw,
	}
	if reason, ok := raw["reason"].(string); ok {
		vote.Reason = reason
	}
	return vote, nil
}

// number reads a numeric field. Missing fields are 0; malformed ones are NaN.
func number(raw map[string]interface{}, key string) float64 {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}
