package domain

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

const MaxPromptLength = 1000

var (
	PromptStyles = []string{"photorealistic", "digital-art", "illustration", "anime", "3d-render", "watercolor", "sketch"}
	PromptSizes  = []string{"512x512", "1024x1024", "1024x1792", "1792x1024"}
)

const (
	DefaultPromptStyle = "photorealistic"
	DefaultPromptSize  = "1024x1024"
)

// Prompt is the input of an AI generation job.
type Prompt struct {
	Text  string `json:"text"`
	Style string `json:"style"`
	Size  string `json:"size"`
}

// Normalize trims the text, fills defaults and validates the result.
func (p Prompt) Normalize() (Prompt, error) {
	p.Text = strings.TrimSpace(p.Text)
	p.Style = strings.ToLower(strings.TrimSpace(p.Style))
	p.Size = strings.ToLower(strings.TrimSpace(p.Size))
	if p.Style == "" {
		p.Style = DefaultPromptStyle
	}
	if p.Size == "" {
		p.Size = DefaultPromptSize
	}

	switch {
	case p.Text == "":
		return p, &Error{Kind: KindInvalidPrompt, Op: "prompt", Message: "prompt is empty"}
	case utf8.RuneCountInString(p.Text) > MaxPromptLength:
		return p, &Error{Kind: KindInvalidPrompt, Op: "prompt", Message: fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength)}
	case !slices.Contains(PromptStyles, p.Style):
		return p, &Error{Kind: KindInvalidPrompt, Op: "prompt", Message: fmt.Sprintf("unknown style %q", p.Style)}
	case !slices.Contains(PromptSizes, p.Size):
		return p, &Error{Kind: KindInvalidPrompt, Op: "prompt", Message: fmt.Sprintf("unknown size %q", p.Size)}
	}
	return p, nil
}

// Key is the duplicate-suppression key for AI jobs.
func (p Prompt) Key() string {
	return "ai:" + p.Style + ":" + p.Size + ":" + strings.ToLower(p.Text)
}
