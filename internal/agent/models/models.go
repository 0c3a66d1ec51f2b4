// Package models defines agent and template types.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the agent's role. The set is closed; custom agents bring their own
// system prompt and get no framework-supplied prompt text.
type Kind string

const (
	KindOrchestrator Kind = "orchestrator"
	KindBackend      Kind = "backend"
	KindFrontend     Kind = "frontend"
	KindQA           Kind = "qa"
	KindCustom       Kind = "custom"
)

// Valid reports whether the kind is one of the known values.
func (k Kind) Valid() bool {
	switch k {
	case KindOrchestrator, KindBackend, KindFrontend, KindQA, KindCustom:
		return true
	}
	return false
}

// Worker reports whether agents of this kind can be assigned plan tasks.
// Everything except the orchestrator works.
func (k Kind) Worker() bool {
	return k.Valid() && k != KindOrchestrator
}

// Persona shapes how an agent presents itself and what goes into its system
// prompt.
type Persona struct {
	DisplayName  string   `json:"display_name"`
	Role         string   `json:"role"`
	SystemPrompt string   `json:"system_prompt"`
	Expertise    []string `json:"expertise,omitempty"`
}

// Config holds the per-agent LLM and tool settings. Zero values fall back to
// the instance defaults at request time.
type Config struct {
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	MemoryEnabled bool     `json:"memory_enabled"`
}

// Agent is a named participant addressable by @handle. Handles are unique
// among active agents, compared case-insensitively.
type Agent struct {
	ID        uuid.UUID `json:"id"`
	Handle    string    `json:"handle"`
	Kind      Kind      `json:"kind"`
	Persona   Persona   `json:"persona"`
	Config    Config    `json:"config"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Name returns the display name, falling back to the handle.
func (a *Agent) Name() string {
	if a.Persona.DisplayName != "" {
		return a.Persona.DisplayName
	}
	return a.Handle
}

// TemplateType distinguishes the built-in template set from user-created and
// shared ones. Default templates cannot be modified or deleted.
type TemplateType string

const (
	TemplateDefault   TemplateType = "default"
	TemplateCustom    TemplateType = "custom"
	TemplateCommunity TemplateType = "community"
)

// Valid reports whether the template type is one of the known values.
func (t TemplateType) Valid() bool {
	switch t {
	case TemplateDefault, TemplateCustom, TemplateCommunity:
		return true
	}
	return false
}

// Template is a reusable blueprint for creating agents. Instantiation copies
// kind, persona, and config onto a fresh agent; the template itself is never
// touched.
type Template struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	Type      TemplateType `json:"type"`
	Kind      Kind         `json:"kind"`
	Domain    string       `json:"domain"`
	Persona   Persona      `json:"persona"`
	Config    Config       `json:"config"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
