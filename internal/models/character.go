package models

import "time"

// Character is a conversational persona with its own knowledge base.
type Character struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	PersonaPrompt string    `json:"persona_prompt"`
	Voice         string    `json:"voice"`
	CreatedAt     time.Time `json:"created_at"`
}
