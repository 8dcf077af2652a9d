package services

import (
	"errors"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/longregen/rubric/internal/domain/models"
)

// ErrFixtureMissing flags a cell that strict fixture mode could not
// serve from the deck.
var ErrFixtureMissing = errors.New("no fixture recorded")

// FixtureEntry is one recorded cell response. RunLabel may be empty,
// making the entry match any run of the same cell.
type FixtureEntry struct {
	PromptID         string                       `msgpack:"promptId"`
	BaseModelID      string                       `msgpack:"baseModelId"`
	EffectiveModelID string                       `msgpack:"effectiveModelId"`
	RunLabel         string                       `msgpack:"runLabel,omitempty"`
	ResponseText     string                       `msgpack:"responseText"`
	History          []models.ConversationMessage `msgpack:"history,omitempty"`
}

// Detail converts the entry into the cell detail the pipeline records.
func (e *FixtureEntry) Detail(system *string) *models.ModelResponseDetail {
	history := make([]models.ConversationMessage, len(e.History))
	copy(history, e.History)
	return &models.ModelResponseDetail{
		FinalAssistantResponseText: e.ResponseText,
		FullConversationHistory:    history,
		SystemPromptUsed:           system,
	}
}

type fixtureKey struct {
	promptID         string
	baseModelID      string
	effectiveModelID string
	runLabel         string
}

// FixtureDeck replays recorded responses instead of live generation.
type FixtureDeck struct {
	entries map[fixtureKey]*FixtureEntry
}

// NewFixtureDeck builds a deck from entries. Later duplicates of the
// same key replace earlier ones.
func NewFixtureDeck(entries ...FixtureEntry) *FixtureDeck {
	d := &FixtureDeck{entries: make(map[fixtureKey]*FixtureEntry, len(entries))}
	for i := range entries {
		d.Add(entries[i])
	}
	return d
}

// Add records one entry.
func (d *FixtureDeck) Add(e FixtureEntry) {
	k := fixtureKey{e.PromptID, e.BaseModelID, e.EffectiveModelID, e.RunLabel}
	entry := e
	d.entries[k] = &entry
}

// Len reports how many entries the deck holds.
func (d *FixtureDeck) Len() int {
	return len(d.entries)
}

// Lookup finds the entry for a cell, preferring an exact run-label
// match and falling back to a run-agnostic one.
func (d *FixtureDeck) Lookup(promptID, baseModelID, effectiveModelID, runLabel string) (*FixtureEntry, bool) {
	if e, ok := d.entries[fixtureKey{promptID, baseModelID, effectiveModelID, runLabel}]; ok {
		return e, true
	}
	if runLabel != "" {
		if e, ok := d.entries[fixtureKey{promptID, baseModelID, effectiveModelID, ""}]; ok {
			return e, true
		}
	}
	return nil, false
}

// Entries returns the deck contents in no particular order.
func (d *FixtureDeck) Entries() []FixtureEntry {
	out := make([]FixtureEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	return out
}

// fixtureFile is the on-disk deck envelope.
type fixtureFile struct {
	Version int            `msgpack:"version"`
	Entries []FixtureEntry `msgpack:"entries"`
}

const fixtureFileVersion = 1

// LoadFixtureDeck reads a msgpack deck from path.
func LoadFixtureDeck(path string) (*FixtureDeck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	var f fixtureFile
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	if f.Version != fixtureFileVersion {
		return nil, fmt.Errorf("fixtures %s: unsupported version %d", path, f.Version)
	}
	return NewFixtureDeck(f.Entries...), nil
}

// Save writes the deck as msgpack.
func (d *FixtureDeck) Save(path string) error {
	data, err := msgpack.Marshal(fixtureFile{Version: fixtureFileVersion, Entries: d.Entries()})
	if err != nil {
		return fmt.Errorf("encode fixtures: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write fixtures %s: %w", path, err)
	}
	return nil
}

// DeckFromArtifact turns a persisted run into a fixture deck. Errored
// cells and the ideal pseudo-column are skipped; entries carry the
// source run label.
func DeckFromArtifact(a *models.RunArtifact) *FixtureDeck {
	d := NewFixtureDeck()
	for promptID, perModel := range a.AllFinalAssistantResponses {
		for effectiveID, text := range perModel {
			if effectiveID == models.IdealModelID {
				continue
			}
			if errs, ok := a.Errors[promptID]; ok {
				if _, errored := errs[effectiveID]; errored {
					continue
				}
			}
			var history []models.ConversationMessage
			if perPrompt, ok := a.FullConversationHistories[promptID]; ok {
				history = perPrompt[effectiveID]
			}
			d.Add(FixtureEntry{
				PromptID:         promptID,
				BaseModelID:      models.ParseEffectiveModelID(effectiveID).BaseID,
				EffectiveModelID: effectiveID,
				RunLabel:         a.RunLabel,
				ResponseText:     text,
				History:          history,
			})
		}
	}
	return d
}
