// Package prompt implements the Context Assembler: it builds a bounded,
// immutable generation context from role, intents, masked records,
// reference passages and conversation history.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ehr/assistant/internal/domain/access"
)

const (
	DefaultBudgetChars = 12000
	DefaultTailTurns   = 6
)

// Turn is one prior conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Passage is a generic reference text from the knowledge retriever.
type Passage struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Message is one chat message sent to the generator.
type Message struct {
	Role    string
	Content string
}

// Truncation reports what the budget removed.
type Truncation struct {
	HistoryDropped  int                     `json:"history_dropped"`
	RecordsDropped  map[access.Category]int `json:"records_dropped,omitempty"`
	PassagesDropped int                     `json:"passages_dropped"`
}

// Context is the generation context. It is built once and passed by value.
type Context struct {
	System    string
	Records   string
	Knowledge string
	History   []Turn
	Question  string
	Intents   access.IntentSet
	Truncated Truncation
}

// Size is the character count the budget applies to.
func (c Context) Size() int {
	n := len(c.System) + len(c.Records) + len(c.Knowledge) + len(c.Question)
	for _, t := range c.History {
		n += len(t.Content)
	}
	return n
}

// Messages renders the context as chat messages.
func (c Context) Messages() []Message {
	system := c.System
	if c.Records != "" {
		system += "\n\nRecords:\n" + c.Records
	}
	if c.Knowledge != "" {
		system += "\n\nReference passages:\n" + c.Knowledge
	}
	msgs := make([]Message, 0, len(c.History)+2)
	msgs = append(msgs, Message{Role: "system", Content: system})
	for _, t := range c.History {
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, Message{Role: "user", Content: c.Question})
	return msgs
}

// WithoutHistory returns a copy of c with no conversation history. The
// generator uses it as its fallback strategy.
func (c Context) WithoutHistory() Context {
	cp := c
	cp.Truncated.HistoryDropped += len(cp.History)
	cp.History = nil
	return cp
}

// Input is what the assembler consumes.
type Input struct {
	Role     access.Role
	Intents  access.IntentSet
	Bundle   access.Bundle
	Passages []Passage
	History  []Turn
	Question string
}

type Assembler struct {
	budget    int
	tailTurns int
}

func NewAssembler(budgetChars, tailTurns int) *Assembler {
	if budgetChars <= 0 {
		budgetChars = DefaultBudgetChars
	}
	if tailTurns <= 0 {
		tailTurns = DefaultTailTurns
	}
	return &Assembler{budget: budgetChars, tailTurns: tailTurns}
}

// Assemble builds the context under the budget. History goes first, oldest
// turn first; then records from the lowest-priority category backward;
// then reference passages. It fails only when instructions and question
// alone exceed the budget.
func (a *Assembler) Assemble(in Input) (Context, error) {
	if !in.Bundle.Masked && in.Bundle.Len() > 0 {
		return Context{}, access.AtStage("assemble", access.Errorf(access.KindInternal, "refusing unmasked bundle"))
	}

	categories := make([]access.Category, 0, len(in.Bundle.Sections))
	for _, s := range in.Bundle.Sections {
		categories = append(categories, s.Category)
	}

	history := in.History
	dropped := 0
	if len(history) > a.tailTurns {
		dropped = len(history) - a.tailTurns
		history = history[dropped:]
	}
	passages := in.Passages
	if !in.Intents.Has(access.IntentExplanation) {
		passages = nil
	}

	ctx := Context{
		System:   SystemInstructions(in.Role, in.Intents, categories),
		Question: in.Question,
		Intents:  in.Intents,
		History:  append([]Turn(nil), history...),
	}
	ctx.Truncated.HistoryDropped = dropped

	bundle := in.Bundle.Clone()
	ctx.Records = RenderRecords(bundle)
	ctx.Knowledge = renderPassages(passages)

	for ctx.Size() > a.budget && len(ctx.History) > 0 {
		ctx.History = ctx.History[1:]
		ctx.Truncated.HistoryDropped++
	}
	for ctx.Size() > a.budget && dropLowestPriority(&bundle, &ctx.Truncated) {
		ctx.Records = renderRecords(bundle, ctx.Truncated.RecordsDropped)
	}
	for ctx.Size() > a.budget && len(passages) > 0 {
		passages = passages[:len(passages)-1]
		ctx.Truncated.PassagesDropped++
		ctx.Knowledge = renderPassages(passages)
	}
	if ctx.Size() > a.budget {
		return Context{}, access.AtStage("assemble", access.Errorf(access.KindInternal, "context budget of %d characters too small", a.budget))
	}
	return ctx, nil
}

// dropLowestPriority removes the last record of the last non-empty section.
func dropLowestPriority(b *access.Bundle, t *Truncation) bool {
	for i := len(b.Sections) - 1; i >= 0; i-- {
		s := &b.Sections[i]
		if len(s.Records) == 0 {
			continue
		}
		s.Records = s.Records[:len(s.Records)-1]
		if t.RecordsDropped == nil {
			t.RecordsDropped = make(map[access.Category]int)
		}
		t.RecordsDropped[s.Category]++
		return true
	}
	return false
}

// RenderRecords renders a masked bundle in plan order, one line per record
// with fields in the category's canonical order.
func RenderRecords(b access.Bundle) string {
	return renderRecords(b, nil)
}

// renderRecords distinguishes a section cut for length from one the store
// returned empty, so the model never reads truncation as absence.
func renderRecords(b access.Bundle, dropped map[access.Category]int) string {
	var sb strings.Builder
	for _, s := range b.Sections {
		n := dropped[s.Category]
		if len(s.Records) == 0 {
			if n > 0 {
				fmt.Fprintf(&sb, "%s: %d record(s) omitted for length\n", s.Category, n)
			} else {
				fmt.Fprintf(&sb, "%s: no records found\n", s.Category)
			}
			continue
		}
		if n > 0 {
			fmt.Fprintf(&sb, "%s (%d more omitted for length):\n", s.Category, n)
		} else {
			fmt.Fprintf(&sb, "%s:\n", s.Category)
		}
		order := s.Category.Fields()
		for _, r := range s.Records {
			parts := make([]string, 0, len(order)+1)
			if r.SubjectID != "" {
				parts = append(parts, r.SubjectID)
			}
			for _, f := range order {
				if v, ok := r.Fields[f]; ok && v != "" {
					parts = append(parts, f+"="+v)
				}
			}
			sb.WriteString("- ")
			sb.WriteString(strings.Join(parts, "; "))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func renderPassages(ps []Passage) string {
	var sb strings.Builder
	for _, p := range ps {
		fmt.Fprintf(&sb, "[%s] %s\n%s\n", p.ID, p.Title, p.Text)
	}
	return sb.String()
}
