package llm

import "strings"

// fragmentEmitter turns stream deltas into output fragments, wrapping
// reasoning tokens in <think> delimiters. Fragment order is fixed:
// entering reasoning emits "<think>" then " \n"; leaving emits " \n",
// "</think>", " \n\n"; a stream that ends while still reasoning closes
// with "</think>" then " \n".
type fragmentEmitter struct {
	emit        func(string) error
	inReasoning bool
	answer      strings.Builder
	reasoning   strings.Builder
}

func newFragmentEmitter(emit func(string) error) *fragmentEmitter {
	return &fragmentEmitter{emit: emit}
}

func (e *fragmentEmitter) send(fragment string) error {
	if e.emit == nil {
		return nil
	}
	return e.emit(fragment)
}

// OnDelta routes a stream delta into the fragment sequence.
func (e *fragmentEmitter) OnDelta(delta ChatStreamDelta) error {
	if delta.Reasoning != "" {
		if !e.inReasoning {
			e.inReasoning = true
			if err := e.send("<think>"); err != nil {
				return err
			}
			if err := e.send(" \n"); err != nil {
				return err
			}
		}
		e.reasoning.WriteString(delta.Reasoning)
		if err := e.send(delta.Reasoning); err != nil {
			return err
		}
	}

	if delta.Content != "" {
		if e.inReasoning {
			e.inReasoning = false
			for _, fragment := range []string{" \n", "</think>", " \n\n"} {
				if err := e.send(fragment); err != nil {
					return err
				}
			}
		}
		e.answer.WriteString(delta.Content)
		if err := e.send(delta.Content); err != nil {
			return err
		}
	}

	return nil
}

// EmitContent forwards pre-computed answer text as a content fragment.
func (e *fragmentEmitter) EmitContent(text string) error {
	return e.OnDelta(ChatStreamDelta{Content: text})
}

// Finish closes an unterminated reasoning block at end of stream.
func (e *fragmentEmitter) Finish() error {
	if !e.inReasoning {
		return nil
	}
	e.inReasoning = false
	if err := e.send("</think>"); err != nil {
		return err
	}
	return e.send(" \n")
}

// Answer returns the accumulated answer text, without delimiters.
func (e *fragmentEmitter) Answer() string {
	return e.answer.String()
}

// Reasoning returns the accumulated reasoning text.
func (e *fragmentEmitter) Reasoning() string {
	return e.reasoning.String()
}
