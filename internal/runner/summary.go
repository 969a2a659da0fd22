package runner

import "github.com/CopilotKit/agentrunner/internal/model"

// recordedMessageIDs collects the ids of every message recorded in the
// thread's RUN_STARTED inputs. These are the messages prior runs already
// presented to the agent.
func recordedMessageIDs(events []model.Event) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, ev := range events {
		if ev.Type != model.EventRunStarted {
			continue
		}
		p, err := model.DecodeRunStarted(ev)
		if err != nil || p.Input == nil {
			continue
		}
		for _, m := range p.Input.Messages {
			if m.ID != "" {
				ids[m.ID] = struct{}{}
			}
		}
	}
	return ids
}

// deltaMessages filters the caller's message history down to messages no
// prior run on the thread has recorded.
func deltaMessages(stored []model.Event, messages []model.Message) []model.Message {
	if len(messages) == 0 {
		return nil
	}
	seen := recordedMessageIDs(stored)
	delta := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		delta = append(delta, m)
	}
	return delta
}

// summarize derives the thread's message count and first-message preview
// from its full event history. Counted are the caller messages recorded in
// RUN_STARTED inputs (deduplicated by id) plus one per streamed assistant
// message. The preview is the first user-authored message, truncated on a
// code point boundary.
func summarize(events []model.Event) (int, *string) {
	var (
		count int
		first *string
		seen  = make(map[string]struct{})
	)
	for _, ev := range events {
		switch ev.Type {
		case model.EventRunStarted:
			p, err := model.DecodeRunStarted(ev)
			if err != nil || p.Input == nil {
				continue
			}
			for _, m := range p.Input.Messages {
				if m.ID != "" {
					if _, dup := seen[m.ID]; dup {
						continue
					}
					seen[m.ID] = struct{}{}
				}
				count++
				if first == nil && m.Role == "user" && m.Content != "" {
					s := model.TruncateRunes(m.Content, model.FirstMessageMaxRunes)
					first = &s
				}
			}
		case model.EventTextMessageStart:
			count++
		}
	}
	return count, first
}
