package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/studybuddy/internal/llm"
	"github.com/nugget/studybuddy/internal/study"
)

var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Transcript renders a conversation and its study state as Markdown.
func Transcript(id string, msgs []llm.Message, st *study.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Study Buddy: %s\n\n", id)

	if st != nil {
		if p := st.Profile; p != nil {
			b.WriteString("## Profile\n\n")
			if p.Name != nil {
				fmt.Fprintf(&b, "- **Name:** %s\n", *p.Name)
			}
			if p.Goals != nil {
				fmt.Fprintf(&b, "- **Goals:** %s\n", *p.Goals)
			}
			if p.PreferredSchedule != nil {
				fmt.Fprintf(&b, "- **Preferred schedule:** %s\n", *p.PreferredSchedule)
			}
			b.WriteString("\n")
		}
		if len(st.Tasks) > 0 {
			b.WriteString("## Tasks\n\n")
			for _, t := range st.Tasks {
				mark := " "
				if t.Status == study.StatusDone {
					mark = "x"
				}
				fmt.Fprintf(&b, "- [%s] %s\n", mark, t.Title)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("## Conversation\n\n")
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "**You**%s\n\n%s\n\n", stamp(m.CreatedAt), m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "**Study Buddy**%s\n\n%s\n\n", stamp(m.CreatedAt), m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Function.Arguments)
				fmt.Fprintf(&b, "> called `%s` with `%s`\n\n", tc.Function.Name, args)
			}
		case llm.RoleTool:
			fmt.Fprintf(&b, "> %s\n\n", strings.ReplaceAll(m.Content, "\n", "\n> "))
		}
	}
	return b.String()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return " _(" + t.UTC().Format("2006-01-02 15:04") + ")_"
}

// handleTranscript serves the conversation as HTML, or as Markdown
// with ?format=md.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	msgs, err := inst.Messages(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, err := inst.State(r.Context())
	if err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}

	md := Transcript(inst.ID(), msgs, st)
	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, md)
		return
	}

	var body bytes.Buffer
	if err := transcriptMarkdown.Convert([]byte(md), &body); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "render transcript: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Study Buddy: %s</title></head><body>\n", inst.ID())
	w.Write(body.Bytes())
	fmt.Fprint(w, "</body></html>\n")
}
