// Package analysis generates case summaries and answers follow-up questions about a dictated consultation.
package analysis

import (
	"strings"
)

const (
	snippetChars    = 500
	historyMessages = 4
	historyChars    = 200
	noTranscription = "No transcription available"
	roleUser        = "user"
)

// systemInstruction frames every request. Patient details are appended per request.
const systemInstruction = `You are Atlas, an assistant for veterinary clinicians reviewing a consultation.
Answer in plain text with short section headers followed by colons. Use numbered lists for steps and
plain bullets (•) for other lists. Do not use markdown symbols.
When asked for differential diagnoses, rank three to five by likelihood with a one-line reason each.
When asked for a treatment plan, cover medications with dose, route, frequency and duration, then diet,
activity, home care, follow-up and warning signs.`

// Patient identifies the animal under discussion.
type Patient struct {
	PatientID string `json:"patientId"`
	Name      string `json:"name"`
	Species   string `json:"species"`
}

// Message is one earlier turn of the conversation. Role "user" is the clinician; anything else is Atlas.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one analysis call.
type Request struct {
	Transcription    string    `json:"transcription"`
	Patient          *Patient  `json:"patientInfo"`
	ConsultID        string    `json:"consultId"`
	FollowUpQuestion string    `json:"followUpQuestion"`
	PreviousMessages []Message `json:"previousMessages"`
}

// BuildPrompt returns the system instruction and user content for req.
func BuildPrompt(req Request) (system, user string) {
	system = systemInstruction
	if p := req.Patient; p != nil {
		system += "\n\nPatient Information:\n" +
			"• Patient ID: " + orDefault(p.PatientID, "N/A") + "\n" +
			"• Name: " + orDefault(p.Name, "Unknown") + "\n" +
			"• Species: " + orDefault(p.Species, "Unknown") + "\n"
	}

	var b strings.Builder
	if strings.TrimSpace(req.FollowUpQuestion) == "" {
		b.WriteString("Please analyze this veterinary case recording and provide a case summary only:\n\n")
		b.WriteString("Recording Transcription:\n")
		b.WriteString(orDefault(req.Transcription, noTranscription))
		b.WriteString("\n\nSummarize the key findings only. Leave out differential diagnoses, treatment plans and procedures.")
	} else {
		if req.Transcription != "" {
			b.WriteString("[Context from recording: ")
			b.WriteString(truncate(req.Transcription, snippetChars))
			b.WriteString("]\n\n")
		}
		b.WriteString(req.FollowUpQuestion)
	}
	user = b.String()

	if len(req.PreviousMessages) > 0 {
		msgs := req.PreviousMessages
		if len(msgs) > historyMessages {
			msgs = msgs[len(msgs)-historyMessages:]
		}
		var h strings.Builder
		h.WriteString("\n\nPrevious conversation:\n")
		for _, m := range msgs {
			label := "Atlas"
			if m.Role == roleUser {
				label = "User"
			}
			h.WriteString(label + ": " + truncate(m.Content, historyChars) + "\n")
		}
		user = h.String() + "\n\nCurrent question:\n" + user
	}
	return system, user
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// truncate cuts s to n runes and marks the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
