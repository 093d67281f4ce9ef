package query

import (
	"fmt"
	"strings"
)

const answerSystemInstruction = `You are a document question-answering assistant. Answer using only the provided source material and conversation history. Cite sources by their markers, for example [Source 2]. If the sources do not contain the answer, say so plainly instead of guessing.`

const extractSystemInstruction = `You extract information from source material. Return only facts relevant to the question, keeping source markers attached. Do not answer the question; do not add commentary.`

const condenseSystemInstruction = `You condense extracted notes. Preserve every distinct fact and its source markers; remove repetition and filler.`

// Exchange is one prior question and answer from the chat
type Exchange struct {
	Question string
	Answer   string
}

func renderHistory(history []Exchange) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, ex := range history {
		b.WriteString("Q: ")
		b.WriteString(ex.Question)
		b.WriteString("\nA: ")
		b.WriteString(ex.Answer)
		b.WriteString("\n")
	}
	return b.String()
}

func marksHint(marks *int) string {
	if marks == nil {
		return ""
	}
	return fmt.Sprintf("This is a %d-mark question; size the answer accordingly.\n", *marks)
}

func singleCallPrompt(history []Exchange, contextBlock, question string, marks *int) string {
	var b strings.Builder
	if h := renderHistory(history); h != "" {
		b.WriteString(h)
		b.WriteString("\n")
	}
	if contextBlock != "" {
		b.WriteString("Source material:\n")
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}
	b.WriteString(marksHint(marks))
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func mapPrompt(batch, question string) string {
	return fmt.Sprintf("Source material:\n%s\n\nQuestion: %s\n\nExtract every fact from the source material relevant to this question.", batch, question)
}

func reducePrompt(part string) string {
	return "Condense the following notes without losing facts or source markers:\n\n" + part
}

func finalPrompt(knowledge string, history []Exchange, question string, marks *int) string {
	var b strings.Builder
	if h := renderHistory(history); h != "" {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("Notes extracted from the documents:\n")
	b.WriteString(knowledge)
	b.WriteString("\n\n")
	b.WriteString(marksHint(marks))
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
