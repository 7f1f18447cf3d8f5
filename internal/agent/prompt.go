package agent

import (
	"fmt"
	"strings"
)

const basePrompt = `You are a helpful voice assistant. You answer questions, provide information and carry out tasks with the tools you are given.

## Output format
Your reply is read aloud. Output plain text only. Do not output markdown, lists, code blocks or special characters. Only the punctuation , . ? ! is allowed.

## Additional information
Today's date: %s

## Language
You must reply in %s. If the user speaks another language, understand the question and answer in %s.`

func (d *Dispatcher) systemPrompt() string {
	date := d.now().Format("2006-01-02 (Monday)")
	p := fmt.Sprintf(basePrompt, date, d.language, d.language)
	if d.homeAssistant {
		p += "\n\n" + homeAssistantPrompt
	}
	if s := strings.TrimSpace(d.instructions); s != "" {
		p += "\n\n" + s
	}
	return p
}

// homeAssistantPrompt is added by [WithHomeAssistant].
const homeAssistantPrompt = `## Home Assistant device control
Before you control a device, make sure the device exists and the command fits its current state. Look up the correct entity first. When you report the state of a device, leave out irrelevant or empty details.`
