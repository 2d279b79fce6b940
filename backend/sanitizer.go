package backend

import (
	"strings"
)

// forbiddenTerms — слова/фразы, при которых диалог эскалируется
// к живому оператору: ассистент не должен выдавать свою природу.
var forbiddenTerms = []string{
	// RU + EN варианты
	"бот", "bot", "робот",
	"ai", "ии",
	"нейросеть", "neural",
	"language model", "llm",
	"gpt", "chatgpt", "openai",
	"искусственный интеллект",
	"алгоритм", "model", "модель",
	"программа", "software", "script",
	"виртуальный", "digital agent",
}

// sanitize проверяет текст ответа. escalate=true => нужен живой оператор.
func sanitize(resp string) (clean string, escalate bool) {
	lower := strings.ToLower(resp)
	for _, term := range forbiddenTerms {
		if strings.Contains(lower, term) {
			return "", true
		}
	}
	return strings.TrimSpace(resp), false
}
