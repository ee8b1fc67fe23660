package collab

import (
	"path"
	"strings"
)

const DefaultLanguage = "plaintext"

var languageByExt = map[string]string{
	"ts":   "typescript",
	"tsx":  "typescript",
	"js":   "javascript",
	"jsx":  "javascript",
	"py":   "python",
	"cpp":  "cpp",
	"c":    "c",
	"java": "java",
	"go":   "go",
	"rs":   "rust",
	"php":  "php",
	"html": "html",
	"css":  "css",
	"json": "json",
	"md":   "markdown",
	"sql":  "sql",
	"xml":  "xml",
	"yml":  "yaml",
	"yaml": "yaml",
}

// LanguageFor derives the editor language from a file name's extension.
func LanguageFor(fileName string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	return DefaultLanguage
}
