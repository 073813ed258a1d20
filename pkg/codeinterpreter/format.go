package codeinterpreter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RunnerInstructions are the standing instructions for backends that keep
// a persistent assistant.
const RunnerInstructions = `Execute the provided Python code for data analysis.
Return the execution result. Your own analysis is not needed.
Again: return the result of the execution.
If a file path or similar detail is slightly wrong, fix it.
If you changed anything, explain the change.`

// ExecutionPrompt wraps code in the instruction sent to the hosted model.
func ExecutionPrompt(code string) string {
	var b strings.Builder
	b.WriteString("Execute the following code and return the result.\n")
	b.WriteString("```python\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")
	b.WriteString("**Important rules**:\n")
	b.WriteString("- Return the execution output (stdout, stderr) exactly\n")
	b.WriteString("- On error, include the full traceback\n")
	b.WriteString("- If a file path or similar detail is slightly wrong, fix it\n")
	return b.String()
}

// ComposeText prefixes the model text with the raw execution output when
// there is any.
func ComposeText(codeOutput, text string) string {
	if codeOutput == "" {
		return text
	}
	return fmt.Sprintf("[Execution result]\n%s\n\n%s", codeOutput, text)
}

// FormatToolOutput renders a run as the JSON array [text, files] that the
// agent receives as tool output. Errors become text with an empty file list.
func FormatToolOutput(res *Result, err error) string {
	text := ""
	files := []string{}
	switch {
	case err != nil:
		text = "[Code Interpreter error]\n" + err.Error()
	case res != nil:
		text = res.Text
		if len(res.Files) > 0 {
			files = res.Files
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if encErr := enc.Encode([]any{text, files}); encErr != nil {
		return fmt.Sprintf("[%q, []]", text)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// ParseToolOutput is the inverse of FormatToolOutput. It returns ok=false
// when s is not a [text, files] array.
func ParseToolOutput(s string) (text string, files []string, ok bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil || len(raw) != 2 {
		return "", nil, false
	}
	if err := json.Unmarshal(raw[0], &text); err != nil {
		return "", nil, false
	}
	if err := json.Unmarshal(raw[1], &files); err != nil {
		return "", nil, false
	}
	return text, files, true
}
