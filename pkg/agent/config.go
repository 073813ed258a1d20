package agent

// DefaultMaxTurns bounds the model calls per question.
const DefaultMaxTurns = 10

// Config holds agent settings.
type Config struct {
	// MaxTurns is the number of model calls allowed per question. Zero or
	// negative means DefaultMaxTurns.
	MaxTurns int

	// ParallelToolCalls executes the tool calls of one turn concurrently.
	// Interpreter sessions run one call at a time anyway, so this only
	// helps with external tools.
	ParallelToolCalls bool

	// AllowedTools limits the tools offered to the model, for example to
	// a subset of an MCP server's tools. Empty allows all.
	AllowedTools []string
}

func (c Config) maxTurns() int {
	if c.MaxTurns <= 0 {
		return DefaultMaxTurns
	}
	return c.MaxTurns
}
