package tools

import "context"

// FinishTool is the termination marker: the model calls it to signal
// that enough information has been gathered. Invoking it does nothing;
// the agent loop watches for the call itself.
type FinishTool struct{}

func NewFinishTool() *FinishTool { return &FinishTool{} }

func (t *FinishTool) Name() string { return FinishToolName }

func (t *FinishTool) Description() string {
	return "Signal that research is complete and the final answer can be written."
}

func (t *FinishTool) RichDescription() string {
	return "Call this tool once you have gathered all the information needed to answer the " +
		"user's question. Do not call it while open questions remain that another tool " +
		"could resolve."
}

func (t *FinishTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *FinishTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	return "Research complete.", nil
}
