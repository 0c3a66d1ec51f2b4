package tools

import "github.com/kandev/crewhub/internal/llm"

func pathProperty(desc string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string", "description": desc}},
		"required":   []string{"path"},
	}
}

var allSchemas = map[string]llm.ToolSchema{
	ToolReadFile: {
		Name:        ToolReadFile,
		Description: "Read a text file from the workspace",
		Parameters:  pathProperty("Path relative to the workspace root"),
	},
	ToolWriteFile: {
		Name:        ToolWriteFile,
		Description: "Write a text file in the workspace, creating parent directories as needed",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"required": []string{"path", "content"},
		},
	},
	ToolListDirectory: {
		Name:        ToolListDirectory,
		Description: "List entries of a workspace directory",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path, defaults to the workspace root"},
			},
		},
	},
	ToolCreateDirectory: {
		Name:        ToolCreateDirectory,
		Description: "Create a directory in the workspace",
		Parameters:  pathProperty("Directory path relative to the workspace root"),
	},
	ToolDeleteFile: {
		Name:        ToolDeleteFile,
		Description: "Delete a file from the workspace",
		Parameters:  pathProperty("Path relative to the workspace root"),
	},
	ToolFileExists: {
		Name:        ToolFileExists,
		Description: "Check whether a workspace path exists",
		Parameters:  pathProperty("Path relative to the workspace root"),
	},
}

// Schemas returns the tool schemas for an agent's allow-list. An empty
// allow-list returns the full capability set. Unknown names are skipped.
func Schemas(allowlist []string) []llm.ToolSchema {
	names := allowlist
	if len(names) == 0 {
		names = []string{
			ToolReadFile, ToolWriteFile, ToolListDirectory,
			ToolCreateDirectory, ToolDeleteFile, ToolFileExists,
		}
	}
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		if schema, ok := allSchemas[name]; ok {
			out = append(out, schema)
		}
	}
	return out
}
