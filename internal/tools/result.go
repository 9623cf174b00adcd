package tools

import (
	"encoding/json"
	"fmt"
)

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":"marshal result: %s"}`, err.Error())
	}
	return string(data)
}

// errorText is what the model sees when a tool fails.
func errorText(name Name, err error) string {
	return fmt.Sprintf("Error: %s failed: %v", name, err)
}
