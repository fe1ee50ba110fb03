package jobs

import (
	"encoding/json"
	"os"
)

func jsonOf(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
