package dispenser

import (
	"os"
	"path/filepath"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
)

func writeRaw(home, content string) error {
	return os.WriteFile(filepath.Join(home, signature.FileName), []byte(content), 0o644)
}
