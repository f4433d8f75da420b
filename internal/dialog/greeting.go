package dialog

import (
	"fmt"
	"os"
	"sync"

	"github.com/ovolab/attendant/internal/audio"
)

// ClipCache loads precomputed WAV clips (greeting, apology) once and serves
// them from memory. Clips are regenerated out-of-band; a missing file is
// reported so the caller can fall back to live synthesis.
type ClipCache struct {
	mu    sync.Mutex
	clips map[string]audio.Buffer
}

func NewClipCache() *ClipCache {
	return &ClipCache{clips: make(map[string]audio.Buffer)}
}

// Load returns the decoded clip at path, reading the file on first use.
func (c *ClipCache) Load(path string) (audio.Buffer, error) {
	if path == "" {
		return audio.Buffer{}, fmt.Errorf("no clip path configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.clips[path]; ok {
		return buf, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("read clip %s: %w", path, err)
	}
	buf, err := audio.DecodeWAV(raw)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("decode clip %s: %w", path, err)
	}
	c.clips[path] = buf
	return buf, nil
}
