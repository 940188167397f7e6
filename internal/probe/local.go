package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// localProbeTimeout bounds a fallback ffprobe run so a hung source cannot
// stall the discovery batch.
const localProbeTimeout = 20 * time.Second

// runFFprobe inspects url with the local ffprobe binary and returns the
// parsed JSON document.
func runFFprobe(ctx context.Context, url string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, localProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		url,
	)

	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe: %s", ee.Stderr)
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var doc any
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}
	return doc, nil
}
