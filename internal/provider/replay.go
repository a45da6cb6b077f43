package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/signalsfoundry/safezone/model"
)

// ReadFixes decodes one JSON LocationFix per line. Blank lines and lines
// starting with '#' are skipped.
func ReadFixes(r io.Reader) ([]model.LocationFix, error) {
	var fixes []model.LocationFix
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		var fix model.LocationFix
		if err := json.Unmarshal(raw, &fix); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", model.ErrInvalidInput, line, err)
		}
		fixes = append(fixes, fix)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read fixes: %v", model.ErrInvalidInput, err)
	}
	return fixes, nil
}

// LoadFixes reads a JSON-lines track from disk.
func LoadFixes(path string) ([]model.LocationFix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open track %q: %v", model.ErrConfiguration, path, err)
	}
	defer f.Close()
	return ReadFixes(f)
}

// ReplayProvider replays a recorded track. It always reports granted and
// enabled.
type ReplayProvider struct {
	fixes []model.LocationFix
}

// NewReplayProvider replays fixes in order.
func NewReplayProvider(fixes []model.LocationFix) *ReplayProvider {
	return &ReplayProvider{fixes: append([]model.LocationFix(nil), fixes...)}
}

func (*ReplayProvider) Permission() Permission { return PermissionGranted }
func (*ReplayProvider) ServicesEnabled() bool  { return true }

// Fixes returns a copy of the recorded track.
func (p *ReplayProvider) Fixes() []model.LocationFix {
	return append([]model.LocationFix(nil), p.fixes...)
}

// Subscribe emits the track then closes the channel.
func (p *ReplayProvider) Subscribe(ctx context.Context) (<-chan model.LocationFix, error) {
	ch := make(chan model.LocationFix)
	go func() {
		defer close(ch)
		for _, fix := range p.fixes {
			select {
			case ch <- fix:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
