// Package render produces the document artifact for an approved action.
//
// Rendering is an opaque collaborator from the runtime's point of view: it
// receives the approved parameter snapshot and reports pass/fail plus the
// artifact location. A failure after approval is retryable; the caller keeps
// its collected state so the user can re-approve without re-entering fields.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/logging"
)

// ErrRenderFailed marks a retryable rendering failure.
var ErrRenderFailed = errors.New("render failed")

// Result reports the outcome of a render call.
type Result struct {
	Success      bool
	ArtifactPath string
	ErrorMessage string
}

// Renderer executes an approved side-effecting action.
type Renderer interface {
	Render(ctx context.Context, action *approval.PendingAction) (Result, error)
}

// FileRenderer writes the application document as a JSON artifact in the
// output directory. Document layout beyond this plain structure is out of
// scope; downstream tooling owns formatting.
type FileRenderer struct {
	outputDir string
	logger    *logging.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewFileRenderer creates a renderer writing into outputDir.
func NewFileRenderer(outputDir string, logger *logging.Logger) *FileRenderer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FileRenderer{outputDir: outputDir, logger: logger, now: time.Now}
}

// document is the artifact body.
type document struct {
	Action      string            `json:"action"`
	WorkerType  string            `json:"worker_type"`
	GeneratedAt string            `json:"generated_at"`
	Fields      map[string]string `json:"fields"`
	Legs        []map[string]any  `json:"legs,omitempty"`
}

// Render implements Renderer.
func (r *FileRenderer) Render(ctx context.Context, action *approval.PendingAction) (Result, error) {
	if err := os.MkdirAll(r.outputDir, 0750); err != nil {
		return failure(err), fmt.Errorf("%w: creating output directory: %v", ErrRenderFailed, err)
	}

	doc := document{
		Action:      action.Action,
		WorkerType:  action.WorkerType,
		GeneratedAt: r.now().Format(time.RFC3339),
		Fields:      make(map[string]string, len(action.Params)),
	}
	for k, v := range action.Params {
		if k == "legs" {
			// Legs travel as a JSON-encoded parameter; expand them in the
			// artifact for readability.
			var legs []map[string]any
			if err := json.Unmarshal([]byte(v), &legs); err != nil {
				return failure(err), fmt.Errorf("%w: invalid legs parameter: %v", ErrRenderFailed, err)
			}
			doc.Legs = legs
			continue
		}
		doc.Fields[k] = v
	}

	name := fmt.Sprintf("%s_%s.json", action.WorkerType, r.now().Format("20060102-150405"))
	path := filepath.Join(r.outputDir, name)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return failure(err), fmt.Errorf("%w: encoding document: %v", ErrRenderFailed, err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return failure(err), fmt.Errorf("%w: writing document: %v", ErrRenderFailed, err)
	}

	r.logger.Info(ctx, "artifact rendered",
		zap.String("action", action.Action),
		zap.String("path", path))

	return Result{Success: true, ArtifactPath: path}, nil
}

func failure(err error) Result {
	return Result{Success: false, ErrorMessage: err.Error()}
}
