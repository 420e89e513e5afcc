package job

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/moondream/internal/pipeline"
)

// Event is one item of a run's output: either a generation or the error
// that ended the run.
type Event struct {
	RunID      string
	Generation *pipeline.Generation
	Err        error
}

type wireEvent struct {
	RunID      string               `json:"run_id"`
	Generation *pipeline.Generation `json:"generation,omitempty"`
	Error      string               `json:"error,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{RunID: e.RunID, Generation: e.Generation}
	if e.Err != nil {
		w.Error = e.Err.Error()
	}
	return json.Marshal(w)
}

// Terminal reports whether no further events follow e in its run.
func (e Event) Terminal() bool {
	return e.Err != nil || (e.Generation != nil && e.Generation.Final())
}
