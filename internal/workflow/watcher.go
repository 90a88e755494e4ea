package workflow

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/swissarmyhammer/acp-host/internal/logging"
)

// Watcher re-parses a workflow source file whenever it changes on disk, for
// iterative workflow authoring against a running host.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	parser  *MermaidParser
	onParse func(*Workflow, error)

	mu      sync.Mutex
	current *Workflow

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher builds a Watcher over path, parsing it once immediately. onParse
// is called with the result of every parse, including the initial one.
func NewWatcher(path string, onParse func(*Workflow, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		path:    path,
		parser:  NewMermaidParser(),
		onParse: onParse,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.reparse()
	return w, nil
}

// Start begins watching for file changes in a background goroutine.
func (w *Watcher) Start() { go w.run() }

// Stop halts the watch loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

// Current returns the most recently successfully parsed Workflow, or nil if
// every parse so far has failed.
func (w *Watcher) Current() *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reparse()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Str("path", w.path).Msg("workflow watcher error")
		}
	}
}

func (w *Watcher) reparse() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.onParse(nil, err)
		return
	}
	wf, err := w.parser.Parse(string(data))
	if err == nil {
		w.mu.Lock()
		w.current = wf
		w.mu.Unlock()
	}
	w.onParse(wf, err)
}
