package state

import "sync"

// Flags records per-run facts set during tool dispatch and consumed once by
// billing.
type Flags struct {
	mu    sync.Mutex
	image map[string]bool
}

// NewFlags creates an empty flag set.
func NewFlags() *Flags {
	return &Flags{image: make(map[string]bool)}
}

// MarkImage notes that runID generated an image.
func (f *Flags) MarkImage(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.image[runID] = true
}

// ImageGenerated reports whether runID generated an image.
func (f *Flags) ImageGenerated(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image[runID]
}

// TakeImage reports whether runID generated an image and clears the flag.
// Only the first caller for a run observes true.
func (f *Flags) TakeImage(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.image[runID]
	delete(f.image, runID)
	return v
}

// Forget clears all flags for runID.
func (f *Flags) Forget(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.image, runID)
}
