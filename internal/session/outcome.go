package session

import "sync"

// outcomeCell is the one-shot terminal result slot. Exactly one resolve
// wins regardless of how many exit paths race to it.
type outcomeCell struct {
	once sync.Once
}

// resolve runs fn if and only if no previous resolve has run.
func (o *outcomeCell) resolve(fn func()) {
	o.once.Do(fn)
}
