package engine

import "runtime/debug"

// goSafe runs fn on a tracked goroutine and recovers from panics, so a
// background task can never crash the process or leak past close.
func (e *Engine) goSafe(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorf("panic recovered in %s: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
